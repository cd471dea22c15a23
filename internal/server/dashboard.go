package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Ralph - {{.Target}}</title></head>
<body>
<h1>Ralph: {{.Target}}</h1>
<p>Status: <strong>{{if .Running}}running{{else}}idle{{end}}</strong>
{{with .Run}} | run {{.ID}} ({{.Status}}) iteration {{.CurrentIteration}}/{{.MaxIterations}}{{if .CurrentStoryID}} on {{.CurrentStoryID}}{{end}}{{end}}</p>
{{with .PRD}}{{if .Exists}}
<h2>{{.Project}} <small>{{.Branch}}</small></h2>
<p>{{.Completed}}/{{.Total}} stories complete ({{printf "%.0f" .Percentage}}%)</p>
<ul>{{range .Incomplete}}<li>[{{.Priority}}] {{.ID}}: {{.Title}}</li>{{end}}</ul>
{{else}}<p>No PRD found.</p>{{end}}{{end}}
<h2>Progress</h2>
{{.Progress}}
</body>
</html>
`))

type dashboardData struct {
	Target   types.TargetID
	Running  bool
	Run      *types.Run
	PRD      *types.PRDStatus
	Progress template.HTML
}

// handleIndex renders a read-only overview of one target.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	t := target(r)
	dir, err := s.ctrl.Dir(t)
	if err != nil {
		writeErr(w, err)
		return
	}
	view := s.ctrl.Status(r.Context(), t)
	data := dashboardData{Target: view.Target, Running: view.Running, Run: view.Run}

	if store, err := s.prdStore(r); err == nil {
		if st, err := store.Status(r.Context()); err == nil {
			data.PRD = st
		}
	}

	text, err := state.NewProgressLog(dir).Read()
	if err != nil {
		writeErr(w, err)
		return
	}
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(text), &buf); err != nil {
		data.Progress = template.HTML(template.HTMLEscapeString(text))
	} else {
		data.Progress = template.HTML(buf.String())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		writeErr(w, err)
	}
}
