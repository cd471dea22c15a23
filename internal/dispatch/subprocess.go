package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/ralph/internal/prompt"
)

// Subprocess runs an agent CLI in the target directory.
type Subprocess struct {
	backend Backend
	loader  *prompt.Loader
	timeout time.Duration
}

// SubprocessOption configures a Subprocess.
type SubprocessOption func(*Subprocess)

// WithTimeout kills the agent when an iteration runs longer than d.
func WithTimeout(d time.Duration) SubprocessOption {
	return func(s *Subprocess) { s.timeout = d }
}

// WithLoader sets how instruction documents are read.
func WithLoader(l *prompt.Loader) SubprocessOption {
	return func(s *Subprocess) { s.loader = l }
}

func NewSubprocess(backend Backend, opts ...SubprocessOption) *Subprocess {
	s := &Subprocess{backend: backend, loader: prompt.NewLoader()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subprocess) Name() string { return s.backend.Name }

func (s *Subprocess) Validate() error {
	if s.backend.Command == "" {
		return configError("backend %q has no command", s.backend.Name)
	}
	return nil
}

func (s *Subprocess) Dispatch(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res.Backend = s.backend.Name
	defer func() { res.Duration = time.Since(start) }()

	if s.backend.Stdin != "" {
		text, err := s.loader.Load(ctx, req.Dir, s.backend.Stdin)
		if err != nil {
			res.Error = fmt.Sprintf("load instructions: %v", err)
			return res
		}
		res.Prompt = text
	}

	s.run(ctx, req, &res)
	conclude(ctx, req, &res)
	return res
}

func (s *Subprocess) run(ctx context.Context, req Request, res *Result) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.backend.Command, s.backend.Argv(req.Dir)...)
	cmd.Dir = req.Dir
	if res.Prompt != "" {
		cmd.Stdin = strings.NewReader(res.Prompt)
	}
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Error = fmt.Sprintf("stdout pipe: %v", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Error = fmt.Sprintf("stderr pipe: %v", err)
		return
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			res.Error = fmt.Sprintf("%s not found on PATH. Is the %s CLI installed?", s.backend.Command, s.backend.Name)
		} else {
			res.Error = fmt.Sprintf("start %s: %v", s.backend.Command, err)
		}
		return
	}

	var (
		mu  sync.Mutex
		out strings.Builder
	)
	collect := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		out.WriteString(line)
		out.WriteByte('\n')
		if t := strings.TrimSpace(line); t != "" && req.OnLine != nil {
			req.OnLine(ctx, t)
		}
	}

	// Both pipes must be drained to EOF before Wait.
	var g errgroup.Group
	g.Go(func() error { return drain(stdout, collect) })
	g.Go(func() error { return drain(stderr, collect) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	res.Output = out.String()
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.Error = fmt.Sprintf("%s timed out after %s", s.backend.Name, s.timeout)
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Error = fmt.Sprintf("%s exited with code %d", s.backend.Name, exitErr.ExitCode())
		} else {
			res.Error = fmt.Sprintf("wait %s: %v", s.backend.Name, waitErr)
		}
	case drainErr != nil:
		res.Error = fmt.Sprintf("read output: %v", drainErr)
	}
}

// drain reads r line by line until EOF. Lines of any length are accepted.
func drain(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
