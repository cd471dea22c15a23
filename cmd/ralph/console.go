package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/user/ralph/internal/types"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	iterationStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	successStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failureStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// console prints loop notifications for a foreground run. Styling is only
// applied when out is a terminal.
type console struct {
	out     io.Writer
	styled  bool
	verbose bool
}

func newConsole(verbose bool) *console {
	return &console{
		out:     os.Stdout,
		styled:  isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		verbose: verbose,
	}
}

func (c *console) render(s lipgloss.Style, text string) string {
	if !c.styled {
		return text
	}
	return s.Render(text)
}

func (c *console) banner(text string) {
	fmt.Fprintln(c.out, c.render(bannerStyle, text))
}

// Send implements notify.Sink.
func (c *console) Send(_ context.Context, n types.Notification) error {
	switch n.Type {
	case types.NotifyIterationStart:
		p, _ := n.Data.(types.IterationStartPayload)
		line := strings.Repeat("=", 55)
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, c.render(dimStyle, line))
		fmt.Fprintln(c.out, c.render(iterationStyle, fmt.Sprintf("  Ralph Iteration %d: %s - %s", p.Iteration, p.StoryID, p.StoryTitle)))
		fmt.Fprintln(c.out, c.render(dimStyle, line))
	case types.NotifyIterationComplete:
		p, _ := n.Data.(types.IterationCompletePayload)
		if p.Success {
			fmt.Fprintln(c.out, c.render(successStyle, fmt.Sprintf("Iteration %d complete: %s passed", p.Iteration, p.StoryID)))
		} else {
			fmt.Fprintln(c.out, c.render(failureStyle, fmt.Sprintf("Iteration %d complete: %s not finished", p.Iteration, p.StoryID)))
		}
	case types.NotifyStoryUpdate:
		p, _ := n.Data.(types.StoryUpdatePayload)
		if p.Passes {
			fmt.Fprintln(c.out, c.render(successStyle, "Story "+p.StoryID+" marked passing"))
		}
	case types.NotifyError:
		p, _ := n.Data.(types.ErrorPayload)
		fmt.Fprintln(c.out, c.render(failureStyle, "Error: "+p.Message))
	case types.NotifyToolCall, types.NotifyGitCommit:
		if c.verbose {
			fmt.Fprintln(c.out, c.render(dimStyle, fmt.Sprintf("  %s %v", n.Type, n.Data)))
		}
	case types.NotifySubagentMessage:
		p, _ := n.Data.(types.MessagePayload)
		if c.verbose && p.Role == types.RoleAssistant {
			fmt.Fprintln(c.out, p.Content)
		}
	}
	return nil
}
