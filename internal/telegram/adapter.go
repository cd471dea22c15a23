// Package telegram pushes loop notifications to a Telegram chat and accepts
// /run, /status, /stop and /summary commands from it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

const maxTelegramMessage = 4096

// Controller is the part of loop.Controller the bot drives.
type Controller interface {
	Start(ctx context.Context, target types.TargetID, opts loop.StartOptions) (*loop.Handle, error)
	Stop(target types.TargetID) error
	Status(ctx context.Context, target types.TargetID) loop.RunView
	Active() []types.Run
	EventLog(target types.TargetID) (*state.EventLog, error)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter bridges Telegram to the loop controller. It is also a notify.Sink.
type Adapter struct {
	bot   botAPI
	ctrl  Controller
	title cases.Caser
	queue chan types.Notification

	mu     sync.Mutex
	chatID int64
}

// New connects to Telegram. chatID is where notifications go; when zero the
// chat that last sent /start is used.
func New(token string, ctrl Controller, chatID int64) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, ctrl, chatID), nil
}

func newAdapter(bot botAPI, ctrl Controller, chatID int64) *Adapter {
	return &Adapter{
		bot:    bot,
		ctrl:   ctrl,
		title:  cases.Title(language.English),
		queue:  make(chan types.Notification, 100),
		chatID: chatID,
	}
}

// Start long-polls for commands and delivers queued notifications until ctx
// is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			if update.Message.IsCommand() {
				a.handleCommand(ctx, update.Message)
			}
		case n := <-a.queue:
			if chat := a.chat(); chat != 0 {
				a.sendResponse(chat, a.formatNotification(n))
			}
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) chat() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

// Send queues notifications worth a chat message. It never blocks.
func (a *Adapter) Send(_ context.Context, n types.Notification) error {
	switch n.Type {
	case types.NotifyIterationStart, types.NotifyIterationComplete, types.NotifyStoryUpdate,
		types.NotifyError, types.NotifyComplete, types.NotifyGitCommit:
	default:
		return nil
	}
	select {
	case a.queue <- n:
		return nil
	default:
		return errors.New("telegram queue full")
	}
}

// label turns "iteration_start" into "Iteration Start".
func (a *Adapter) label(t types.NotificationType) string {
	return a.title.String(strings.ReplaceAll(string(t), "_", " "))
}

func (a *Adapter) formatNotification(n types.Notification) string {
	head := fmt.Sprintf("[%s] %s", n.Target, a.label(n.Type))
	switch p := n.Data.(type) {
	case types.IterationStartPayload:
		return fmt.Sprintf("%s %d: %s - %s", head, p.Iteration, p.StoryID, p.StoryTitle)
	case types.IterationCompletePayload:
		result := "✓ Passed"
		if !p.Success {
			result = "✗ Failed"
		}
		return fmt.Sprintf("%s %d: %s %s", head, p.Iteration, p.StoryID, result)
	case types.StoryUpdatePayload:
		return fmt.Sprintf("%s: %s passes=%t", head, p.StoryID, p.Passes)
	case types.ErrorPayload:
		return fmt.Sprintf("%s: %s", head, p.Message)
	case types.CompletePayload:
		return fmt.Sprintf("%s (%s): %s", head, p.Status, p.Message)
	case types.CommitPayload:
		return fmt.Sprintf("%s: %s", head, p.Message)
	}
	return head
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if configured := a.chat(); configured != 0 && configured != chatID && msg.Command() != "start" {
		return
	}
	args := strings.Fields(msg.CommandArguments())
	target := types.GlobalTarget
	if len(args) > 0 {
		target = types.TargetID(args[0])
	}

	switch msg.Command() {
	case "start":
		a.mu.Lock()
		if a.chatID == 0 {
			a.chatID = chatID
		}
		a.mu.Unlock()
		a.sendResponse(chatID, "Hello! I'm Ralph. I'll post loop progress here.\n"+helpText)

	case "run":
		opts := loop.StartOptions{}
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil {
				opts.MaxIterations = n
			}
		}
		h, err := a.ctrl.Start(ctx, target, opts)
		if err != nil {
			a.sendResponse(chatID, fmt.Sprintf("Could not start %s: %v", target, err))
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Started %s (run %s)", target, h.RunID))

	case "stop":
		if err := a.ctrl.Stop(target); err != nil {
			a.sendResponse(chatID, fmt.Sprintf("Could not stop %s: %v", target, err))
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Stop requested for %s. The current iteration will finish first.", target))

	case "status":
		a.sendResponse(chatID, a.statusText(ctx, target, len(args) > 0))

	case "summary":
		log, err := a.ctrl.EventLog(target)
		if err != nil {
			a.sendResponse(chatID, fmt.Sprintf("Error fetching summary: %v", err))
			return
		}
		sum, err := log.Summarize()
		if err != nil {
			a.sendResponse(chatID, fmt.Sprintf("Error fetching summary: %v", err))
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("%s: %d events, %d commits, %d errors\nStories completed: %d, in progress: %d",
			target, sum.TotalEvents, sum.TotalCommits, sum.TotalErrors, sum.StoriesCompleted, sum.StoriesInProgress))

	default:
		a.sendResponse(chatID, "Unknown command.\n"+helpText)
	}
}

const helpText = "Commands: /run [target] [max], /status [target], /stop [target], /summary [target]"

func (a *Adapter) statusText(ctx context.Context, target types.TargetID, explicit bool) string {
	if !explicit {
		if active := a.ctrl.Active(); len(active) > 0 {
			var b strings.Builder
			for _, r := range active {
				fmt.Fprintf(&b, "%s: running, iteration %d of %d (%s)\n", r.TargetID, r.CurrentIteration, r.MaxIterations, r.CurrentStoryID)
			}
			return strings.TrimRight(b.String(), "\n")
		}
	}
	view := a.ctrl.Status(ctx, target)
	switch {
	case view.Run == nil:
		return fmt.Sprintf("%s: idle, no runs yet", target)
	case view.Running:
		return fmt.Sprintf("%s: running, iteration %d of %d (%s)", target, view.Run.CurrentIteration, view.Run.MaxIterations, view.Run.CurrentStoryID)
	default:
		return fmt.Sprintf("%s: idle, last run %s after %d iterations", target, view.Run.Status, view.Run.CurrentIteration)
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.bot.Send(msg); err != nil {
			slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// splitMessage cuts text into Telegram-sized parts without splitting runes.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			parts = append(parts, text)
			break
		}
		for end > 0 && !isRuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
