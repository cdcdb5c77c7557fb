package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hollowbit/taskdeck/internal/bus"
	"github.com/hollowbit/taskdeck/internal/router"
	"github.com/hollowbit/taskdeck/internal/store"
)

// ActionSink is the slice of the action router the channel needs.
type ActionSink interface {
	Dispatch(ctx context.Context, action router.Action) (*router.Result, error)
}

// sender abstracts the Telegram API for outbound messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	actions    ActionSink
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	out        sender
}

// NewTelegramChannel creates a new Telegram channel. Only user IDs in
// allowedIDs may issue commands or receive notifications.
func NewTelegramChannel(token string, allowedIDs []int64, actions ActionSink, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		actions:    actions,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.out = t.bot

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Push lifecycle notifications independently of the polling loop.
	go t.notifyLoop(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message.Chat.ID, update.Message.Text)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

const usageText = `Commands:
  new <project> <title>   create a task
  answer <taskID> <text>  answer a pending question
  status <taskID>         show task status and recent events
  close <taskID>          cancel a task`

func (t *TelegramChannel) handleMessage(ctx context.Context, chatID int64, text string) {
	action, err := parseCommand(text)
	if err != nil {
		t.reply(chatID, err.Error()+"\n\n"+usageText)
		return
	}

	res, err := t.actions.Dispatch(ctx, action)
	if err != nil {
		t.reply(chatID, dispatchErrorText(err))
		return
	}
	t.reply(chatID, formatResult(action.Kind, res))
}

// parseCommand turns a chat line into a router action. The first word
// selects the action kind, the rest is positional.
func parseCommand(text string) (router.Action, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return router.Action{}, errors.New("empty command")
	}

	switch cmd := strings.ToLower(fields[0]); cmd {
	case "new":
		if len(fields) < 3 {
			return router.Action{}, errors.New("usage: new <project> <title>")
		}
		payload, _ := json.Marshal(map[string]string{
			"project": fields[1],
			"title":   strings.Join(fields[2:], " "),
		})
		return router.Action{Kind: router.KindCreate, Payload: payload}, nil

	case "answer":
		if len(fields) < 3 {
			return router.Action{}, errors.New("usage: answer <taskID> <text>")
		}
		payload, _ := json.Marshal(map[string]string{
			"input": strings.Join(fields[2:], " "),
		})
		return router.Action{Kind: router.KindProvideInput, TaskID: fields[1], Payload: payload}, nil

	case "status":
		if len(fields) != 2 {
			return router.Action{}, errors.New("usage: status <taskID>")
		}
		return router.Action{Kind: router.KindCheckStatus, TaskID: fields[1]}, nil

	case "close":
		if len(fields) != 2 {
			return router.Action{}, errors.New("usage: close <taskID>")
		}
		return router.Action{Kind: router.KindClose, TaskID: fields[1]}, nil

	default:
		return router.Action{}, fmt.Errorf("unknown command %q", cmd)
	}
}

// dispatchErrorText maps router and store errors to chat-sized messages.
func dispatchErrorText(err error) string {
	switch {
	case errors.Is(err, router.ErrProjectNotFound):
		return "Project not found."
	case errors.Is(err, store.ErrNotFound):
		return "No such task."
	case errors.Is(err, store.ErrInvalidTransition):
		return "The task is not in a state that allows that."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// formatResult renders a dispatch result for chat.
func formatResult(kind string, res *router.Result) string {
	if res == nil || res.Task == nil {
		return "OK"
	}
	task := res.Task

	switch kind {
	case router.KindCreate:
		return fmt.Sprintf("Created task %s (%s): %s", task.ID, task.Status, task.Title)
	case router.KindProvideInput:
		return fmt.Sprintf("Answer delivered, task %s is %s.", task.ID, task.Status)
	case router.KindClose:
		return fmt.Sprintf("Task %s closed (%s).", task.ID, task.Status)
	case router.KindCheckStatus:
		var b strings.Builder
		fmt.Fprintf(&b, "Task %s: %s\nTitle: %s", task.ID, task.Status, task.Title)
		if task.InputPrompt != "" {
			fmt.Fprintf(&b, "\nWaiting on: %s", task.InputPrompt)
		}
		// Show the tail of the event log, oldest first.
		logs := res.Logs
		if len(logs) > 5 {
			logs = logs[len(logs)-5:]
		}
		for _, l := range logs {
			fmt.Fprintf(&b, "\n  %s %s", l.CreatedAt.Format("15:04:05"), l.Event)
		}
		return b.String()
	default:
		return fmt.Sprintf("Task %s is %s.", task.ID, task.Status)
	}
}

// notifyLoop pushes lifecycle events to every allowed chat. Only events
// that need a human (questions and terminal states) are forwarded.
func (t *TelegramChannel) notifyLoop(ctx context.Context) {
	sub := t.eventBus.Subscribe("task.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			text := formatTaskEvent(ev.Topic, payload)
			if text == "" {
				continue
			}
			for chatID := range t.allowedIDs {
				t.reply(chatID, text)
			}
		}
	}
}

// formatTaskEvent renders a bus event as a notification, or "" for
// events that do not warrant one.
func formatTaskEvent(topic string, ev bus.TaskEvent) string {
	switch topic {
	case bus.TopicTaskNeedsInput:
		return fmt.Sprintf("Task %s needs input:\n%s\n\nReply with: answer %s <text>", ev.TaskID, ev.Prompt, ev.TaskID)
	case bus.TopicTaskSucceeded:
		return fmt.Sprintf("Task %s succeeded.", ev.TaskID)
	case bus.TopicTaskFailed:
		if ev.Reason != "" {
			return fmt.Sprintf("Task %s failed: %s", ev.TaskID, ev.Reason)
		}
		return fmt.Sprintf("Task %s failed.", ev.TaskID)
	case bus.TopicTaskCancelled:
		return fmt.Sprintf("Task %s was cancelled.", ev.TaskID)
	default:
		return ""
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.out == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.out.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}
