// Package bot routes inbound chat events to conversation workflow operations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/c360studio/docbot/slack"
	"github.com/c360studio/docbot/ticket"
	"github.com/c360studio/docbot/workflow"
)

// Conversations is the workflow surface the router drives.
type Conversations interface {
	Start(ctx context.Context, key workflow.ThreadKey, userID, text string) error
	SubmitAnswer(ctx context.Context, key workflow.ThreadKey, text string) error
	Approve(ctx context.Context, key workflow.ThreadKey) error
	RequestChanges(ctx context.Context, key workflow.ThreadKey) error
	Cancel(ctx context.Context, key workflow.ThreadKey) error
	Stage(key workflow.ThreadKey) (workflow.Stage, bool)
	Resolve(token string) (workflow.ThreadKey, bool)
}

// Config identifies the bot and the channels it watches for ticket references.
type Config struct {
	BotUserID       string
	BotID           string
	WatchedChannels []string
}

// Router dispatches each event on its own goroutine.
type Router struct {
	conv      Conversations
	messenger workflow.Messenger
	cfg       Config
	watched   map[string]bool
	logger    *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router. messenger reports handler failures to threads.
func NewRouter(conv Conversations, messenger workflow.Messenger, cfg Config, opts ...Option) *Router {
	r := &Router{
		conv:      conv,
		messenger: messenger,
		cfg:       cfg,
		watched:   make(map[string]bool, len(cfg.WatchedChannels)),
		logger:    slog.Default(),
	}
	for _, ch := range cfg.WatchedChannels {
		r.watched[ch] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle dispatches ev asynchronously. It matches slack.Handler.
func (r *Router) Handle(ctx context.Context, ev slack.Event) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.recoverPanic(ctx, ev)

		if err := r.Dispatch(ctx, ev); err != nil {
			r.logger.Warn("Event handling failed",
				"type", ev.Type, "channel", ev.Channel, "thread", ev.Thread(), "error", err)
		}
	}()
}

// Wait blocks until every dispatched event has been handled.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Dispatch routes one event synchronously.
func (r *Router) Dispatch(ctx context.Context, ev slack.Event) error {
	if ev.Type == slack.EventAction {
		return r.action(ctx, ev)
	}
	if r.ignored(ev) {
		return nil
	}

	key := workflow.ThreadKey{Channel: ev.Channel, Thread: ev.Thread()}
	_, active := r.conv.Stage(key)

	switch ev.Type {
	case slack.EventMention:
		text := r.stripMention(ev.Text)
		if active {
			return ignoreRace(r.conv.SubmitAnswer(ctx, key, text))
		}
		return ignoreRace(r.conv.Start(ctx, key, ev.User, text))

	case slack.EventMessage:
		// Mentions also arrive as app_mention events.
		if r.mentionsBot(ev.Text) {
			return nil
		}
		if ev.InThread() && active {
			return ignoreRace(r.conv.SubmitAnswer(ctx, key, ev.Text))
		}
		// A thread whose conversation ended or was cancelled starts over.
		if r.watched[ev.Channel] && ticket.ContainsReference(ev.Text) {
			return ignoreRace(r.conv.Start(ctx, key, ev.User, ev.Text))
		}
	}
	return nil
}

func (r *Router) action(ctx context.Context, ev slack.Event) error {
	key, ok := r.conv.Resolve(ev.ActionValue)
	if !ok {
		r.notify(ctx, workflow.ThreadKey{Channel: ev.Channel, Thread: ev.Thread()},
			"This review is no longer active.")
		return nil
	}

	var err error
	switch workflow.ActionID(ev.ActionID) {
	case workflow.ActionApprove:
		err = r.conv.Approve(ctx, key)
	case workflow.ActionRequestChanges:
		err = r.conv.RequestChanges(ctx, key)
	case workflow.ActionCancel:
		err = r.conv.Cancel(ctx, key)
	default:
		return fmt.Errorf("unknown action %q", ev.ActionID)
	}
	return ignoreRace(err)
}

// ignored filters the bot's own output, edits and message subtypes.
func (r *Router) ignored(ev slack.Event) bool {
	switch {
	case ev.BotID != "":
		return true
	case r.cfg.BotUserID != "" && ev.User == r.cfg.BotUserID:
		return true
	case ev.Subtype != "" || ev.Edited:
		return true
	case ev.User == "":
		return true
	}
	return false
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]*)?>`)

func (r *Router) stripMention(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

func (r *Router) mentionsBot(text string) bool {
	return r.cfg.BotUserID != "" && strings.Contains(text, "<@"+r.cfg.BotUserID)
}

func (r *Router) notify(ctx context.Context, key workflow.ThreadKey, text string) {
	if _, err := r.messenger.PostMessage(ctx, key, workflow.Message{Text: text}); err != nil {
		r.logger.Warn("Failed to post message", "channel", key.Channel, "thread", key.Thread, "error", err)
	}
}

func (r *Router) recoverPanic(ctx context.Context, ev slack.Event) {
	if p := recover(); p != nil {
		r.logger.Error("Panic while handling event",
			"type", ev.Type, "channel", ev.Channel, "thread", ev.Thread(),
			"panic", p, "stack", string(debug.Stack()))
		r.notify(ctx, workflow.ThreadKey{Channel: ev.Channel, Thread: ev.Thread()},
			fmt.Sprintf("Something went wrong handling that message: %v", p))
	}
}

// ignoreRace drops the errors that just mean the thread changed under us.
// Everything else was already reported in the thread by the workflow.
func ignoreRace(err error) error {
	switch {
	case err == nil,
		errors.Is(err, workflow.ErrConversationExists),
		errors.Is(err, workflow.ErrNoConversation),
		errors.Is(err, workflow.ErrNoReference):
		return nil
	}
	return err
}
