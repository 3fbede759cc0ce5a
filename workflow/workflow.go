package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/docbot/ticket"
	"github.com/google/uuid"
)

// Collaborators are the external systems a Workflow drives.
type Collaborators struct {
	Tickets   TicketFetcher
	Generator ContentGenerator
	Images    ImageRenderer
	Publisher Publisher
	Messenger Messenger
	Assets    AssetReader
}

// Options tune workflow behavior.
type Options struct {
	// ImagePacing is the delay between consecutive image render calls.
	ImagePacing time.Duration

	// CompletedTTL is how long a completed conversation keeps its thread.
	CompletedTTL time.Duration

	// SweepInterval is how often Run removes expired conversations.
	SweepInterval time.Duration

	// ChangesPolicy selects how feedback drives regeneration.
	ChangesPolicy ChangesPolicy
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		ImagePacing:   2 * time.Second,
		CompletedTTL:  5 * time.Minute,
		SweepInterval: time.Minute,
		ChangesPolicy: ChangesRefine,
	}
}

// Workflow is the per-thread conversation state machine.
type Workflow struct {
	c        Collaborators
	opts     Options
	store    *Store
	logger   *slog.Logger
	recorder Recorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Workflow) { w.recorder = r }
}

// New creates a Workflow. Zero-valued options fall back to defaults.
func New(c Collaborators, opts Options, options ...Option) *Workflow {
	def := DefaultOptions()
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = def.CompletedTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.ImagePacing < 0 {
		opts.ImagePacing = 0
	}
	if opts.ChangesPolicy == "" {
		opts.ChangesPolicy = def.ChangesPolicy
	}

	w := &Workflow{
		c:        c,
		opts:     opts,
		store:    NewStore(),
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Store exposes the conversation store.
func (w *Workflow) Store() *Store {
	return w.store
}

// Conversation returns a snapshot of key's conversation. It waits for a
// running transition on the key to finish.
func (w *Workflow) Conversation(key ThreadKey) (Conversation, bool) {
	e := w.store.get(key)
	if e == nil {
		return Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !w.store.alive(e) {
		return Conversation{}, false
	}
	return e.conv.clone(), true
}

// Stage returns the current stage of key's conversation without waiting.
func (w *Workflow) Stage(key ThreadKey) (Stage, bool) {
	return w.store.stageOf(key)
}

// Resolve maps a correlation token from an action button to its thread.
func (w *Workflow) Resolve(token string) (ThreadKey, bool) {
	e := w.store.byToken(token)
	if e == nil {
		return ThreadKey{}, false
	}
	return e.key, true
}

// Run sweeps expired conversations until ctx is done.
func (w *Workflow) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := w.store.Sweep(); n > 0 {
				w.logger.Debug("Swept expired conversations", "count", n)
			}
		}
	}
}

// Start begins a conversation for the ticket referenced in text.
func (w *Workflow) Start(ctx context.Context, key ThreadKey, userID, text string) error {
	ref, ok := ticket.ParseReference(text)
	if !ok {
		if _, exists := w.store.stageOf(key); exists {
			return ErrConversationExists
		}
		w.post(ctx, key, msgNoReference())
		return ErrNoReference
	}

	now := w.now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Key:       key,
		UserID:    userID,
		TicketKey: ref,
		Stage:     StageCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e, ok := w.store.reserve(conv)
	if !ok {
		return ErrConversationExists
	}
	defer e.mu.Unlock()

	log := w.log(e)
	log.Info("Starting conversation", "user", userID)
	w.setStage(ctx, e, StageFetching)
	w.post(ctx, key, msgFetching(ref))

	t, err := w.c.Tickets.Fetch(ctx, ref)
	if !w.store.alive(e) {
		return nil
	}
	if errors.Is(err, ticket.ErrNotFound) {
		w.fail(ctx, e, msgTicketNotFound(ref), err)
		return err
	}
	if err != nil {
		w.fail(ctx, e, msgFetchFailed(ref, err), err)
		return err
	}
	e.conv.Ticket = t

	w.setStage(ctx, e, StageAskingQuestions)
	questions, err := w.c.Generator.GenerateQuestions(ctx, t)
	if !w.store.alive(e) {
		return nil
	}
	if err != nil {
		// Questions are a nicety; generate without them.
		log.Warn("Question generation failed, continuing without questions", "error", err)
		questions = nil
	}
	e.conv.Questions = questions

	if len(questions) == 0 {
		return w.generate(ctx, e, "")
	}

	w.post(ctx, key, msgQuestions(t, questions))
	return nil
}

// SubmitAnswer records text as the next answer, or as change feedback after
// RequestChanges. Text in threads not waiting for input is ignored.
func (w *Workflow) SubmitAnswer(ctx context.Context, key ThreadKey, text string) error {
	e := w.store.get(key)
	if e == nil {
		return ErrNoConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !w.store.alive(e) {
		return ErrNoConversation
	}

	c := e.conv
	if c.Stage != StageAskingQuestions {
		return nil
	}

	if c.AwaitingFeedback {
		c.AwaitingFeedback = false
		c.Feedback = append(c.Feedback, text)
		c.UpdatedAt = w.now()
		w.post(ctx, key, msgRegenerating())
		return w.generate(ctx, e, text)
	}

	if len(c.Answers) >= len(c.Questions) {
		return nil
	}
	c.Answers = append(c.Answers, text)
	c.UpdatedAt = w.now()

	remaining := len(c.Questions) - len(c.Answers)
	if remaining > 0 {
		w.post(ctx, key, msgRemaining(remaining))
		return nil
	}

	w.post(ctx, key, msgAnswersComplete())
	return w.generate(ctx, e, "")
}

// Approve publishes the draft. On failure the conversation stays in review so
// approval can be retried without regenerating.
func (w *Workflow) Approve(ctx context.Context, key ThreadKey) error {
	e := w.store.get(key)
	if e == nil {
		return ErrNoConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !w.store.alive(e) {
		return ErrNoConversation
	}

	c := e.conv
	if c.Stage != StageReview || c.Draft == nil {
		return nil
	}

	w.setStage(ctx, e, StagePublishing)
	w.retireActions(ctx, e, msgPublishing())

	pageURL, err := w.c.Publisher.Publish(ctx, c.Draft.Content, c.Draft.Images, c.TicketKey)
	if !w.store.alive(e) {
		if err == nil {
			w.log(e).Warn("Page published after conversation was cancelled", "page", pageURL)
		}
		return nil
	}
	w.recorder.Record(ctx, w.event(e, EventPublish, func(ev *Event) {
		ev.PageURL = pageURL
		ev.Err = err
	}))
	if err != nil {
		w.log(e).Error("Publish failed", "error", err)
		w.setStage(ctx, e, StageReview)
		w.postActions(ctx, e, msgPublishFailed(err))
		return fmt.Errorf("publish %s: %w", c.TicketKey, err)
	}

	c.PageURL = pageURL
	w.post(ctx, key, msgPublished(pageURL, c.Ticket))
	w.setStage(ctx, e, StageComplete)
	w.store.expireAfter(e, w.opts.CompletedTTL)
	w.finish(ctx, e, OutcomeCompleted, nil)
	w.log(e).Info("Conversation complete", "page", pageURL)
	return nil
}

// RequestChanges sends the review back for feedback.
func (w *Workflow) RequestChanges(ctx context.Context, key ThreadKey) error {
	e := w.store.get(key)
	if e == nil {
		return ErrNoConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !w.store.alive(e) {
		return ErrNoConversation
	}

	c := e.conv
	if c.Stage != StageReview {
		return nil
	}

	c.AwaitingFeedback = true
	w.setStage(ctx, e, StageAskingQuestions)
	w.retireActions(ctx, e, msgChangesRequested())
	w.post(ctx, key, msgAskFeedback())
	return nil
}

// Cancel discards the conversation without waiting for a running transition;
// that transition sees its entry gone and drops its result.
func (w *Workflow) Cancel(ctx context.Context, key ThreadKey) error {
	e, ok := w.store.cancel(key)
	if !ok {
		return ErrNoConversation
	}
	w.logger.Info("Conversation cancelled", "channel", key.Channel, "thread", key.Thread, "ticket", e.ticketKey)
	w.recorder.Record(ctx, Event{
		Kind:           EventFinished,
		ConversationID: e.token,
		Key:            key,
		TicketKey:      e.ticketKey,
		Outcome:        OutcomeCancelled,
		Time:           w.now(),
	})
	w.post(ctx, key, msgCancelled(e.ticketKey))
	return nil
}

// fail posts text, discards the conversation and records the failure.
func (w *Workflow) fail(ctx context.Context, e *entry, text string, err error) {
	w.log(e).Error("Conversation failed", "stage", e.conv.Stage, "error", err)
	w.post(ctx, e.key, text)
	if w.store.remove(e) {
		w.finish(ctx, e, OutcomeFailed, err)
	}
}

func (w *Workflow) finish(ctx context.Context, e *entry, outcome Outcome, err error) {
	w.recorder.Record(ctx, w.event(e, EventFinished, func(ev *Event) {
		ev.Outcome = outcome
		ev.Err = err
		ev.PageURL = e.conv.PageURL
	}))
}

func (w *Workflow) setStage(ctx context.Context, e *entry, stage Stage) {
	e.conv.Stage = stage
	e.conv.UpdatedAt = w.now()
	w.store.setStage(e, stage)
	w.recorder.Record(ctx, w.event(e, EventStage, nil))
}

func (w *Workflow) event(e *entry, kind EventKind, fill func(*Event)) Event {
	ev := Event{
		Kind:           kind,
		ConversationID: e.token,
		Key:            e.key,
		TicketKey:      e.ticketKey,
		Stage:          e.conv.Stage,
		Time:           w.now(),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

// post sends text to the thread. Delivery failures are logged; the workflow
// does not depend on them.
func (w *Workflow) post(ctx context.Context, key ThreadKey, text string) {
	if _, err := w.c.Messenger.PostMessage(ctx, key, Message{Text: text}); err != nil {
		w.logger.Warn("Failed to post message", "channel", key.Channel, "thread", key.Thread, "error", err)
	}
}

// postActions posts text with the review buttons and remembers the message.
func (w *Workflow) postActions(ctx context.Context, e *entry, text string) {
	id, err := w.c.Messenger.PostMessage(ctx, e.key, Message{Text: text, Actions: reviewActions(e.token)})
	if err != nil {
		w.log(e).Warn("Failed to post review actions", "error", err)
		return
	}
	e.conv.ActionMessageID = id
}

// retireActions replaces the review buttons with a status line.
func (w *Workflow) retireActions(ctx context.Context, e *entry, text string) {
	id := e.conv.ActionMessageID
	if id == "" {
		return
	}
	if err := w.c.Messenger.UpdateMessage(ctx, e.key, id, Message{Text: text}); err != nil {
		w.log(e).Warn("Failed to update review message", "error", err)
	}
	e.conv.ActionMessageID = ""
}

func (w *Workflow) log(e *entry) *slog.Logger {
	return w.logger.With(
		"conversation_id", e.token,
		"channel", e.key.Channel,
		"thread", e.key.Thread,
		"ticket", e.ticketKey)
}

func reviewActions(token string) []Action {
	return []Action{
		{ID: ActionApprove, Label: "Approve & publish", Value: token, Style: "primary"},
		{ID: ActionRequestChanges, Label: "Request changes", Value: token},
		{ID: ActionCancel, Label: "Cancel", Value: token, Style: "danger"},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
