package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWithQuestions(t *testing.T, h *harness, questions ...string) {
	t.Helper()
	h.gen.questions = questions
	require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "<@BOT> please document TECH-456"))
}

func answerAll(t *testing.T, h *harness, answers ...string) {
	t.Helper()
	for _, a := range answers {
		require.NoError(t, h.wf.SubmitAnswer(context.Background(), testKey, a))
	}
}

func stage(t *testing.T, h *harness) Stage {
	t.Helper()
	s, ok := h.wf.Stage(testKey)
	require.True(t, ok, "conversation should exist")
	return s
}

func containsText(texts []string, substr string) bool {
	for _, s := range texts {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestWorkflow_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())

	startWithQuestions(t, h, "Which app version?", "Which screen?", "Any workaround?")
	assert.Equal(t, StageAskingQuestions, stage(t, h))
	assert.True(t, containsText(h.messenger.texts(), "1. Which app version?"))

	answerAll(t, h, "4.2", "Settings")
	assert.Equal(t, StageAskingQuestions, stage(t, h))
	assert.Equal(t, 0, h.gen.generateCalls())

	answerAll(t, h, "None")
	assert.Equal(t, StageReview, stage(t, h))
	require.Equal(t, 1, h.gen.generateCalls())
	assert.Equal(t, []article.QA{
		{Question: "Which app version?", Answer: "4.2"},
		{Question: "Which screen?", Answer: "Settings"},
		{Question: "Any workaround?", Answer: "None"},
	}, h.gen.contentCalls[0])

	conv, ok := h.wf.Conversation(testKey)
	require.True(t, ok)
	require.NotNil(t, conv.Draft)
	assert.Len(t, conv.Draft.Images, 2)
	assert.NotEmpty(t, conv.ActionMessageID)
	assert.Len(t, h.messenger.uploads, 2)

	require.NoError(t, h.wf.Approve(ctx, testKey))
	assert.Equal(t, StageComplete, stage(t, h))
	assert.Equal(t, 1, h.publisher.calls)
	assert.Len(t, h.publisher.images, 2)
	assert.True(t, containsText(h.messenger.texts(), "Published: https://wiki.example.com/pages/TECH-456"))
	assert.True(t, containsText(h.messenger.texts(), "https://jira.example.com/browse/TECH-456"))
	assert.Equal(t, msgPublishing(), h.messenger.updates[conv.ActionMessageID].Text)

	finished := h.events.kind(EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, OutcomeCompleted, finished[0].Outcome)
	assert.Equal(t, conv.ID, finished[0].ConversationID)
}

func TestWorkflow_GeneratesExactlyOnceAfterLastAnswer(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d questions", n), func(t *testing.T) {
			h := newHarness(t, DefaultOptions())
			questions := make([]string, n)
			answers := make([]string, n)
			for i := range questions {
				questions[i] = fmt.Sprintf("Q%d", i+1)
				answers[i] = fmt.Sprintf("A%d", i+1)
			}

			startWithQuestions(t, h, questions...)
			answerAll(t, h, answers...)
			assert.Equal(t, 1, h.gen.generateCalls())

			// Late answers after generation are ignored.
			answerAll(t, h, "extra")
			assert.Equal(t, 1, h.gen.generateCalls())

			conv, _ := h.wf.Conversation(testKey)
			assert.LessOrEqual(t, len(conv.Answers), len(conv.Questions))
		})
	}
}

func TestWorkflow_ConcurrentAnswersGenerateOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	startWithQuestions(t, h, "Q1", "Q2", "Q3")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- h.wf.SubmitAnswer(context.Background(), testKey, fmt.Sprintf("A%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, h.gen.generateCalls())
	conv, ok := h.wf.Conversation(testKey)
	require.True(t, ok)
	assert.Len(t, conv.Answers, len(conv.Questions))
	assert.Equal(t, StageReview, conv.Stage)
}

func TestWorkflow_QuestionsAskedOnceFromDescription(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	startWithQuestions(t, h, "Which app version?")

	require.Len(t, h.gen.questionCalls, 1)
	tk := h.gen.questionCalls[0]
	assert.Empty(t, tk.Comments)
	assert.Equal(t, "Reset emails never arrive on the iOS app.", tk.Description)
	assert.Equal(t, StageAskingQuestions, stage(t, h))
}

func TestWorkflow_ConcatenatedAnswerCountsOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	startWithQuestions(t, h, "Which app version?", "Which device?")

	answerAll(t, h, "4.2 on a Pixel 7")

	assert.Equal(t, StageAskingQuestions, stage(t, h))
	assert.Contains(t, h.messenger.texts(), "Got it. 1 more question(s) remaining.")
	assert.Equal(t, 0, h.gen.generateCalls())
}

func TestWorkflow_NoQuestionsGoesStraightToGeneration(t *testing.T) {
	tests := []struct {
		name string
		qErr error
	}{
		{name: "zero questions"},
		{name: "question generation fails", qErr: errors.New("model overloaded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultOptions())
			h.gen.qErr = tt.qErr

			require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "TECH-456"))

			assert.Equal(t, StageReview, stage(t, h))
			assert.Equal(t, 1, h.gen.generateCalls())
			assert.False(t, containsText(h.messenger.texts(), "questions about"))
			assert.False(t, containsText(h.messenger.texts(), "remaining"))
		})
	}
}

func TestWorkflow_ImagesRenderedInOrderWithPacing(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.gen.content = &article.Content{
		Title: "Two image steps",
		Steps: []article.Step{
			{Number: 1, Description: "Open app", ImagePrompt: "home", Platform: article.PlatformBoth},
			{Number: 2, Description: "Read docs"},
			{Number: 3, Description: "Open menu", ImagePrompt: "menu", Platform: article.PlatformAndroid},
		},
	}

	require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "TECH-456"))

	conv, ok := h.wf.Conversation(testKey)
	require.True(t, ok)

	var got []string
	for _, req := range h.renderer.calls {
		got = append(got, fmt.Sprintf("%d-%s", req.Step, req.Platform))
		assert.Equal(t, conv.ID, req.Namespace)
	}
	assert.Equal(t, []string{"1-ios", "1-android", "3-android"}, got)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleepCalls())
}

func TestWorkflow_BothPlatformsSingleStep(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "TECH-456"))

	require.Len(t, h.renderer.calls, 2)
	assert.Equal(t, article.PlatformIOS, h.renderer.calls[0].Platform)
	assert.Equal(t, article.PlatformAndroid, h.renderer.calls[1].Platform)
	assert.Len(t, h.sleepCalls(), 1)
}

func TestWorkflow_PartialImageFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.renderer.fail = map[string]bool{"1-android": true}

	require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "TECH-456"))

	assert.Equal(t, StageReview, stage(t, h))
	conv, _ := h.wf.Conversation(testKey)
	require.Len(t, conv.Draft.Images, 1)
	assert.Equal(t, article.PlatformIOS, conv.Draft.Images[0].Platform)
	assert.Len(t, h.messenger.uploads, 1)

	images := h.events.kind(EventImage)
	require.Len(t, images, 2)
	assert.NoError(t, images[0].Err)
	assert.Error(t, images[1].Err)

	review := h.messenger.withActions()
	require.Len(t, review, 1)
	assert.Contains(t, review[0].Text, "1 could not be rendered")
}

func TestWorkflow_ApproveFailureKeepsDraftForRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	h.publisher.errs = []error{errors.New("confluence unavailable"), nil}

	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
	before, _ := h.wf.Conversation(testKey)

	err := h.wf.Approve(ctx, testKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confluence unavailable")
	assert.Equal(t, StageReview, stage(t, h))

	after, _ := h.wf.Conversation(testKey)
	assert.Same(t, before.Draft.Content, after.Draft.Content)
	assert.NotEqual(t, before.ActionMessageID, after.ActionMessageID)
	assert.Len(t, h.messenger.withActions(), 2)

	require.NoError(t, h.wf.Approve(ctx, testKey))
	assert.Equal(t, StageComplete, stage(t, h))
	assert.Equal(t, 2, h.publisher.calls)
	assert.Equal(t, 1, h.gen.generateCalls())

	publishes := h.events.kind(EventPublish)
	require.Len(t, publishes, 2)
	assert.Error(t, publishes[0].Err)
	assert.NoError(t, publishes[1].Err)
}

func TestWorkflow_ActionsIgnoredOutsideReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	startWithQuestions(t, h, "Q1")

	require.NoError(t, h.wf.Approve(ctx, testKey))
	require.NoError(t, h.wf.RequestChanges(ctx, testKey))
	assert.Equal(t, StageAskingQuestions, stage(t, h))
	assert.Equal(t, 0, h.publisher.calls)

	assert.ErrorIs(t, h.wf.Approve(ctx, ThreadKey{Channel: "C9", Thread: "1"}), ErrNoConversation)
	assert.ErrorIs(t, h.wf.SubmitAnswer(ctx, ThreadKey{Channel: "C9", Thread: "1"}, "hi"), ErrNoConversation)
}

func TestWorkflow_RequestChangesPolicies(t *testing.T) {
	refined := &article.Content{Title: "Shorter guide", Steps: []article.Step{{Number: 1, Description: "Reset"}}}
	feedbackQ := "Reviewer feedback on the previous draft"

	tests := []struct {
		name        string
		policy      ChangesPolicy
		wantGen     int
		wantRefine  []string
		wantQA      []article.QA
		wantAnswers []string
		wantTitle   string
	}{
		{
			name:        "refine revises the draft",
			policy:      ChangesRefine,
			wantGen:     1,
			wantRefine:  []string{"make it shorter"},
			wantAnswers: []string{"4.2"},
			wantTitle:   "Shorter guide",
		},
		{
			name:    "merge regenerates with answers and feedback",
			policy:  ChangesMerge,
			wantGen: 2,
			wantQA: []article.QA{
				{Question: "Which version?", Answer: "4.2"},
				{Question: feedbackQ, Answer: "make it shorter"},
			},
			wantAnswers: []string{"4.2"},
			wantTitle:   "Resetting your password",
		},
		{
			name:      "replace regenerates from feedback only",
			policy:    ChangesReplace,
			wantGen:   2,
			wantQA:    []article.QA{{Question: feedbackQ, Answer: "make it shorter"}},
			wantTitle: "Resetting your password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			opts := DefaultOptions()
			opts.ChangesPolicy = tt.policy
			h := newHarness(t, opts)
			h.gen.refined = refined

			startWithQuestions(t, h, "Which version?")
			answerAll(t, h, "4.2")
			first, _ := h.wf.Conversation(testKey)

			require.NoError(t, h.wf.RequestChanges(ctx, testKey))
			assert.Equal(t, StageAskingQuestions, stage(t, h))
			assert.Equal(t, msgChangesRequested(), h.messenger.updates[first.ActionMessageID].Text)
			assert.True(t, containsText(h.messenger.texts(), "What should change?"))

			answerAll(t, h, "make it shorter")
			assert.Equal(t, StageReview, stage(t, h))
			assert.Equal(t, tt.wantGen, h.gen.generateCalls())
			assert.Equal(t, tt.wantRefine, h.gen.refineCalls)
			if tt.wantQA != nil {
				assert.Equal(t, tt.wantQA, h.gen.contentCalls[len(h.gen.contentCalls)-1])
			}

			conv, _ := h.wf.Conversation(testKey)
			assert.Equal(t, tt.wantAnswers, conv.Answers)
			assert.Equal(t, []string{"make it shorter"}, conv.Feedback)
			assert.False(t, conv.AwaitingFeedback)
			assert.Equal(t, tt.wantTitle, conv.Draft.Content.Title)
			assert.Len(t, h.messenger.withActions(), 2)
		})
	}
}

func TestWorkflow_CancelDuringTransitionDropsResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())

	started := make(chan struct{})
	release := make(chan struct{})
	h.tickets.gate = func() {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		done <- h.wf.Start(ctx, testKey, "U1", "TECH-456")
	}()

	<-started
	require.NoError(t, h.wf.Cancel(ctx, testKey))
	_, ok := h.wf.Stage(testKey)
	assert.False(t, ok)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, h.gen.generateCalls())
	assert.Equal(t, 0, h.wf.Store().Len())
	assert.True(t, containsText(h.messenger.texts(), "Cancelled documentation for TECH-456"))

	finished := h.events.kind(EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, OutcomeCancelled, finished[0].Outcome)

	// The thread is free for a new conversation.
	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
	assert.Equal(t, StageReview, stage(t, h))
}

func TestWorkflow_RestartAfterCancelGetsFreshID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())

	startWithQuestions(t, h, "Q1")
	first, ok := h.wf.Conversation(testKey)
	require.True(t, ok)
	require.NoError(t, h.wf.Cancel(ctx, testKey))

	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456 again"))
	second, ok := h.wf.Conversation(testKey)
	require.True(t, ok)
	assert.NotEmpty(t, second.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StageAskingQuestions, second.Stage)
	assert.Empty(t, second.Answers)
}

func TestWorkflow_CancelDuringPublishLogsOrphanedPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	var logs bytes.Buffer
	h.wf.logger = slog.New(slog.NewJSONHandler(&logs, nil))

	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
	require.Equal(t, StageReview, stage(t, h))

	started := make(chan struct{})
	release := make(chan struct{})
	h.publisher.gate = func() {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		done <- h.wf.Approve(ctx, testKey)
	}()

	<-started
	require.NoError(t, h.wf.Cancel(ctx, testKey))
	close(release)
	require.NoError(t, <-done)

	_, ok := h.wf.Stage(testKey)
	assert.False(t, ok)
	assert.False(t, containsText(h.messenger.texts(), "https://wiki.example.com/pages/TECH-456"))
	assert.Contains(t, logs.String(), "Page published after conversation was cancelled")
	assert.Contains(t, logs.String(), "https://wiki.example.com/pages/TECH-456")
}

func TestWorkflow_CancelRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())

	assert.ErrorIs(t, h.wf.Cancel(ctx, testKey), ErrNoConversation)

	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
	require.NoError(t, h.wf.Approve(ctx, testKey))

	// Completed conversations cannot be cancelled.
	assert.ErrorIs(t, h.wf.Cancel(ctx, testKey), ErrNoConversation)
	assert.Equal(t, StageComplete, stage(t, h))
}

func TestWorkflow_StartRules(t *testing.T) {
	ctx := context.Background()

	t.Run("no reference", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		err := h.wf.Start(ctx, testKey, "U1", "<@BOT> hello")
		assert.ErrorIs(t, err, ErrNoReference)
		assert.Equal(t, []string{msgNoReference()}, h.messenger.texts())
		assert.Equal(t, 0, h.wf.Store().Len())
	})

	t.Run("duplicate", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		startWithQuestions(t, h, "Q1")
		assert.ErrorIs(t, h.wf.Start(ctx, testKey, "U1", "TECH-789"), ErrConversationExists)
		assert.ErrorIs(t, h.wf.Start(ctx, testKey, "U1", "no key here"), ErrConversationExists)

		conv, _ := h.wf.Conversation(testKey)
		assert.Equal(t, "TECH-456", conv.TicketKey)
	})

	t.Run("ticket not found", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.tickets.err = fmt.Errorf("TECH-456: %w", ticket.ErrNotFound)

		err := h.wf.Start(ctx, testKey, "U1", "TECH-456")
		assert.ErrorIs(t, err, ticket.ErrNotFound)
		assert.Equal(t, 0, h.wf.Store().Len())
		assert.True(t, containsText(h.messenger.texts(), "was not found"))

		finished := h.events.kind(EventFinished)
		require.Len(t, finished, 1)
		assert.Equal(t, OutcomeFailed, finished[0].Outcome)
	})

	t.Run("fetch error", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.tickets.err = errors.New("connection refused")

		assert.Error(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
		assert.True(t, containsText(h.messenger.texts(), "connection refused"))
		assert.Equal(t, 0, h.wf.Store().Len())
	})
}

func TestWorkflow_GenerationFailureDiscardsConversation(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.gen.cErr = errors.New("invalid JSON")

	err := h.wf.Start(context.Background(), testKey, "U1", "TECH-456")
	require.Error(t, err)

	_, ok := h.wf.Stage(testKey)
	assert.False(t, ok)
	assert.True(t, containsText(h.messenger.texts(), "Failed to generate documentation: invalid JSON"))
	assert.Empty(t, h.renderer.calls)
}

func TestWorkflow_Resolve(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	require.NoError(t, h.wf.Start(context.Background(), testKey, "U1", "TECH-456"))

	conv, _ := h.wf.Conversation(testKey)
	key, ok := h.wf.Resolve(conv.ID)
	assert.True(t, ok)
	assert.Equal(t, testKey, key)

	review := h.messenger.withActions()
	require.Len(t, review, 1)
	for _, a := range review[0].Actions {
		assert.Equal(t, conv.ID, a.Value)
	}

	_, ok = h.wf.Resolve("unknown")
	assert.False(t, ok)
}

func TestWorkflow_CompletedConversationExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
	require.NoError(t, h.wf.Approve(ctx, testKey))

	base := time.Now()
	h.wf.store.now = func() time.Time { return base.Add(10 * time.Minute) }

	_, ok := h.wf.Stage(testKey)
	assert.False(t, ok)
	assert.Equal(t, 1, h.wf.Store().Sweep())
	assert.Equal(t, 0, h.wf.Store().Len())

	require.NoError(t, h.wf.Start(ctx, testKey, "U1", "TECH-456"))
}

func TestWorkflow_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.wf.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestParseChangesPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ChangesPolicy
		wantErr bool
	}{
		{in: "", want: ChangesRefine},
		{in: "refine", want: ChangesRefine},
		{in: "merge", want: ChangesMerge},
		{in: "replace", want: ChangesReplace},
		{in: "append", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChangesPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDraft(t *testing.T) {
	out := formatDraft(testContent())
	assert.True(t, strings.HasPrefix(out, "*Resetting your password*"))
	assert.Contains(t, out, "1. Open Settings _(iOS & Android)_")
	assert.Contains(t, out, "```\nreset --user me\n```")
}
