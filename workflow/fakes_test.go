package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/ticket"
)

type fakeTickets struct {
	mu    sync.Mutex
	err   error
	calls int
	// gate, when set, runs inside Fetch before it returns.
	gate func()
}

func (f *fakeTickets) Fetch(_ context.Context, key string) (*ticket.Ticket, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.gate = nil
	f.mu.Unlock()

	if gate != nil {
		gate()
	}
	if err != nil {
		return nil, err
	}
	return &ticket.Ticket{
		Key:         key,
		Title:       "Password reset fails on mobile",
		Description: "Reset emails never arrive on the iOS app.",
		URL:         "https://jira.example.com/browse/" + key,
	}, nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	questions []string
	qErr      error
	content   *article.Content
	cErr      error
	refined   *article.Content

	questionCalls []*ticket.Ticket
	contentCalls  [][]article.QA
	refineCalls   []string
}

func (f *fakeGenerator) GenerateQuestions(_ context.Context, t *ticket.Ticket) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls = append(f.questionCalls, t)
	if f.qErr != nil {
		return nil, f.qErr
	}
	return append([]string(nil), f.questions...), nil
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ *ticket.Ticket, qa []article.QA) (*article.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls = append(f.contentCalls, qa)
	if f.cErr != nil {
		return nil, f.cErr
	}
	return f.content, nil
}

func (f *fakeGenerator) RefineContent(_ context.Context, _ *article.Content, feedback string) (*article.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refineCalls = append(f.refineCalls, feedback)
	return f.refined, nil
}

func (f *fakeGenerator) generateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contentCalls)
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []article.ImageRequest
	// fail lists "step-platform" pairs that return an error.
	fail map[string]bool
}

func (f *fakeRenderer) RenderImage(_ context.Context, req article.ImageRequest) (*article.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail[fmt.Sprintf("%d-%s", req.Step, req.Platform)] {
		return nil, fmt.Errorf("quota exceeded")
	}
	return &article.Image{
		Step:        req.Step,
		Platform:    req.Platform,
		Location:    req.Namespace + "/" + req.Filename(),
		Prompt:      req.Prompt,
		Filename:    req.Filename(),
		ContentType: "image/png",
	}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	images []article.Image
	// gate, when set, runs inside Publish before it returns.
	gate func()
}

func (f *fakePublisher) Publish(_ context.Context, _ *article.Content, images []article.Image, ticketKey string) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		gate()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.images = images
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "https://wiki.example.com/pages/" + ticketKey, nil
}

type fakeMessenger struct {
	mu      sync.Mutex
	posts   []Message
	updates map[string]Message
	uploads []File
	nextID  int
}

func (f *fakeMessenger) PostMessage(_ context.Context, _ ThreadKey, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, msg)
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeMessenger) UpdateMessage(_ context.Context, _ ThreadKey, id string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]Message)
	}
	f.updates[id] = msg
	return nil
}

func (f *fakeMessenger) UploadFile(_ context.Context, _ ThreadKey, file File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, file)
	return nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.posts))
	for i, p := range f.posts {
		out[i] = p.Text
	}
	return out
}

func (f *fakeMessenger) withActions() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, p := range f.posts {
		if len(p.Actions) > 0 {
			out = append(out, p)
		}
	}
	return out
}

type fakeAssets struct{}

func (fakeAssets) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("png:" + key))), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kind(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	wf        *Workflow
	tickets   *fakeTickets
	gen       *fakeGenerator
	renderer  *fakeRenderer
	publisher *fakePublisher
	messenger *fakeMessenger
	events    *eventLog

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		tickets:   &fakeTickets{},
		gen:       &fakeGenerator{content: testContent()},
		renderer:  &fakeRenderer{},
		publisher: &fakePublisher{},
		messenger: &fakeMessenger{},
		events:    &eventLog{},
	}
	h.wf = New(Collaborators{
		Tickets:   h.tickets,
		Generator: h.gen,
		Images:    h.renderer,
		Publisher: h.publisher,
		Messenger: h.messenger,
		Assets:    fakeAssets{},
	}, opts, WithRecorder(h.events))
	h.wf.sleep = func(_ context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		defer h.sleepMu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) sleepCalls() []time.Duration {
	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// testContent has one image step for both platforms and one text-only step.
func testContent() *article.Content {
	return &article.Content{
		Title:    "Resetting your password",
		Problem:  "Reset emails never arrive.",
		Solution: "Use the in-app reset flow.",
		Steps: []article.Step{
			{Number: 1, Description: "Open Settings", ImagePrompt: "settings screen", Platform: article.PlatformBoth},
			{Number: 2, Description: "Tap Reset password", Code: "reset --user me"},
		},
	}
}

var testKey = ThreadKey{Channel: "C123", Thread: "1700000000.000100"}
