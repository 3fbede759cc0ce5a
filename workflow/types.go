// Package workflow runs one documentation conversation per chat thread:
// ticket fetch, clarifying questions, generation, human review and publish.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/ticket"
)

var (
	// ErrConversationExists is returned by Start when the thread already has a conversation.
	ErrConversationExists = errors.New("conversation already exists for thread")

	// ErrNoConversation is returned when a thread or token has no live conversation.
	ErrNoConversation = errors.New("no conversation for thread")

	// ErrNoReference is returned by Start when the text holds no ticket reference.
	ErrNoReference = errors.New("no ticket reference in message")
)

// ThreadKey identifies a conversation: one per chat thread.
type ThreadKey struct {
	Channel string
	Thread  string
}

func (k ThreadKey) String() string {
	return k.Channel + "/" + k.Thread
}

// Stage is the position of a conversation in the workflow.
type Stage string

const (
	StageCreated         Stage = "created"
	StageFetching        Stage = "fetching"
	StageAskingQuestions Stage = "asking_questions"
	StageGenerating      Stage = "generating"
	StageReview          Stage = "review"
	StagePublishing      Stage = "publishing"
	StageComplete        Stage = "complete"
)

// ChangesPolicy decides what regeneration does with feedback given after "request changes".
type ChangesPolicy string

const (
	// ChangesRefine revises the current draft with the feedback. Answers are kept.
	ChangesRefine ChangesPolicy = "refine"

	// ChangesMerge regenerates from scratch with the answers plus all feedback.
	ChangesMerge ChangesPolicy = "merge"

	// ChangesReplace regenerates from scratch with the feedback only; answers are discarded.
	ChangesReplace ChangesPolicy = "replace"
)

// ParseChangesPolicy validates a policy name. Empty selects ChangesRefine.
func ParseChangesPolicy(s string) (ChangesPolicy, error) {
	switch p := ChangesPolicy(s); p {
	case "":
		return ChangesRefine, nil
	case ChangesRefine, ChangesMerge, ChangesReplace:
		return p, nil
	default:
		return "", fmt.Errorf("unknown changes policy %q (want refine, merge or replace)", s)
	}
}

// Draft is generated content awaiting review.
type Draft struct {
	Content *article.Content
	Images  []article.Image
}

// Conversation is the state of one thread's workflow.
type Conversation struct {
	// ID is the correlation token carried by action buttons.
	ID     string
	Key    ThreadKey
	UserID string

	TicketKey string
	Ticket    *ticket.Ticket
	Stage     Stage

	Questions []string
	// Answers holds accepted messages in arrival order; slot i answers Questions[i].
	Answers []string
	// Feedback holds change requests received after "request changes".
	Feedback         []string
	AwaitingFeedback bool

	Draft *Draft
	// ActionMessageID is the message carrying the review buttons.
	ActionMessageID string
	PageURL         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QA pairs each answer with the question it arrived after.
func (c *Conversation) QA() []article.QA {
	qa := make([]article.QA, 0, len(c.Answers))
	for i, a := range c.Answers {
		item := article.QA{Answer: a}
		if i < len(c.Questions) {
			item.Question = c.Questions[i]
		}
		qa = append(qa, item)
	}
	return qa
}

func (c *Conversation) clone() Conversation {
	cp := *c
	cp.Questions = append([]string(nil), c.Questions...)
	cp.Answers = append([]string(nil), c.Answers...)
	cp.Feedback = append([]string(nil), c.Feedback...)
	if c.Draft != nil {
		d := *c.Draft
		d.Images = append([]article.Image(nil), c.Draft.Images...)
		cp.Draft = &d
	}
	return cp
}

// ImageResult is the outcome of rendering one step/platform image.
type ImageResult struct {
	Step     int
	Platform article.Platform
	Image    *article.Image
	Err      error
}

// ActionID names a review button.
type ActionID string

const (
	ActionApprove        ActionID = "approve"
	ActionRequestChanges ActionID = "request_changes"
	ActionCancel         ActionID = "cancel"
)

// Action is a button attached to an outbound message. Value carries the
// conversation token.
type Action struct {
	ID    ActionID
	Label string
	Value string
	Style string
}

// Message is an outbound chat message.
type Message struct {
	Text    string
	Actions []Action
}

// File is an outbound upload.
type File struct {
	Name        string
	Title       string
	ContentType string
	Data        []byte
}

// TicketFetcher loads ticket data. Missing tickets return ticket.ErrNotFound.
type TicketFetcher interface {
	Fetch(ctx context.Context, key string) (*ticket.Ticket, error)
}

// ContentGenerator produces questions and article content.
type ContentGenerator interface {
	GenerateQuestions(ctx context.Context, t *ticket.Ticket) ([]string, error)
	GenerateContent(ctx context.Context, t *ticket.Ticket, qa []article.QA) (*article.Content, error)
	RefineContent(ctx context.Context, current *article.Content, feedback string) (*article.Content, error)
}

// ImageRenderer renders and stores one image.
type ImageRenderer interface {
	RenderImage(ctx context.Context, req article.ImageRequest) (*article.Image, error)
}

// Publisher creates or updates the wiki page and returns its URL.
type Publisher interface {
	Publish(ctx context.Context, content *article.Content, images []article.Image, ticketKey string) (string, error)
}

// Messenger posts into a chat thread.
type Messenger interface {
	PostMessage(ctx context.Context, key ThreadKey, msg Message) (string, error)
	UpdateMessage(ctx context.Context, key ThreadKey, messageID string, msg Message) error
	UploadFile(ctx context.Context, key ThreadKey, file File) error
}

// AssetReader reads rendered image bytes for previews.
type AssetReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

