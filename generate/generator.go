// Package generate turns tickets and human answers into clarifying questions
// and structured article content using the LLM client.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/llm"
	"github.com/c360studio/docbot/model"
	"github.com/c360studio/docbot/ticket"
)

// DefaultMaxQuestions caps the clarifying questions asked per ticket.
const DefaultMaxQuestions = 3

// Completer is the slice of llm.Client the generator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Generator implements question, content and refinement generation.
type Generator struct {
	llm          Completer
	logger       *slog.Logger
	maxQuestions int
	temperature  float64
	maxTokens    int
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithMaxQuestions caps the number of clarifying questions. 0 disables questions.
func WithMaxQuestions(n int) Option {
	return func(g *Generator) { g.maxQuestions = n }
}

// WithTemperature sets the sampling temperature for content generation.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// New creates a Generator.
func New(c Completer, opts ...Option) *Generator {
	g := &Generator{
		llm:          c,
		logger:       slog.Default(),
		maxQuestions: DefaultMaxQuestions,
		temperature:  0.4,
		maxTokens:    8192,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateQuestions asks the model what it needs to know. The result may be empty.
func (g *Generator) GenerateQuestions(ctx context.Context, t *ticket.Ticket) ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("ticket is required")
	}
	if g.maxQuestions <= 0 {
		return nil, nil
	}

	temperature := 0.2
	resp, err := g.llm.Complete(ctx, llm.Request{
		Task: model.TaskQuestions,
		Messages: []llm.Message{
			{Role: "system", Content: QuestionsSystemPrompt(g.maxQuestions)},
			{Role: "user", Content: QuestionsPrompt(t)},
		},
		Temperature: &temperature,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("generate questions for %s: %w", t.Key, err)
	}

	questions, err := parseQuestions(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse questions for %s: %w", t.Key, err)
	}
	if len(questions) > g.maxQuestions {
		questions = questions[:g.maxQuestions]
	}

	g.logger.Debug("Generated questions",
		"ticket", t.Key,
		"count", len(questions),
		"model", resp.Model)
	return questions, nil
}

// GenerateContent writes a new article from the ticket and the collected Q&A.
func (g *Generator) GenerateContent(ctx context.Context, t *ticket.Ticket, qa []article.QA) (*article.Content, error) {
	if t == nil {
		return nil, fmt.Errorf("ticket is required")
	}
	content, err := g.completeContent(ctx, model.TaskContent, ContentPrompt(t, qa))
	if err != nil {
		return nil, fmt.Errorf("generate content for %s: %w", t.Key, err)
	}
	return content, nil
}

// RefineContent revises an existing article from reviewer feedback.
func (g *Generator) RefineContent(ctx context.Context, current *article.Content, feedback string) (*article.Content, error) {
	if current == nil {
		return nil, fmt.Errorf("current content is required")
	}
	prompt, err := RefinePrompt(current, feedback)
	if err != nil {
		return nil, err
	}
	content, err := g.completeContent(ctx, model.TaskRefine, prompt)
	if err != nil {
		return nil, fmt.Errorf("refine %q: %w", current.Title, err)
	}
	return content, nil
}

func (g *Generator) completeContent(ctx context.Context, task model.Task, prompt string) (*article.Content, error) {
	temperature := g.temperature
	resp, err := g.llm.Complete(ctx, llm.Request{
		Task: task,
		Messages: []llm.Message{
			{Role: "system", Content: ContentSystemPrompt()},
			{Role: "user", Content: prompt},
		},
		Temperature: &temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	content, err := parseContent(resp.Content)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Generated content",
		"task", task,
		"title", content.Title,
		"steps", len(content.Steps),
		"model", resp.Model)
	return content, nil
}

// parseQuestions accepts a bare array or an object with a "questions" field.
func parseQuestions(raw string) ([]string, error) {
	var questions []string
	if err := llm.DecodeJSON(raw, &questions, true); err != nil {
		var wrapped struct {
			Questions []string `json:"questions"`
		}
		if objErr := llm.DecodeJSON(raw, &wrapped, false); objErr != nil {
			return nil, err
		}
		questions = wrapped.Questions
	}

	out := questions[:0]
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

func parseContent(raw string) (*article.Content, error) {
	jsonContent := llm.ExtractJSON(raw)
	if jsonContent == "" {
		return nil, llm.ErrNoJSON
	}

	var content article.Content
	if err := json.Unmarshal([]byte(jsonContent), &content); err != nil {
		return nil, fmt.Errorf("parse JSON: %w (content: %s)", err, jsonContent[:min(200, len(jsonContent))])
	}

	content.Normalize()
	if err := content.Validate(); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}
	return &content, nil
}
