// Package model routes generation tasks to LLM endpoints.
// Callers name what they need done (questions, content, refine) and the
// registry resolves it to an ordered chain of endpoints with health tracking.
package model

// Task is a kind of generation request with its own model preferences.
type Task string

const (
	// TaskQuestions generates clarifying questions for a ticket. Favors fast models.
	TaskQuestions Task = "questions"

	// TaskContent writes the structured article from ticket data and answers.
	TaskContent Task = "content"

	// TaskRefine rewrites an existing article from reviewer feedback.
	TaskRefine Task = "refine"
)

// IsValid checks if a task string is a known task.
func (t Task) IsValid() bool {
	switch t {
	case TaskQuestions, TaskContent, TaskRefine:
		return true
	}
	return false
}

// ParseTask converts a string to a Task, returning empty for unknown values.
func ParseTask(s string) Task {
	t := Task(s)
	if t.IsValid() {
		return t
	}
	return ""
}
