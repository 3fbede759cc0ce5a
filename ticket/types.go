// Package ticket parses ticket references and fetches ticket data from Jira.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when the tracker has no ticket with the requested key.
var ErrNotFound = errors.New("ticket not found")

// Comment is a single ticket comment.
type Comment struct {
	Author  string    `json:"author"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

// Ticket is the subset of an issue the documentation workflow uses.
type Ticket struct {
	Key         string         `json:"key"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	IssueType   string         `json:"issue_type"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	Assignee    string         `json:"assignee,omitempty"`
	Reporter    string         `json:"reporter,omitempty"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
	Resolution  string         `json:"resolution,omitempty"`
	Comments    []Comment      `json:"comments,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`

	// URL is the canonical browse address of the ticket.
	URL string `json:"url"`
}

// Summary renders the ticket as markdown for prompts and chat previews.
func (t *Ticket) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s: %s\n\n", t.Key, t.Title))
	sb.WriteString(fmt.Sprintf("- Type: %s\n- Priority: %s\n- Status: %s\n", t.IssueType, t.Priority, t.Status))
	if t.Resolution != "" {
		sb.WriteString(fmt.Sprintf("- Resolution: %s\n", t.Resolution))
	}
	if t.Assignee != "" {
		sb.WriteString(fmt.Sprintf("- Assignee: %s\n", t.Assignee))
	}
	if t.Reporter != "" {
		sb.WriteString(fmt.Sprintf("- Reporter: %s\n", t.Reporter))
	}

	if t.Description != "" {
		sb.WriteString("\n## Description\n\n")
		sb.WriteString(t.Description)
		sb.WriteString("\n")
	}

	if len(t.Comments) > 0 {
		sb.WriteString("\n## Comments\n\n")
		for _, c := range t.Comments {
			sb.WriteString(fmt.Sprintf("**%s** (%s):\n%s\n\n", c.Author, c.Created.Format("2006-01-02"), c.Body))
		}
	}

	return sb.String()
}
