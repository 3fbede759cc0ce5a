package workflow

import (
	"fmt"
	"strings"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/ticket"
)

func msgNoReference() string {
	return "I couldn't find a ticket in that message. Mention me with a key like `ABC-123` or a Jira link."
}

func msgFetching(ref string) string {
	return fmt.Sprintf("Fetching ticket %s...", ref)
}

func msgTicketNotFound(ref string) string {
	return fmt.Sprintf("Ticket %s was not found. Check the key and try again.", ref)
}

func msgFetchFailed(ref string, err error) string {
	return fmt.Sprintf("Failed to fetch ticket %s: %v", ref, err)
}

func msgQuestions(t *ticket.Ticket, questions []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I have a few questions about *%s: %s* before I write the guide:\n", t.Key, t.Title)
	for i, q := range questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	sb.WriteString("Reply in this thread, one message per answer.")
	return sb.String()
}

func msgRemaining(n int) string {
	return fmt.Sprintf("Got it. %d more question(s) remaining.", n)
}

func msgAnswersComplete() string {
	return "Thanks, that's everything I needed."
}

func msgGenerating(ref string) string {
	return fmt.Sprintf("Generating documentation for %s. Images can take a minute...", ref)
}

func msgRegenerating() string {
	return "Thanks for the feedback, regenerating the draft."
}

func msgGenerationFailed(err error) string {
	return fmt.Sprintf("Failed to generate documentation: %v", err)
}

func msgReview(images, failed int) string {
	var sb strings.Builder
	sb.WriteString("Review the draft above.")
	if images > 0 || failed > 0 {
		fmt.Fprintf(&sb, " %d image(s) attached", images)
		if failed > 0 {
			fmt.Fprintf(&sb, ", %d could not be rendered", failed)
		}
		sb.WriteString(".")
	}
	return sb.String()
}

func msgPublishing() string {
	return "Approved. Publishing..."
}

func msgPublishFailed(err error) string {
	return fmt.Sprintf("Failed to publish: %v\nThe draft is unchanged. Approve again to retry.", err)
}

func msgPublished(pageURL string, t *ticket.Ticket) string {
	msg := fmt.Sprintf("Published: %s", pageURL)
	if t != nil && t.URL != "" {
		msg += fmt.Sprintf("\nTicket: %s", t.URL)
	}
	return msg
}

func msgChangesRequested() string {
	return "Changes requested."
}

func msgAskFeedback() string {
	return "What should change? Reply in this thread and I'll regenerate the draft."
}

func msgCancelled(ref string) string {
	return fmt.Sprintf("Cancelled documentation for %s.", ref)
}

// formatDraft renders content as chat markup.
func formatDraft(c *article.Content) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n", c.Title)
	if c.Problem != "" {
		fmt.Fprintf(&sb, "\n*Problem*\n%s\n", c.Problem)
	}
	if c.Solution != "" {
		fmt.Fprintf(&sb, "\n*Solution*\n%s\n", c.Solution)
	}

	sb.WriteString("\n*Steps*\n")
	for _, step := range c.Steps {
		fmt.Fprintf(&sb, "%d. %s", step.Number, step.Description)
		if label := step.Platform.Label(); label != "" {
			fmt.Fprintf(&sb, " _(%s)_", label)
		}
		sb.WriteString("\n")
		if step.Code != "" {
			fmt.Fprintf(&sb, "```\n%s\n```\n", strings.TrimRight(step.Code, "\n"))
		}
	}

	if c.Notes != "" {
		fmt.Fprintf(&sb, "\n*Notes*\n%s\n", c.Notes)
	}
	if len(c.Tags) > 0 {
		sb.WriteString("\nTags:")
		for _, tag := range c.Tags {
			fmt.Fprintf(&sb, " `%s`", tag)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
