package generate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/ticket"
)

// QuestionsSystemPrompt returns the system prompt for clarifying questions.
func QuestionsSystemPrompt(maxQuestions int) string {
	return fmt.Sprintf(`You help a support engineer turn a resolved ticket into a step-by-step
how-to article for mobile app users.

Read the ticket and decide what you still need to know to write accurate
instructions: which platform, which app version, which screens the user
navigates, what the user sees when it works.

Ask at most %d short questions. If the ticket already answers everything,
return an empty array.

Respond with a JSON array of strings only:

`+"```json"+`
["Which app version introduced the new settings screen?"]
`+"```", maxQuestions)
}

// ContentSystemPrompt returns the system prompt for article generation.
func ContentSystemPrompt() string {
	return `You write end-user documentation for a mobile app: clear, numbered,
one action per step, no internal jargon.

For steps that show a screen, write an image_prompt describing a clean
phone screenshot mockup of that screen. Set platform to "ios", "android"
or "both" for steps with an image_prompt. Add a code block only when the
user must type or paste something exact.

## Output Format

Respond with JSON only:

` + "```json" + `
{
  "title": "How to reset your password",
  "problem": "What the user is trying to do or what goes wrong",
  "solution": "One or two sentences summarizing the fix",
  "steps": [
    {
      "number": 1,
      "description": "Open Settings and tap Account.",
      "image_prompt": "iPhone settings screen with Account row highlighted",
      "platform": "ios",
      "code": ""
    }
  ],
  "notes": "Optional caveats",
  "tags": ["account", "password"]
}
` + "```"
}

// QuestionsPrompt returns the user prompt asking for clarifying questions.
func QuestionsPrompt(t *ticket.Ticket) string {
	var sb strings.Builder
	sb.WriteString("Here is the ticket.\n\n")
	sb.WriteString(t.Summary())
	sb.WriteString("\n\nWhat do you need to ask before writing the article?\n")
	return sb.String()
}

// ContentPrompt returns the user prompt for a fresh article.
func ContentPrompt(t *ticket.Ticket, qa []article.QA) string {
	var sb strings.Builder
	sb.WriteString("Write the article for this ticket.\n\n")
	sb.WriteString(t.Summary())

	if len(qa) > 0 {
		sb.WriteString("\n\n## Clarifications\n\n")
		for i, item := range qa {
			if item.Question != "" {
				fmt.Fprintf(&sb, "**Q%d:** %s\n", i+1, item.Question)
			}
			fmt.Fprintf(&sb, "**A%d:** %s\n\n", i+1, strings.TrimSpace(item.Answer))
		}
	}
	return sb.String()
}

// RefinePrompt returns the user prompt that revises an existing article.
func RefinePrompt(content *article.Content, feedback string) (string, error) {
	current, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal current content: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Revise this article according to the reviewer's feedback. ")
	sb.WriteString("Keep everything the feedback does not mention.\n\n")
	sb.WriteString("## Current Article\n\n```json\n")
	sb.Write(current)
	sb.WriteString("\n```\n\n## Feedback\n\n")
	sb.WriteString(strings.TrimSpace(feedback))
	sb.WriteString("\n")
	return sb.String(), nil
}
