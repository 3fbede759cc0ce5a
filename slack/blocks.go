package slack

import (
	"strings"
	"unicode/utf8"

	"github.com/c360studio/docbot/workflow"
)

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type element struct {
	Type     string     `json:"type"`
	ActionID string     `json:"action_id"`
	Text     textObject `json:"text"`
	Value    string     `json:"value,omitempty"`
	Style    string     `json:"style,omitempty"`
}

type block struct {
	Type     string      `json:"type"`
	BlockID  string      `json:"block_id,omitempty"`
	Text     *textObject `json:"text,omitempty"`
	Elements []element   `json:"elements,omitempty"`
}

// buildBlocks renders a message with actions as sections plus a button row.
// Plain messages use the text field alone.
func buildBlocks(msg workflow.Message) []block {
	if len(msg.Actions) == 0 {
		return nil
	}
	blocks := sectionBlocks(msg.Text)

	row := block{Type: "actions", BlockID: "review"}
	for _, a := range msg.Actions {
		row.Elements = append(row.Elements, element{
			Type:     "button",
			ActionID: string(a.ID),
			Text:     textObject{Type: "plain_text", Text: a.Label},
			Value:    a.Value,
			Style:    a.Style,
		})
	}
	return append(blocks, row)
}

func sectionBlocks(text string) []block {
	var blocks []block
	for _, chunk := range splitText(text, maxSectionText) {
		blocks = append(blocks, block{
			Type: "section",
			Text: &textObject{Type: "mrkdwn", Text: chunk},
		})
	}
	return blocks
}

// splitText cuts text into chunks of at most limit bytes, preferring line breaks.
func splitText(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
