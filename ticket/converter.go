package ticket

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// droppedElements never carry useful ticket text. Inline images point at
// tracker attachments the generator cannot see.
var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Img:      true,
	atom.Iframe:   true,
}

// Converter turns rendered tracker HTML fragments into markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter with GitHub-flavored tables and fenced code blocks.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, &md.Options{CodeBlockStyle: "fenced"})
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert transforms an HTML fragment to markdown.
func (c *Converter) Convert(fragment string) (string, error) {
	if strings.TrimSpace(fragment) == "" {
		return "", nil
	}

	cleaned, err := cleanFragment(fragment)
	if err != nil {
		return "", err
	}

	markdown, err := c.converter.ConvertString(cleaned)
	if err != nil {
		return "", err
	}
	return cleanMarkdown(markdown), nil
}

// cleanFragment parses the fragment in a <body> context and drops noise elements.
func cleanFragment(fragment string) (string, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, n := range nodes {
		removeDropped(n)
		if n.Type == html.ElementNode && droppedElements[n.DataAtom] {
			continue
		}
		if err := html.Render(&sb, n); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func removeDropped(n *html.Node) {
	var toRemove []*html.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && droppedElements[child.DataAtom] {
			toRemove = append(toRemove, child)
			continue
		}
		removeDropped(child)
	}
	for _, child := range toRemove {
		n.RemoveChild(child)
	}
}

func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}
