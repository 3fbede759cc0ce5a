package wiki

import (
	"fmt"
	"strings"

	"github.com/c360studio/docbot/article"
	"golang.org/x/net/html"
)

// StorageBody renders content in Confluence storage format. Images are
// referenced as page attachments named by article.AttachmentName.
func StorageBody(content *article.Content, images []article.Image, ticketKey string) string {
	var sb strings.Builder

	if ticketKey != "" {
		sb.WriteString(`<p><ac:structured-macro ac:name="jira"><ac:parameter ac:name="key">`)
		sb.WriteString(html.EscapeString(ticketKey))
		sb.WriteString(`</ac:parameter></ac:structured-macro></p>`)
	}

	section(&sb, "Problem", content.Problem)
	section(&sb, "Solution", content.Solution)

	if len(content.Steps) > 0 {
		sb.WriteString("<h2>Steps</h2><ol>")
		for _, step := range content.Steps {
			sb.WriteString("<li>")
			paragraphs(&sb, step.Description)
			if step.Code != "" {
				codeMacro(&sb, step.Code)
			}
			for _, img := range article.ImagesForStep(images, step.Number) {
				fmt.Fprintf(&sb, `<p><ac:image ac:width="300" ac:alt="%s"><ri:attachment ri:filename="%s" /></ac:image></p>`,
					html.EscapeString(img.Platform.Label()), html.EscapeString(attachmentFilename(img)))
			}
			sb.WriteString("</li>")
		}
		sb.WriteString("</ol>")
	}

	section(&sb, "Notes", content.Notes)
	return sb.String()
}

// attachmentFilename is the name an image is uploaded and referenced under.
func attachmentFilename(img article.Image) string {
	if img.Filename != "" {
		return img.Filename
	}
	return article.AttachmentName(img.Step, img.Platform, "png")
}

func section(sb *strings.Builder, heading, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(sb, "<h2>%s</h2>", heading)
	paragraphs(sb, text)
}

// paragraphs splits on blank lines and keeps single newlines as <br />.
func paragraphs(sb *strings.Builder, text string) {
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(strings.TrimSpace(line))
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.Join(lines, "<br />"))
		sb.WriteString("</p>")
	}
}

// codeMacro wraps code in CDATA. A literal "]]>" is split across two sections.
func codeMacro(sb *strings.Builder, code string) {
	sb.WriteString(`<ac:structured-macro ac:name="code"><ac:plain-text-body><![CDATA[`)
	sb.WriteString(strings.ReplaceAll(code, "]]>", "]]]]><![CDATA[>"))
	sb.WriteString(`]]></ac:plain-text-body></ac:structured-macro>`)
}

// AttachmentRefs lists the attachment filenames a storage-format body
// references, in document order.
func AttachmentRefs(body string) []string {
	var refs []string
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way the scan is over.
			return refs
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "ri:attachment" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "ri:filename" {
					refs = append(refs, string(val))
				}
			}
		}
	}
}
