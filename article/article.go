// Package article defines the structured documentation content produced from a
// ticket and the images rendered for its steps.
package article

import (
	"fmt"
	"strings"
)

// Platform identifies the target platform of a step or a rendered image.
type Platform string

const (
	// PlatformIOS marks iOS-specific steps and images.
	PlatformIOS Platform = "ios"
	// PlatformAndroid marks Android-specific steps and images.
	PlatformAndroid Platform = "android"
	// PlatformBoth marks a step that applies to every platform.
	// It is never the platform of a rendered image.
	PlatformBoth Platform = "both"
)

// ParsePlatform normalizes a platform tag. Unknown values yield "".
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ios", "iphone", "ipad":
		return PlatformIOS
	case "android":
		return PlatformAndroid
	case "both", "all":
		return PlatformBoth
	default:
		return ""
	}
}

// Expand returns the concrete platforms an image is rendered for, in render order.
func (p Platform) Expand() []Platform {
	switch p {
	case PlatformIOS:
		return []Platform{PlatformIOS}
	case PlatformAndroid:
		return []Platform{PlatformAndroid}
	case PlatformBoth:
		return []Platform{PlatformIOS, PlatformAndroid}
	default:
		return nil
	}
}

// Label is the human-readable platform name.
func (p Platform) Label() string {
	switch p {
	case PlatformIOS:
		return "iOS"
	case PlatformAndroid:
		return "Android"
	case PlatformBoth:
		return "iOS & Android"
	default:
		return ""
	}
}

// Step is one ordered instruction of an article.
type Step struct {
	Number      int      `json:"number"`
	Description string   `json:"description"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	Platform    Platform `json:"platform,omitempty"`
	Code        string   `json:"code,omitempty"`
}

// NeedsImages reports whether the step asks for rendered images.
func (s Step) NeedsImages() bool {
	return strings.TrimSpace(s.ImagePrompt) != "" && len(s.Platform.Expand()) > 0
}

// Content is the structured documentation generated for a ticket.
type Content struct {
	Title    string   `json:"title"`
	Problem  string   `json:"problem"`
	Solution string   `json:"solution"`
	Steps    []Step   `json:"steps"`
	Notes    string   `json:"notes,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Validate checks the fields every publishable article needs.
func (c *Content) Validate() error {
	if c == nil {
		return fmt.Errorf("content is nil")
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	return nil
}

// Normalize fills step numbers that are missing or out of order and
// canonicalizes platform tags and labels.
func (c *Content) Normalize() {
	for i := range c.Steps {
		if c.Steps[i].Number != i+1 {
			c.Steps[i].Number = i + 1
		}
		c.Steps[i].Platform = ParsePlatform(string(c.Steps[i].Platform))
	}
	tags := c.Tags[:0]
	seen := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.ReplaceAll(t, " ", "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	c.Tags = tags
}

// Image is a rendered mockup for one step and one platform.
type Image struct {
	Step        int      `json:"step"`
	Platform    Platform `json:"platform"`
	Location    string   `json:"location"`
	Prompt      string   `json:"prompt"`
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
}

// ImagesForStep returns the images of one step in platform order.
func ImagesForStep(images []Image, step int) []Image {
	var out []Image
	for _, img := range images {
		if img.Step == step {
			out = append(out, img)
		}
	}
	return out
}

// AttachmentName is the filename shared by wiki markup, uploaded attachments
// and stored assets: step-<number>-<platform>.<ext>.
func AttachmentName(step int, platform Platform, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("step-%d-%s.%s", step, platform, ext)
}

// QA pairs a prompt given to the human with the text they supplied.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ImageRequest asks for one rendered image. Namespace groups the assets of a
// single draft.
type ImageRequest struct {
	Namespace string
	Step      int
	Platform  Platform
	Prompt    string
}

// Filename is the attachment name the rendered image is stored under.
func (r ImageRequest) Filename() string {
	return AttachmentName(r.Step, r.Platform, "png")
}
