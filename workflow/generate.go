package workflow

import (
	"context"
	"fmt"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/assets"
)

// generate produces content and images and moves the conversation to review.
// feedback is the change request that triggered a regeneration, or "".
// The caller holds e.mu.
func (w *Workflow) generate(ctx context.Context, e *entry, feedback string) error {
	c := e.conv
	w.setStage(ctx, e, StageGenerating)
	w.post(ctx, e.key, msgGenerating(c.TicketKey))

	content, err := w.content(ctx, c, feedback)
	if !w.store.alive(e) {
		return nil
	}
	if err == nil {
		err = content.Validate()
	}
	if err != nil {
		w.fail(ctx, e, msgGenerationFailed(err), err)
		return fmt.Errorf("generate content for %s: %w", c.TicketKey, err)
	}

	results := w.renderImages(ctx, e, content)
	if !w.store.alive(e) {
		return nil
	}

	draft := &Draft{Content: content}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		draft.Images = append(draft.Images, *r.Image)
	}

	c.Draft = draft
	w.setStage(ctx, e, StageReview)
	w.present(ctx, e, failed)
	return nil
}

// content picks the generation call for the first pass or a feedback pass.
func (w *Workflow) content(ctx context.Context, c *Conversation, feedback string) (*article.Content, error) {
	if feedback == "" {
		return w.c.Generator.GenerateContent(ctx, c.Ticket, c.QA())
	}

	switch w.opts.ChangesPolicy {
	case ChangesMerge:
		return w.c.Generator.GenerateContent(ctx, c.Ticket, append(c.QA(), feedbackQA(c.Feedback)...))
	case ChangesReplace:
		c.Answers = nil
		return w.c.Generator.GenerateContent(ctx, c.Ticket, feedbackQA(c.Feedback[len(c.Feedback)-1:]))
	default:
		if c.Draft == nil {
			return w.c.Generator.GenerateContent(ctx, c.Ticket, append(c.QA(), feedbackQA(c.Feedback)...))
		}
		return w.c.Generator.RefineContent(ctx, c.Draft.Content, feedback)
	}
}

func feedbackQA(feedback []string) []article.QA {
	qa := make([]article.QA, len(feedback))
	for i, f := range feedback {
		qa[i] = article.QA{Question: "Reviewer feedback on the previous draft", Answer: f}
	}
	return qa
}

// renderImages renders every step/platform image in step order, one at a time,
// pausing ImagePacing between calls. Failures are recorded per item.
func (w *Workflow) renderImages(ctx context.Context, e *entry, content *article.Content) []ImageResult {
	var results []ImageResult
	calls := 0

	for _, step := range content.Steps {
		if !step.NeedsImages() {
			continue
		}
		for _, platform := range step.Platform.Expand() {
			if calls > 0 {
				if err := w.sleep(ctx, w.opts.ImagePacing); err != nil {
					results = append(results, ImageResult{Step: step.Number, Platform: platform, Err: err})
					return results
				}
			}
			calls++

			img, err := w.c.Images.RenderImage(ctx, article.ImageRequest{
				Namespace: e.token,
				Step:      step.Number,
				Platform:  platform,
				Prompt:    step.ImagePrompt,
			})
			if !w.store.alive(e) {
				return results
			}
			if err == nil && img == nil {
				err = fmt.Errorf("renderer returned no image")
			}

			results = append(results, ImageResult{Step: step.Number, Platform: platform, Image: img, Err: err})
			w.recorder.Record(ctx, w.event(e, EventImage, func(ev *Event) {
				ev.Step = step.Number
				ev.Platform = platform
				ev.Err = err
			}))
			if err != nil {
				w.log(e).Warn("Image render failed, skipping",
					"step", step.Number, "platform", platform, "error", err)
			}
		}
	}
	return results
}

// present posts the draft, uploads image previews and posts the review buttons.
func (w *Workflow) present(ctx context.Context, e *entry, failedImages int) {
	d := e.conv.Draft
	w.post(ctx, e.key, formatDraft(d.Content))

	for _, img := range d.Images {
		if err := w.uploadPreview(ctx, e.key, img); err != nil {
			w.log(e).Warn("Failed to upload image preview",
				"step", img.Step, "platform", img.Platform, "error", err)
		}
	}

	w.postActions(ctx, e, msgReview(len(d.Images), failedImages))
}

func (w *Workflow) uploadPreview(ctx context.Context, key ThreadKey, img article.Image) error {
	if w.c.Assets == nil {
		return nil
	}
	data, err := assets.ReadAll(ctx, w.c.Assets, img.Location)
	if err != nil {
		return err
	}
	return w.c.Messenger.UploadFile(ctx, key, File{
		Name:        img.Filename,
		Title:       fmt.Sprintf("Step %d (%s)", img.Step, img.Platform.Label()),
		ContentType: img.ContentType,
		Data:        data,
	})
}
