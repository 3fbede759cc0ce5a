// Package wiki publishes generated articles to Confluence.
package wiki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/docbot/article"
)

const maxResponseSize = 5 * 1024 * 1024

// AssetOpener reads stored image bytes. assets.Store satisfies it.
type AssetOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// APIError is a non-2xx response from Confluence.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("confluence API error (status %d): %s", e.StatusCode, e.Message)
}

// Page identifies a Confluence page.
type Page struct {
	ID      string
	Title   string
	Version int
	URL     string
}

// Config configures the Confluence client.
type Config struct {
	BaseURL  string `yaml:"base_url"`
	Email    string `yaml:"email"`
	Token    string `yaml:"-"`
	SpaceKey string `yaml:"space_key"`
	ParentID string `yaml:"parent_id"`
}

// Confluence is a Confluence REST API client.
type Confluence struct {
	cfg        Config
	assets     AssetOpener
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Confluence)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Confluence) { cl.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Confluence) { cl.logger = l }
}

// New creates a Confluence client. assets resolves image locations for upload.
func New(cfg Config, assets AssetOpener, opts ...Option) *Confluence {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	c := &Confluence{
		cfg:        cfg,
		assets:     assets,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish creates the page, or updates the existing page with the same title
// in the space, then uploads the images as attachments. Returns the page URL.
func (c *Confluence) Publish(ctx context.Context, content *article.Content, images []article.Image, ticketKey string) (string, error) {
	if err := content.Validate(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	body := StorageBody(content, images, ticketKey)
	uploads := c.referencedImages(body, images)

	existing, err := c.FindPage(ctx, content.Title)
	if err != nil {
		return "", err
	}

	var page *Page
	update := existing != nil
	if update {
		page, err = c.UpdatePage(ctx, existing, body)
	} else {
		page, err = c.CreatePage(ctx, content.Title, body, content.Tags)
	}
	if err != nil {
		return "", err
	}

	for _, img := range uploads {
		if err := c.uploadImage(ctx, page.ID, img, update); err != nil {
			return "", err
		}
	}

	c.logger.Info("Published page",
		"page_id", page.ID,
		"title", page.Title,
		"version", page.Version,
		"attachments", len(uploads),
		"ticket", ticketKey)
	return page.URL, nil
}

// referencedImages keeps the images the body actually embeds. An image whose
// step is missing from the content would only be a stray attachment.
func (c *Confluence) referencedImages(body string, images []article.Image) []article.Image {
	refs := make(map[string]bool)
	for _, name := range AttachmentRefs(body) {
		refs[name] = true
	}

	kept := make([]article.Image, 0, len(images))
	for _, img := range images {
		if !refs[attachmentFilename(img)] {
			c.logger.Warn("Skipping image the page does not reference",
				"step", img.Step, "platform", img.Platform, "location", img.Location)
			continue
		}
		kept = append(kept, img)
	}
	return kept
}

type contentResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
		Base  string `json:"base"`
	} `json:"_links"`
}

// FindPage returns the page with an exact title in the space, or nil.
func (c *Confluence) FindPage(ctx context.Context, title string) (*Page, error) {
	q := url.Values{}
	q.Set("spaceKey", c.cfg.SpaceKey)
	q.Set("title", title)
	q.Set("expand", "version")

	var resp struct {
		Results []contentResponse `json:"results"`
		Links   struct {
			Base string `json:"base"`
		} `json:"_links"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/content?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("find page %q: %w", title, err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	r := resp.Results[0]
	if r.Links.Base == "" {
		r.Links.Base = resp.Links.Base
	}
	return c.page(r), nil
}

type pagePayload struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Space     spaceRef        `json:"space"`
	Ancestors []ancestorRef   `json:"ancestors,omitempty"`
	Version   *versionRef     `json:"version,omitempty"`
	Body      bodyPayload     `json:"body"`
	Metadata  *metadataLabels `json:"metadata,omitempty"`
}

type spaceRef struct {
	Key string `json:"key"`
}

type ancestorRef struct {
	ID string `json:"id"`
}

type versionRef struct {
	Number int `json:"number"`
}

type bodyPayload struct {
	Storage struct {
		Value          string `json:"value"`
		Representation string `json:"representation"`
	} `json:"storage"`
}

type metadataLabels struct {
	Labels []labelRef `json:"labels"`
}

type labelRef struct {
	Name string `json:"name"`
}

func storageBody(value string) bodyPayload {
	var b bodyPayload
	b.Storage.Value = value
	b.Storage.Representation = "storage"
	return b
}

// CreatePage creates a page under the configured parent.
func (c *Confluence) CreatePage(ctx context.Context, title, body string, labels []string) (*Page, error) {
	payload := pagePayload{
		Type:  "page",
		Title: title,
		Space: spaceRef{Key: c.cfg.SpaceKey},
		Body:  storageBody(body),
	}
	if c.cfg.ParentID != "" {
		payload.Ancestors = []ancestorRef{{ID: c.cfg.ParentID}}
	}
	if len(labels) > 0 {
		payload.Metadata = &metadataLabels{}
		for _, l := range labels {
			payload.Metadata.Labels = append(payload.Metadata.Labels, labelRef{Name: l})
		}
	}

	var resp contentResponse
	if err := c.doJSON(ctx, http.MethodPost, "/rest/api/content", payload, &resp); err != nil {
		return nil, fmt.Errorf("create page %q: %w", title, err)
	}
	return c.page(resp), nil
}

// UpdatePage replaces the body of an existing page, bumping its version.
func (c *Confluence) UpdatePage(ctx context.Context, existing *Page, body string) (*Page, error) {
	payload := pagePayload{
		ID:      existing.ID,
		Type:    "page",
		Title:   existing.Title,
		Space:   spaceRef{Key: c.cfg.SpaceKey},
		Version: &versionRef{Number: existing.Version + 1},
		Body:    storageBody(body),
	}

	var resp contentResponse
	if err := c.doJSON(ctx, http.MethodPut, "/rest/api/content/"+url.PathEscape(existing.ID), payload, &resp); err != nil {
		return nil, fmt.Errorf("update page %s: %w", existing.ID, err)
	}
	return c.page(resp), nil
}

func (c *Confluence) page(r contentResponse) *Page {
	base := r.Links.Base
	if base == "" {
		base = c.cfg.BaseURL
	}
	p := &Page{ID: r.ID, Title: r.Title, Version: r.Version.Number}
	if r.Links.WebUI != "" {
		p.URL = base + r.Links.WebUI
	} else {
		p.URL = c.cfg.BaseURL + "/pages/viewpage.action?pageId=" + url.QueryEscape(r.ID)
	}
	return p
}

func (c *Confluence) uploadImage(ctx context.Context, pageID string, img article.Image, update bool) error {
	rc, err := c.assets.Open(ctx, img.Location)
	if err != nil {
		return fmt.Errorf("open image %s: %w", img.Location, err)
	}
	defer rc.Close()

	name := attachmentFilename(img)
	// PUT creates or replaces an attachment with the same name; POST fails on duplicates.
	method := http.MethodPost
	if update {
		method = http.MethodPut
	}
	return c.UploadAttachment(ctx, method, pageID, name, img.ContentType, rc)
}

// UploadAttachment sends one file to the page's attachment collection.
func (c *Confluence) UploadAttachment(ctx context.Context, method, pageID, filename, contentType string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy attachment %s: %w", filename, err)
	}
	if err := mw.WriteField("minorEdit", "true"); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, method, "/rest/api/content/"+url.PathEscape(pageID)+"/child/attachment", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "no-check")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("upload attachment %s: %w", filename, err)
	}
	return nil
}

func (c *Confluence) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Confluence) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Confluence) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiMessage pulls "message" out of an error body, falling back to the raw text.
func apiMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = "empty body"
	}
	return msg
}
