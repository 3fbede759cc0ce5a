package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/docbot/workflow"
)

const (
	defaultBaseURL  = "https://slack.com/api"
	maxResponseSize = 2 * 1024 * 1024

	// maxSectionText is the Block Kit limit for one section's text.
	maxSectionText = 3000
)

// APIError is a Slack Web API failure: a non-2xx status or "ok": false.
type APIError struct {
	Method     string
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s failed: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("slack %s failed (status %d)", e.Method, e.StatusCode)
}

// Identity is the bot's own identity from auth.test.
type Identity struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
	Team   string `json:"team"`
	URL    string `json:"url"`
}

// Client is a Slack Web API client. It implements workflow.Messenger.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Web API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Web API client authenticated with a bot token.
func NewClient(botToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      botToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthTest returns the identity behind the bot token.
func (c *Client) AuthTest(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.callJSON(ctx, "auth.test", c.token, struct{}{}, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// PostMessage posts into a thread and returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, key workflow.ThreadKey, msg workflow.Message) (string, error) {
	req := chatRequest{
		Channel:  key.Channel,
		ThreadTS: key.Thread,
		Text:     msg.Text,
		Blocks:   buildBlocks(msg),
	}
	var resp struct {
		TS string `json:"ts"`
	}
	if err := c.callJSON(ctx, "chat.postMessage", c.token, req, &resp); err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UpdateMessage replaces a message's text and blocks.
func (c *Client) UpdateMessage(ctx context.Context, key workflow.ThreadKey, messageID string, msg workflow.Message) error {
	req := chatRequest{
		Channel: key.Channel,
		TS:      messageID,
		Text:    msg.Text,
		Blocks:  buildBlocks(msg),
	}
	if req.Blocks == nil {
		// chat.update keeps the old blocks unless they are replaced.
		req.Blocks = sectionBlocks(msg.Text)
	}
	return c.callJSON(ctx, "chat.update", c.token, req, nil)
}

// UploadFile uploads a file into a thread with the external upload flow.
func (c *Client) UploadFile(ctx context.Context, key workflow.ThreadKey, file workflow.File) error {
	form := url.Values{}
	form.Set("filename", file.Name)
	form.Set("length", strconv.Itoa(len(file.Data)))

	var ticket struct {
		UploadURL string `json:"upload_url"`
		FileID    string `json:"file_id"`
	}
	if err := c.callForm(ctx, "files.getUploadURLExternal", form, &ticket); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, bytes.NewReader(file.Data))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", file.Name, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Method: "file upload", StatusCode: resp.StatusCode}
	}

	title := file.Title
	if title == "" {
		title = file.Name
	}
	complete := completeUploadRequest{
		Files:     []uploadedFile{{ID: ticket.FileID, Title: title}},
		ChannelID: key.Channel,
		ThreadTS:  key.Thread,
	}
	return c.callJSON(ctx, "files.completeUploadExternal", c.token, complete, nil)
}

// openConnection requests a Socket Mode WebSocket URL with an app-level token.
func (c *Client) openConnection(ctx context.Context, appToken string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.callJSON(ctx, "apps.connections.open", appToken, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("apps.connections.open returned no url")
	}
	return resp.URL, nil
}

type chatRequest struct {
	Channel  string  `json:"channel"`
	TS       string  `json:"ts,omitempty"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	Text     string  `json:"text"`
	Blocks   []block `json:"blocks,omitempty"`
}

type uploadedFile struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type completeUploadRequest struct {
	Files     []uploadedFile `json:"files"`
	ChannelID string         `json:"channel_id"`
	ThreadTS  string         `json:"thread_ts,omitempty"`
}

// apiResponse is the envelope of every Web API response.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) callJSON(ctx context.Context, method, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, method, out)
}

func (c *Client) callForm(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Method: method, StatusCode: resp.StatusCode}
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Code: envelope.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}
