package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// jiraTimeLayout is the timestamp format of the Jira REST API.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// maxResponseSize limits the issue response body.
const maxResponseSize = 5 * 1024 * 1024

// JiraClient fetches issues from the Jira REST API.
type JiraClient struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client
	converter  *Converter
	logger     *slog.Logger
}

// JiraOption configures a JiraClient.
type JiraOption func(*JiraClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) JiraOption {
	return func(j *JiraClient) {
		j.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) JiraOption {
	return func(j *JiraClient) {
		j.logger = logger
	}
}

// NewJiraClient creates a client for the Jira site at baseURL using basic auth
// with an account email and API token.
func NewJiraClient(baseURL, email, token string, opts ...JiraOption) *JiraClient {
	j := &JiraClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		email:      email,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		converter:  NewConverter(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// BrowseURL returns the canonical address of an issue.
func (j *JiraClient) BrowseURL(key string) string {
	return j.baseURL + "/browse/" + key
}

type jiraNamed struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type jiraComment struct {
	Author  *jiraNamed `json:"author"`
	Body    string     `json:"body"`
	Created string     `json:"created"`
}

type jiraIssue struct {
	Key            string                     `json:"key"`
	Fields         map[string]json.RawMessage `json:"fields"`
	RenderedFields struct {
		Description string `json:"description"`
		Comment     struct {
			Comments []jiraComment `json:"comments"`
		} `json:"comment"`
	} `json:"renderedFields"`
}

// Fetch retrieves an issue by key. It returns ErrNotFound when the issue does
// not exist or is not visible to the configured account.
func (j *JiraClient) Fetch(ctx context.Context, key string) (*Ticket, error) {
	endpoint := fmt.Sprintf("%s/rest/api/2/issue/%s?expand=renderedFields", j.baseURL, url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(j.email, j.token)
	req.Header.Set("Accept", "application/json")

	j.logger.Debug("Fetching ticket", "key", key, "url", endpoint)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", key, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: jira API error (status %d): %s", key, resp.StatusCode, truncate(string(body), 200))
	}

	var issue jiraIssue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parse issue %s: %w", key, err)
	}

	return j.toTicket(&issue), nil
}

func (j *JiraClient) toTicket(issue *jiraIssue) *Ticket {
	f := issue.Fields
	t := &Ticket{
		Key:        issue.Key,
		Title:      stringField(f, "summary"),
		IssueType:  namedField(f, "issuetype"),
		Priority:   namedField(f, "priority"),
		Status:     namedField(f, "status"),
		Assignee:   namedField(f, "assignee"),
		Reporter:   namedField(f, "reporter"),
		Resolution: namedField(f, "resolution"),
		Created:    timeField(f, "created"),
		Updated:    timeField(f, "updated"),
		URL:        j.BrowseURL(issue.Key),
	}

	t.Description = j.markdownOr(issue.RenderedFields.Description, stringField(f, "description"))

	var raw struct {
		Comments []jiraComment `json:"comments"`
	}
	if data, ok := f["comment"]; ok {
		_ = json.Unmarshal(data, &raw)
	}
	rendered := issue.RenderedFields.Comment.Comments
	for i, c := range raw.Comments {
		body := c.Body
		if i < len(rendered) {
			body = j.markdownOr(rendered[i].Body, c.Body)
		}
		t.Comments = append(t.Comments, Comment{
			Author:  displayName(c.Author),
			Body:    body,
			Created: parseTime(c.Created),
		})
	}

	custom := make([]string, 0)
	for name := range f {
		if strings.HasPrefix(name, "customfield_") {
			custom = append(custom, name)
		}
	}
	sort.Strings(custom)
	for _, name := range custom {
		var v any
		if err := json.Unmarshal(f[name], &v); err != nil || v == nil {
			continue
		}
		if t.Fields == nil {
			t.Fields = make(map[string]any)
		}
		t.Fields[name] = v
	}

	return t
}

// markdownOr converts rendered HTML, falling back to the raw wiki text.
func (j *JiraClient) markdownOr(renderedHTML, raw string) string {
	if renderedHTML == "" {
		return strings.TrimSpace(raw)
	}
	markdown, err := j.converter.Convert(renderedHTML)
	if err != nil {
		j.logger.Warn("Failed to convert rendered field, using raw text", "error", err)
		return strings.TrimSpace(raw)
	}
	return markdown
}

func stringField(f map[string]json.RawMessage, name string) string {
	var s string
	if data, ok := f[name]; ok {
		_ = json.Unmarshal(data, &s)
	}
	return s
}

func namedField(f map[string]json.RawMessage, name string) string {
	var n *jiraNamed
	if data, ok := f[name]; ok {
		_ = json.Unmarshal(data, &n)
	}
	return displayName(n)
}

func displayName(n *jiraNamed) string {
	if n == nil {
		return ""
	}
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.Name
}

func timeField(f map[string]json.RawMessage, name string) time.Time {
	return parseTime(stringField(f, name))
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(jiraTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
