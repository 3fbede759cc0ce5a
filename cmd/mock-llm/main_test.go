package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/model"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func testServer(fixtures map[string][]string) *server {
	return newServer(fixtures, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// doCompletion posts one chat request and returns the assistant content.
func doCompletion(t *testing.T, h http.Handler, modelName string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + modelName + `","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	return resp.Choices[0].Message.Content
}

func TestLoadFixtures(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-questions.1.json", `["first?"]`)
	writeFixture(t, dir, "mock-questions.2.json", `["second?"]`)
	writeFixture(t, dir, "mock-questions.json", `[]`)
	writeFixture(t, dir, "mock-content.json", `{"title":"x"}`)
	writeFixture(t, dir, "README.md", "ignored")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["mock-questions"]
	if len(seq) != 3 {
		t.Fatalf("mock-questions: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "first") || !strings.Contains(seq[1], "second") || seq[2] != "[]" {
		t.Errorf("unexpected order: %v", seq)
	}
	if len(fixtures["mock-content"]) != 1 {
		t.Errorf("mock-content: expected 1 fixture, got %d", len(fixtures["mock-content"]))
	}
}

func TestLoadFixturesErrors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "mock-content.json", `{not json`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestMergeFixturesOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-questions.json", `[]`)

	fixtures, err := mergeFixtures(dir)
	if err != nil {
		t.Fatalf("mergeFixtures: %v", err)
	}
	if got := fixtures["mock-questions"]; len(got) != 1 || got[0] != "[]" {
		t.Errorf("mock-questions not overridden: %v", got)
	}
	if _, ok := fixtures["mock-content"]; !ok {
		t.Error("built-in mock-content missing after merge")
	}
}

func TestBuiltinContentIsPublishable(t *testing.T) {
	for _, name := range []string{"mock-content", "mock-refine"} {
		var c article.Content
		if err := json.Unmarshal([]byte(builtinFixtures[name][0]), &c); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		c.Normalize()
		if err := c.Validate(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}

	var questions []string
	if err := json.Unmarshal([]byte(builtinFixtures["mock-questions"][0]), &questions); err != nil {
		t.Fatalf("mock-questions: %v", err)
	}
	if len(questions) == 0 {
		t.Error("mock-questions has no questions")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	h := testServer(map[string][]string{
		"mock-questions": {`["a?"]`, `[]`},
		"mock-content":   {`{"title":"t"}`},
	}).routes()

	if got := doCompletion(t, h, "mock-questions"); got != `["a?"]` {
		t.Errorf("call 1 = %s", got)
	}
	if got := doCompletion(t, h, "mock-questions"); got != `[]` {
		t.Errorf("call 2 = %s", got)
	}
	if got := doCompletion(t, h, "mock-questions"); got != `[]` {
		t.Errorf("call 3 should repeat the last fixture, got %s", got)
	}
	if got := doCompletion(t, h, "mock-content"); !strings.Contains(got, `"t"`) {
		t.Errorf("content = %s", got)
	}
}

func TestUnknownModel(t *testing.T) {
	h := testServer(map[string][]string{"mock-content": {`{}`}}).routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStatsAndRequests(t *testing.T) {
	h := testServer(map[string][]string{
		"mock-questions": {`[]`},
		"mock-refine":    {`{}`},
	}).routes()

	doCompletion(t, h, "mock-questions")
	doCompletion(t, h, "mock-questions")
	doCompletion(t, h, "mock-refine")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 || stats.CallsByModel["mock-questions"] != 2 || stats.CallsByModel["mock-refine"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/requests?model=mock-questions&call=2", nil))
	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	reqs := captured.RequestsByModel["mock-questions"]
	if len(reqs) != 1 || reqs[0].CallIndex != 2 {
		t.Errorf("requests = %+v", captured.RequestsByModel)
	}
	if _, ok := captured.RequestsByModel["mock-refine"]; ok {
		t.Error("model filter not applied")
	}
}

func TestModelsCommandOutputLoads(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs([]string{"models", "--url", "http://mock:11434/v1"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	registry, err := model.LoadFromJSON(out.Bytes())
	if err != nil {
		t.Fatalf("LoadFromJSON: %v", err)
	}
	for _, task := range []model.Task{model.TaskQuestions, model.TaskContent, model.TaskRefine} {
		chain := registry.Chain(task)
		if len(chain) != 1 || chain[0] != "mock-"+string(task) {
			t.Errorf("%s chain = %v", task, chain)
		}
		ep := registry.Endpoint(chain[0])
		if ep == nil || ep.URL != "http://mock:11434/v1" || ep.Provider != "openai" {
			t.Errorf("%s endpoint = %+v", task, ep)
		}
	}
}
