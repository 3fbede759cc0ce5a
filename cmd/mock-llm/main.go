// Package main implements an OpenAI-compatible stand-in LLM for running
// docbot offline.
//
// Requests are routed by the "model" field. Built-in responses cover the
// three docbot tasks (mock-questions, mock-content, mock-refine); a fixture
// directory can override or extend them. Numbered fixtures such as
// "mock-questions.1.json", "mock-questions.2.json" are served in order on
// successive calls, then the base "mock-questions.json" repeats.
//
// Point docbot at it with the registry printed by "mock-llm models".
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/docbot/model"
	"github.com/spf13/cobra"
)

// builtinFixtures answer every docbot task with a plausible response.
var builtinFixtures = map[string][]string{
	"mock-questions": {`["Which app version shows the new setting?","Is the option available on both iOS and Android?"]`},
	"mock-content": {`{
  "title": "How to enable dark mode",
  "problem": "Users want a darker theme for night use.",
  "solution": "Dark mode is switched on from the Appearance settings.",
  "steps": [
    {"number": 1, "description": "Open Settings from the profile tab.", "image_prompt": "Profile tab with a Settings row highlighted", "platform": "both"},
    {"number": 2, "description": "Tap Appearance and choose Dark."}
  ],
  "notes": "Requires app version 5.2 or later.",
  "tags": ["settings", "appearance"]
}`},
	"mock-refine": {`{
  "title": "How to turn on dark mode",
  "problem": "Users want a darker theme for night use.",
  "solution": "Dark mode is switched on from the Appearance settings.",
  "steps": [
    {"number": 1, "description": "Open Settings from the profile tab."},
    {"number": 2, "description": "Tap Appearance and choose Dark."}
  ],
  "tags": ["settings"]
}`},
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest is a served request kept for inspection via /requests.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string
	logger   *slog.Logger

	mu       sync.Mutex
	total    int
	calls    map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		calls:    make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		addr       string
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "OpenAI-compatible LLM stand-in for offline docbot runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}

			fixtures, err := mergeFixtures(fixtureDir)
			if err != nil {
				return err
			}
			for name, seq := range fixtures {
				logger.Info("Serving model", "model", name, "fixtures", len(seq))
			}

			srv := &http.Server{Addr: addr, Handler: newServer(fixtures, logger).routes(), ReadHeaderTimeout: 5 * time.Second}
			logger.Info("Mock LLM listening", "addr", addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of <model>[.N].json fixtures (overrides built-ins)")
	cmd.Flags().StringVar(&addr, "addr", ":11434", "Listen address")

	var baseURL string
	models := &cobra.Command{
		Use:   "models",
		Short: "Print a docbot model registry that targets this server",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(registryConfig(baseURL))
		},
	}
	models.Flags().StringVar(&baseURL, "url", "http://localhost:11434/v1", "Base URL docbot should call")
	cmd.AddCommand(models)

	return cmd
}

// registryConfig routes each docbot task to its mock model.
func registryConfig(baseURL string) model.RegistryConfig {
	cfg := model.RegistryConfig{
		Routes:    make(map[string]*model.RouteConfig),
		Endpoints: make(map[string]*model.EndpointConfig),
		Default:   "mock-questions",
	}
	for _, task := range []model.Task{model.TaskQuestions, model.TaskContent, model.TaskRefine} {
		name := "mock-" + string(task)
		cfg.Routes[string(task)] = &model.RouteConfig{Preferred: []string{name}}
		cfg.Endpoints[name] = &model.EndpointConfig{Provider: "openai", URL: baseURL, Model: name}
	}
	return cfg
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	seq, ok := s.fixtures[req.Model]
	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.total++
	index := s.calls[req.Model]
	s.calls[req.Model]++
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: index + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	content := seq[min(index, len(seq)-1)]
	s.logger.Debug("Serving completion", "model", req.Model, "call", index+1, "bytes", len(content))

	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]entry, 0, len(names))
	for _, name := range names {
		data = append(data, entry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": data})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	for name, n := range s.calls {
		byModel[name] = n
	}
	total := s.total
	s.mu.Unlock()

	writeJSON(w, map[string]any{"total_calls": total, "calls_by_model": byModel})
}

// handleRequests returns captured requests, optionally filtered by the
// "model" and 1-based "call" query parameters.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	call, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for name, reqs := range s.requests {
		if modelFilter != "" && name != modelFilter {
			continue
		}
		for _, req := range reqs {
			if call == 0 || req.CallIndex == call {
				result[name] = append(result[name], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// mergeFixtures layers the fixtures in dir over the built-ins.
func mergeFixtures(dir string) (map[string][]string, error) {
	fixtures := make(map[string][]string, len(builtinFixtures))
	for name, seq := range builtinFixtures {
		fixtures[name] = seq
	}
	if dir == "" {
		return fixtures, nil
	}

	loaded, err := loadFixtures(dir)
	if err != nil {
		return nil, err
	}
	for name, seq := range loaded {
		fixtures[name] = seq
	}
	return fixtures, nil
}

var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads <model>.N.json files in numeric order followed by the
// base <model>.json.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][index] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for name, files := range numbered {
		indices := make([]int, 0, len(files))
		for i := range files {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			fixtures[name] = append(fixtures[name], files[i])
		}
	}
	for name, content := range base {
		fixtures[name] = append(fixtures[name], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
