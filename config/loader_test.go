package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnv is an in-memory process environment.
type fakeEnv struct {
	mu   sync.Mutex
	vars map[string]string
}

func newFakeEnv(vars map[string]string) *fakeEnv {
	if vars == nil {
		vars = map[string]string{}
	}
	return &fakeEnv{vars: vars}
}

func (e *fakeEnv) lookup(k string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[k]
	return v, ok
}

func (e *fakeEnv) set(k, v string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[k] = v
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func secretEnv() map[string]string {
	return map[string]string{
		"SLACK_BOT_TOKEN":      "xoxb-env",
		"SLACK_APP_TOKEN":      "xapp-env",
		"JIRA_API_TOKEN":       "jira-env",
		"GOOGLE_CLOUD_PROJECT": "acme-docs",
	}
}

func TestLoader_LayeredPrecedence(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	sub := filepath.Join(project, "deploy", "bot")
	require.NoError(t, os.MkdirAll(sub, 0755))

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
jira:
  base_url: https://user.atlassian.net
  email: user@acme.io
log:
  level: debug
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
jira:
  base_url: https://project.atlassian.net
confluence:
  base_url: https://project.atlassian.net/wiki
  space_key: DOCS
`)
	explicit := filepath.Join(t.TempDir(), "override.yaml")
	writeFile(t, explicit, `
workflow:
  changes_policy: replace
`)

	env := newFakeEnv(secretEnv())
	l := NewLoader(slog.Default(),
		WithHomeDir(home), WithWorkDir(sub), WithConfigFile(explicit), WithEnv(env.lookup, env.set))

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://project.atlassian.net", cfg.Jira.BaseURL)
	assert.Equal(t, "user@acme.io", cfg.Jira.Email)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "replace", cfg.Workflow.ChangesPolicy)
	assert.Equal(t, "xoxb-env", cfg.Slack.BotToken)

	// Confluence falls back to the Atlassian account used for Jira.
	assert.Equal(t, "user@acme.io", cfg.Confluence.Email)
	assert.Equal(t, "jira-env", cfg.Confluence.Token)

	assert.Equal(t, []string{
		filepath.Join(home, UserConfigDir, UserConfigFile),
		filepath.Join(project, ProjectConfigFile),
		explicit,
	}, l.Sources())
}

func TestLoader_Dotenv(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
jira:
  base_url: https://acme.atlassian.net
confluence:
  base_url: https://acme.atlassian.net/wiki
  space_key: DOCS
`)
	writeFile(t, filepath.Join(project, DotenvFile), `
SLACK_BOT_TOKEN=xoxb-dotenv
SLACK_APP_TOKEN=xapp-dotenv
JIRA_API_TOKEN=jira-dotenv
GEMINI_API_KEY=gemini-dotenv
SLACK_WATCHED_CHANNELS=C1, C2 ,
`)

	env := newFakeEnv(map[string]string{
		"SLACK_BOT_TOKEN":      "xoxb-process",
		"GOOGLE_CLOUD_PROJECT": "acme-docs",
	})
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(project), WithEnv(env.lookup, env.set))

	cfg, err := l.Load()
	require.NoError(t, err)

	// The process environment wins over .env.
	assert.Equal(t, "xoxb-process", cfg.Slack.BotToken)
	assert.Equal(t, "xapp-dotenv", cfg.Slack.AppToken)
	assert.Equal(t, []string{"C1", "C2"}, cfg.Slack.WatchedChannels)

	// Unbound keys are exported for components reading the environment.
	v, ok := env.lookup("GEMINI_API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "gemini-dotenv", v)
}

func TestLoader_MissingSecrets(t *testing.T) {
	env := newFakeEnv(nil)
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()), WithEnv(env.lookup, env.set))

	_, err := l.Load()
	assert.ErrorContains(t, err, "SLACK_BOT_TOKEN")

	cfg, err := l.LoadSettings()
	require.NoError(t, err)
	assert.Empty(t, l.Sources())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_ExplicitFileErrors(t *testing.T) {
	env := newFakeEnv(secretEnv())
	l := NewLoader(slog.Default(),
		WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()),
		WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")), WithEnv(env.lookup, env.set))

	_, err := l.LoadSettings()
	assert.Error(t, err)
}

func TestLoader_InvalidProjectFileIsSkipped(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectConfigFile), "jira: [broken")

	env := newFakeEnv(nil)
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(project), WithEnv(env.lookup, env.set))

	_, err := l.LoadSettings()
	require.NoError(t, err)
	assert.Empty(t, l.Sources())
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	l := NewLoader(slog.Default(), WithHomeDir(home))

	require.NoError(t, l.EnsureUserConfig())
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Workflow, cfg.Workflow)

	// Existing files are left alone.
	writeFile(t, path, "log:\n  level: error\n")
	require.NoError(t, l.EnsureUserConfig())
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	project := t.TempDir()
	path := filepath.Join(project, ProjectConfigFile)
	base := `
jira:
  base_url: https://acme.atlassian.net
confluence:
  base_url: https://acme.atlassian.net/wiki
  space_key: DOCS
`
	writeFile(t, path, base+"log:\n  level: info\n")

	env := newFakeEnv(secretEnv())
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(project), WithEnv(env.lookup, env.set))
	_, err := l.Load()
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w := NewWatcher(l, func(c *Config) { reloaded <- c })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(project, "unrelated.txt"), "x")
	writeFile(t, path, base+"log:\n  level: debug\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	project := t.TempDir()
	path := filepath.Join(project, ProjectConfigFile)
	writeFile(t, path, "log:\n  level: info\n")

	env := newFakeEnv(secretEnv())
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(project), WithEnv(env.lookup, env.set))
	_, err := l.LoadSettings()
	require.NoError(t, err)

	called := false
	w := NewWatcher(l, func(*Config) { called = true })
	writeFile(t, path, "log:\n  level: loud\n")
	w.reload()
	assert.False(t, called)
}

func TestWatcher_NoSources(t *testing.T) {
	l := NewLoader(slog.Default(), WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()), WithEnv(newFakeEnv(nil).lookup, nil))
	w := NewWatcher(l, func(*Config) {})
	assert.NoError(t, w.Run(context.Background()))
}
