// Package config provides configuration loading and management for docbot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/docbot/assets"
	"github.com/c360studio/docbot/render"
	"github.com/c360studio/docbot/wiki"
	"github.com/c360studio/docbot/workflow"
	"gopkg.in/yaml.v3"
)

// Config represents the complete docbot configuration.
// Secrets carry yaml:"-" and only come from the environment or .env.
type Config struct {
	Slack      SlackConfig    `yaml:"slack"`
	Jira       JiraConfig     `yaml:"jira"`
	Confluence wiki.Config    `yaml:"confluence"`
	LLM        LLMConfig      `yaml:"llm"`
	Images     ImagesConfig   `yaml:"images"`
	Assets     assets.Config  `yaml:"assets"`
	Workflow   WorkflowConfig `yaml:"workflow"`
	Metrics    MetricsConfig  `yaml:"metrics"`
	NATS       NATSConfig     `yaml:"nats"`
	Log        LogConfig      `yaml:"log"`
}

// SlackConfig configures the Slack connection.
type SlackConfig struct {
	BotToken string `yaml:"-"`
	AppToken string `yaml:"-"`
	// WatchedChannels start conversations from plain ticket references.
	WatchedChannels []string `yaml:"watched_channels"`
}

// JiraConfig configures the ticket tracker.
type JiraConfig struct {
	BaseURL string `yaml:"base_url"`
	Email   string `yaml:"email"`
	Token   string `yaml:"-"`
}

// LLMConfig configures content generation.
type LLMConfig struct {
	// ModelsFile is a JSON model registry; empty uses the built-in routes.
	ModelsFile string `yaml:"models_file"`
	// MaxQuestions caps clarifying questions (0 disables them).
	MaxQuestions int `yaml:"max_questions"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds a single HTTP request to a model endpoint.
	Timeout time.Duration `yaml:"timeout"`
}

// ImagesConfig configures mockup rendering.
type ImagesConfig struct {
	// Backend is "imagen" or "none".
	Backend string `yaml:"backend"`
	// Label draws a step/platform caption onto each image. Unset means true.
	Label  *bool               `yaml:"label"`
	Imagen render.ImagenConfig `yaml:"imagen"`
}

// LabelEnabled reports whether images get a caption.
func (c ImagesConfig) LabelEnabled() bool {
	return c.Label == nil || *c.Label
}

// WorkflowConfig tunes the conversation state machine.
type WorkflowConfig struct {
	ImagePacing   time.Duration `yaml:"image_pacing"`
	CompletedTTL  time.Duration `yaml:"completed_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ChangesPolicy is refine, merge or replace.
	ChangesPolicy string `yaml:"changes_policy"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// NATSConfig configures audit event publication.
type NATSConfig struct {
	// URL is the NATS server URL (empty disables audit events).
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	opts := workflow.DefaultOptions()
	return &Config{
		LLM: LLMConfig{
			MaxQuestions: 3,
			Temperature:  0.3,
			Timeout:      2 * time.Minute,
		},
		Images: ImagesConfig{
			Backend: "imagen",
			Imagen: render.ImagenConfig{
				Location: "us-central1",
				Model:    "imagen-3.0-generate-002",
			},
		},
		Assets: assets.Config{
			Backend: "fs",
			Dir:     "data/images",
		},
		Workflow: WorkflowConfig{
			ImagePacing:   opts.ImagePacing,
			CompletedTTL:  opts.CompletedTTL,
			SweepInterval: opts.SweepInterval,
			ChangesPolicy: string(opts.ChangesPolicy),
		},
		Metrics: MetricsConfig{
			Namespace: "docbot",
		},
		NATS: NATSConfig{
			SubjectPrefix: "docbot",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack bot token is required (SLACK_BOT_TOKEN)")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack app token is required (SLACK_APP_TOKEN)")
	}
	if c.Jira.BaseURL == "" {
		return fmt.Errorf("jira.base_url is required")
	}
	if c.Jira.Token == "" {
		return fmt.Errorf("jira token is required (JIRA_API_TOKEN)")
	}
	if c.Confluence.BaseURL == "" {
		return fmt.Errorf("confluence.base_url is required")
	}
	if c.Confluence.SpaceKey == "" {
		return fmt.Errorf("confluence.space_key is required")
	}
	if c.Confluence.Token == "" {
		return fmt.Errorf("confluence token is required (CONFLUENCE_API_TOKEN)")
	}
	if c.Images.Backend == "imagen" && c.Images.Imagen.ProjectID == "" {
		return fmt.Errorf("images.imagen.project_id is required for the imagen backend")
	}
	return c.ValidateSettings()
}

// ValidateSettings checks everything except credentials. Commands that do
// not talk to every service use it.
func (c *Config) ValidateSettings() error {
	if c.LLM.MaxQuestions < 0 {
		return fmt.Errorf("llm.max_questions must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	switch c.Images.Backend {
	case "imagen", "none":
	default:
		return fmt.Errorf("images.backend must be imagen or none, got %q", c.Images.Backend)
	}
	switch c.Assets.Backend {
	case "", "fs", "s3", "minio":
	default:
		return fmt.Errorf("assets.backend must be fs, s3 or minio, got %q", c.Assets.Backend)
	}
	if (c.Assets.Backend == "s3" || c.Assets.Backend == "minio") && c.Assets.Bucket == "" {
		return fmt.Errorf("assets.bucket is required for the %s backend", c.Assets.Backend)
	}
	if c.Workflow.ImagePacing < 0 || c.Workflow.CompletedTTL < 0 || c.Workflow.SweepInterval < 0 {
		return fmt.Errorf("workflow durations must not be negative")
	}
	if _, err := workflow.ParseChangesPolicy(c.Workflow.ChangesPolicy); err != nil {
		return fmt.Errorf("workflow.changes_policy: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// WorkflowOptions converts the workflow section.
func (c *Config) WorkflowOptions() workflow.Options {
	policy, _ := workflow.ParseChangesPolicy(c.Workflow.ChangesPolicy)
	return workflow.Options{
		ImagePacing:   c.Workflow.ImagePacing,
		CompletedTTL:  c.Workflow.CompletedTTL,
		SweepInterval: c.Workflow.SweepInterval,
		ChangesPolicy: policy,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// loadOverlay parses a YAML file without defaults so Merge sees only what
// the file sets.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file. Secrets are never written.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Slack
	setString(&c.Slack.BotToken, other.Slack.BotToken)
	setString(&c.Slack.AppToken, other.Slack.AppToken)
	if len(other.Slack.WatchedChannels) > 0 {
		c.Slack.WatchedChannels = other.Slack.WatchedChannels
	}

	// Jira
	setString(&c.Jira.BaseURL, other.Jira.BaseURL)
	setString(&c.Jira.Email, other.Jira.Email)
	setString(&c.Jira.Token, other.Jira.Token)

	// Confluence
	setString(&c.Confluence.BaseURL, other.Confluence.BaseURL)
	setString(&c.Confluence.Email, other.Confluence.Email)
	setString(&c.Confluence.Token, other.Confluence.Token)
	setString(&c.Confluence.SpaceKey, other.Confluence.SpaceKey)
	setString(&c.Confluence.ParentID, other.Confluence.ParentID)

	// LLM
	setString(&c.LLM.ModelsFile, other.LLM.ModelsFile)
	if other.LLM.MaxQuestions != 0 {
		c.LLM.MaxQuestions = other.LLM.MaxQuestions
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	// Images
	setString(&c.Images.Backend, other.Images.Backend)
	if other.Images.Label != nil {
		v := *other.Images.Label
		c.Images.Label = &v
	}
	setString(&c.Images.Imagen.ProjectID, other.Images.Imagen.ProjectID)
	setString(&c.Images.Imagen.Location, other.Images.Imagen.Location)
	setString(&c.Images.Imagen.Model, other.Images.Imagen.Model)
	setString(&c.Images.Imagen.CredentialsFile, other.Images.Imagen.CredentialsFile)

	// Assets
	setString(&c.Assets.Backend, other.Assets.Backend)
	setString(&c.Assets.Dir, other.Assets.Dir)
	setString(&c.Assets.Bucket, other.Assets.Bucket)
	setString(&c.Assets.Prefix, other.Assets.Prefix)
	setString(&c.Assets.Region, other.Assets.Region)
	setString(&c.Assets.Endpoint, other.Assets.Endpoint)
	setString(&c.Assets.AccessKey, other.Assets.AccessKey)
	setString(&c.Assets.SecretKey, other.Assets.SecretKey)
	if other.Assets.UseSSL {
		c.Assets.UseSSL = true
	}

	// Workflow
	if other.Workflow.ImagePacing != 0 {
		c.Workflow.ImagePacing = other.Workflow.ImagePacing
	}
	if other.Workflow.CompletedTTL != 0 {
		c.Workflow.CompletedTTL = other.Workflow.CompletedTTL
	}
	if other.Workflow.SweepInterval != 0 {
		c.Workflow.SweepInterval = other.Workflow.SweepInterval
	}
	setString(&c.Workflow.ChangesPolicy, other.Workflow.ChangesPolicy)

	// Metrics
	setString(&c.Metrics.Addr, other.Metrics.Addr)
	setString(&c.Metrics.Namespace, other.Metrics.Namespace)

	// NATS
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.SubjectPrefix, other.NATS.SubjectPrefix)

	// Log
	setString(&c.Log.Level, other.Log.Level)
	setString(&c.Log.Format, other.Log.Format)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
