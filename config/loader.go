package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "docbot.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/docbot"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// DotenvFile holds secrets next to the project config
	DotenvFile = ".env"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger     *slog.Logger
	configFile string
	workDir    string
	homeDir    string
	lookupEnv  func(string) (string, bool)
	setenv     func(string, string) error

	sources []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile adds an explicit config file that overrides user and project files.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// WithWorkDir sets where the project config and .env are searched from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) { l.workDir = dir }
}

// WithHomeDir sets the home directory holding the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// WithEnv replaces process environment access.
func WithEnv(lookup func(string) (string, bool), set func(string, string) error) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = lookup
		l.setenv = set
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		logger:    logger,
		lookupEnv: os.LookupEnv,
		setenv:    os.Setenv,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/docbot/config.yaml)
// 3. Project config (docbot.yaml in the working or parent directories)
// 4. Explicit config file
// 5. .env next to the project config (never overrides the process environment)
// 6. Environment variables
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadSettings()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSettings is Load without credential checks.
func (l *Loader) LoadSettings() (*Config, error) {
	config := DefaultConfig()
	l.sources = nil

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		l.overlay(config, userConfigPath, false)
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		l.overlay(config, projectConfigPath, false)
	} else {
		l.logger.Debug("No project config found")
	}

	if l.configFile != "" {
		if err := l.overlay(config, l.configFile, true); err != nil {
			return nil, err
		}
	}

	dotenvDir := l.workDir
	if projectConfigPath != "" {
		dotenvDir = filepath.Dir(projectConfigPath)
	}
	l.loadDotenv(filepath.Join(dotenvDir, DotenvFile))

	l.applyEnv(config)

	if err := config.ValidateSettings(); err != nil {
		return nil, err
	}
	return config, nil
}

// Sources returns the config files read by the last load, in precedence order.
func (l *Loader) Sources() []string {
	return append([]string(nil), l.sources...)
}

func (l *Loader) overlay(config *Config, path string, required bool) error {
	other, err := loadOverlay(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		if required {
			return err
		}
		l.logger.Warn("Failed to load config", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	l.logger.Debug("Loaded config", slog.String("path", path))
	config.Merge(other)
	l.sources = append(l.sources, path)
	return nil
}

// loadDotenv exports .env entries that the process environment does not
// already define. LLM provider keys are read from the environment directly.
func (l *Loader) loadDotenv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to read .env", slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	for k, v := range values {
		if _, ok := l.lookupEnv(k); ok {
			continue
		}
		if err := l.setenv(k, v); err != nil {
			l.logger.Warn("Failed to export .env value", slog.String("key", k), slog.String("error", err.Error()))
		}
	}
	l.logger.Debug("Loaded .env", slog.String("path", path), slog.Int("count", len(values)))
}

// envBindings maps environment variables onto config fields.
func envBindings(c *Config) map[string]*string {
	return map[string]*string{
		"SLACK_BOT_TOKEN":       &c.Slack.BotToken,
		"SLACK_APP_TOKEN":       &c.Slack.AppToken,
		"JIRA_BASE_URL":         &c.Jira.BaseURL,
		"JIRA_EMAIL":            &c.Jira.Email,
		"JIRA_API_TOKEN":        &c.Jira.Token,
		"CONFLUENCE_BASE_URL":   &c.Confluence.BaseURL,
		"CONFLUENCE_EMAIL":      &c.Confluence.Email,
		"CONFLUENCE_API_TOKEN":  &c.Confluence.Token,
		"CONFLUENCE_SPACE_KEY":  &c.Confluence.SpaceKey,
		"GOOGLE_CLOUD_PROJECT":  &c.Images.Imagen.ProjectID,
		"MINIO_ACCESS_KEY":      &c.Assets.AccessKey,
		"MINIO_SECRET_KEY":      &c.Assets.SecretKey,
		"NATS_URL":              &c.NATS.URL,
		"DOCBOT_LOG_LEVEL":      &c.Log.Level,
		"DOCBOT_METRICS_ADDR":   &c.Metrics.Addr,
		"DOCBOT_CHANGES_POLICY": &c.Workflow.ChangesPolicy,
	}
}

func (l *Loader) applyEnv(config *Config) {
	for name, field := range envBindings(config) {
		if v, ok := l.lookupEnv(name); ok && v != "" {
			*field = v
		}
	}

	// Confluence Cloud usually shares the Atlassian account with Jira.
	if config.Confluence.Email == "" {
		config.Confluence.Email = config.Jira.Email
	}
	if config.Confluence.Token == "" {
		config.Confluence.Token = config.Jira.Token
	}

	if v, ok := l.lookupEnv("SLACK_WATCHED_CHANNELS"); ok && v != "" {
		var channels []string
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
		config.Slack.WatchedChannels = channels
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return errors.New("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for docbot.yaml in the working and parent directories
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}

	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
