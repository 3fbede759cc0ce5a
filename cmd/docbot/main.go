// Package main provides the docbot binary entry point.
// Docbot turns tickets into reviewed wiki articles through a Slack thread.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/docbot/config"
	"github.com/c360studio/docbot/ticket"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docbot"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Ticket-to-wiki documentation bot",
		Long: `Docbot watches Slack for ticket references, asks a few clarifying
questions in the thread, drafts a how-to article with an LLM, renders
step mockups and publishes the approved article to Confluence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to Slack and serve conversations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBot(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
		parseCmd(),
		fetchCmd(&flags),
		initCmd(&flags),
	)

	return cmd
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <text>",
		Short: "Show the ticket reference docbot would extract from a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := ticket.ParseReference(strings.Join(args, " "))
			if !ok {
				return fmt.Errorf("no ticket reference found")
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func fetchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <ticket>",
		Short: "Fetch a ticket and print the summary the generator sees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := ticket.ParseReference(args[0])
			if !ok {
				return fmt.Errorf("no ticket reference in %q", args[0])
			}

			logger, _ := newLogger(cmd.ErrOrStderr(), flags.logFormat, flags.logLevel)
			cfg, err := config.NewLoader(logger, config.WithConfigFile(flags.configPath)).LoadSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Jira.BaseURL == "" || cfg.Jira.Token == "" {
				return fmt.Errorf("jira.base_url and JIRA_API_TOKEN are required")
			}

			jira := ticket.NewJiraClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.Token, ticket.WithLogger(logger))
			t, err := jira.Fetch(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), t.Summary())
			return nil
		},
	}
}

func initCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := newLogger(cmd.ErrOrStderr(), flags.logFormat, flags.logLevel)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	}
}

func runBot(ctx context.Context, flags globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap logger until the config says otherwise.
	logger, level := newLogger(os.Stderr, flags.logFormat, flags.logLevel)

	loader := config.NewLoader(logger, config.WithConfigFile(flags.configPath))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	format := firstNonEmpty(flags.logFormat, cfg.Log.Format)
	levelName := firstNonEmpty(flags.logLevel, cfg.Log.Level)
	logger, level = newLogger(os.Stderr, format, levelName)
	slog.SetDefault(logger)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// The --log-level flag pins the level; otherwise config edits apply live.
	if flags.logLevel == "" {
		app.OnReload(loader, func(c *config.Config) {
			if lvl, err := config.ParseLevel(c.Log.Level); err == nil {
				level.Set(lvl)
			}
		})
	}

	logger.Info("Docbot starting", "version", Version)
	start := time.Now()
	err = app.Run(ctx)
	logger.Info("Docbot stopped", "uptime", time.Since(start).Round(time.Second))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newLogger builds a text or JSON logger whose level can change at runtime.
func newLogger(w io.Writer, format, levelName string) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if lvl, err := config.ParseLevel(levelName); err == nil {
		level.Set(lvl)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), level
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
