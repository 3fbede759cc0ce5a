package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/docbot/assets"
	"github.com/c360studio/docbot/audit"
	"github.com/c360studio/docbot/bot"
	"github.com/c360studio/docbot/config"
	"github.com/c360studio/docbot/generate"
	"github.com/c360studio/docbot/llm"
	_ "github.com/c360studio/docbot/llm/providers" // registers provider adapters
	"github.com/c360studio/docbot/metrics"
	"github.com/c360studio/docbot/model"
	"github.com/c360studio/docbot/render"
	"github.com/c360studio/docbot/slack"
	"github.com/c360studio/docbot/ticket"
	"github.com/c360studio/docbot/wiki"
	"github.com/c360studio/docbot/workflow"
	"github.com/nats-io/nats.go"
)

// App wires the collaborators around the conversation workflow.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	nc      *nats.Conn
	slack   *slack.Client
	socket  *slack.SocketClient
	flow    *workflow.Workflow
	watcher *config.Watcher
}

// AppOption configures an App.
type AppOption func(*appOptions)

type appOptions struct {
	slack []slack.ClientOption
}

// withSlackOptions passes options to the Slack Web API client.
func withSlackOptions(opts ...slack.ClientOption) AppOption {
	return func(o *appOptions) { o.slack = append(o.slack, opts...) }
}

// NewApp builds every component from cfg. Nothing talks to Slack until Run.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(cfg.Metrics.Namespace),
	}

	registry, err := loadRegistry(cfg.LLM.ModelsFile)
	if err != nil {
		return nil, err
	}
	completer := llm.NewClient(registry,
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
		llm.WithLogger(logger),
		llm.WithObserver(a.metrics))
	generator := generate.New(completer,
		generate.WithLogger(logger),
		generate.WithMaxQuestions(cfg.LLM.MaxQuestions),
		generate.WithTemperature(cfg.LLM.Temperature))

	store, err := assets.New(ctx, cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("init asset store: %w", err)
	}

	backend, err := imageBackend(ctx, cfg.Images)
	if err != nil {
		return nil, err
	}
	images := render.NewService(backend, store,
		render.WithPlatformLabel(cfg.Images.LabelEnabled()),
		render.WithLogger(logger))

	tickets := ticket.NewJiraClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.Token, ticket.WithLogger(logger))
	publisher := wiki.New(cfg.Confluence, store, wiki.WithLogger(logger))

	a.slack = slack.NewClient(cfg.Slack.BotToken, append([]slack.ClientOption{slack.WithLogger(logger)}, o.slack...)...)
	a.socket = slack.NewSocketClient(a.slack, cfg.Slack.AppToken, slack.WithSocketLogger(logger))

	recorders := workflow.Recorders{a.metrics}
	if cfg.NATS.URL != "" {
		nc, err := audit.Connect(cfg.NATS.URL, logger)
		if err != nil {
			// Audit events are optional; the bot runs without them.
			logger.Warn("NATS unavailable, audit events disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			a.nc = nc
			recorders = append(recorders, audit.NewPublisher(nc, cfg.NATS.SubjectPrefix, audit.WithLogger(logger)))
		}
	}

	a.flow = workflow.New(workflow.Collaborators{
		Tickets:   tickets,
		Generator: generator,
		Images:    images,
		Publisher: publisher,
		Messenger: a.slack,
		Assets:    store,
	}, cfg.WorkflowOptions(),
		workflow.WithLogger(logger),
		workflow.WithRecorder(recorders))

	return a, nil
}

func loadRegistry(path string) (*model.Registry, error) {
	if path == "" {
		return model.NewDefaultRegistry(), nil
	}
	registry, err := model.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	return registry, nil
}

func imageBackend(ctx context.Context, cfg config.ImagesConfig) (render.Backend, error) {
	if cfg.Backend == "none" {
		return render.Disabled{}, nil
	}
	imagen, err := render.NewImagen(ctx, cfg.Imagen)
	if err != nil {
		return nil, fmt.Errorf("init imagen: %w", err)
	}
	return imagen, nil
}

// OnReload watches the loader's config files and calls fn with each valid
// reload once Run starts.
func (a *App) OnReload(loader *config.Loader, fn func(*config.Config)) {
	a.watcher = config.NewWatcher(loader, fn)
}

// Run connects to Slack and serves events until ctx is done or a component
// fails.
func (a *App) Run(ctx context.Context) error {
	id, err := a.slack.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.logger.Info("Authenticated with Slack", "team", id.Team, "user_id", id.UserID, "bot_id", id.BotID)

	router := bot.NewRouter(a.flow, a.slack, bot.Config{
		BotUserID:       id.UserID,
		BotID:           id.BotID,
		WatchedChannels: a.cfg.Slack.WatchedChannels,
	}, bot.WithLogger(a.logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("Component stopped", "component", name, "error", err)
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	spawn("sweeper", a.flow.Run)
	spawn("socket", func(ctx context.Context) error { return a.socket.Run(ctx, router.Handle) })
	if addr := a.cfg.Metrics.Addr; addr != "" {
		spawn("metrics", func(ctx context.Context) error { return a.metrics.Serve(ctx, addr, a.logger) })
	}
	if a.watcher != nil {
		spawn("config-watcher", a.watcher.Run)
	}

	<-ctx.Done()
	wg.Wait()

	a.logger.Info("Waiting for in-flight events")
	waitTimeout(router.Wait, 30*time.Second, a.logger)

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// Close releases connections held by the App.
func (a *App) Close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
}

func waitTimeout(wait func(), d time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Warn("Gave up waiting for in-flight events", "timeout", d)
	}
}
