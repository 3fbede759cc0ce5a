// Package metrics exports conversation and LLM metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/docbot/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	ConversationsStarted  prometheus.Counter
	ConversationsFinished *prometheus.CounterVec
	ConversationsActive   prometheus.Gauge
	StageTransitions      *prometheus.CounterVec
	ImageRenders          *prometheus.CounterVec
	PublishAttempts       *prometheus.CounterVec
	LLMRequestDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		ConversationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_started_total",
			Help:      "Conversations that began fetching a ticket",
		}),
		ConversationsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_finished_total",
			Help:      "Conversations that ended, by outcome",
		}, []string{"outcome"}),
		ConversationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Conversations currently in progress",
		}),
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions by target stage",
		}, []string{"stage"}),
		ImageRenders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_renders_total",
			Help:      "Image render attempts by platform and result",
		}, []string{"platform", "result"}),
		PublishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Wiki publish attempts by result",
		}, []string{"result"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request latency by task, endpoint and result",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"task", "endpoint", "result"}),
		registry: reg,
	}
}

// Record implements workflow.Recorder.
func (m *Metrics) Record(_ context.Context, ev workflow.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case workflow.EventStage:
		m.StageTransitions.WithLabelValues(string(ev.Stage)).Inc()
		if ev.Stage == workflow.StageFetching {
			m.ConversationsStarted.Inc()
			m.ConversationsActive.Inc()
		}
	case workflow.EventImage:
		m.ImageRenders.WithLabelValues(string(ev.Platform), result(ev.Err)).Inc()
	case workflow.EventPublish:
		m.PublishAttempts.WithLabelValues(result(ev.Err)).Inc()
	case workflow.EventFinished:
		m.ConversationsFinished.WithLabelValues(string(ev.Outcome)).Inc()
		m.ConversationsActive.Dec()
	}
}

// ObserveLLMRequest implements llm.Observer.
func (m *Metrics) ObserveLLMRequest(task, endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(task, endpoint, result(err)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
