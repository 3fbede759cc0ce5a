package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives decoded events. It runs on the read loop and must not
// block; slow work belongs in its own goroutine.
type Handler func(ctx context.Context, ev Event)

var errDisconnect = errors.New("server requested disconnect")

// SocketClient receives events over Socket Mode and reconnects when the
// connection drops.
type SocketClient struct {
	api      *Client
	appToken string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// SocketOption configures a SocketClient.
type SocketOption func(*SocketClient)

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) SocketOption {
	return func(s *SocketClient) { s.dialer = d }
}

// WithSocketLogger sets the logger.
func WithSocketLogger(l *slog.Logger) SocketOption {
	return func(s *SocketClient) { s.logger = l }
}

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(lo, hi time.Duration) SocketOption {
	return func(s *SocketClient) {
		s.minBackoff = lo
		s.maxBackoff = hi
	}
}

// NewSocketClient creates a Socket Mode client. api opens connections with
// the app-level token.
func NewSocketClient(api *Client, appToken string, opts ...SocketOption) *SocketClient {
	s := &SocketClient{
		api:        api,
		appToken:   appToken,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and delivers events to h until ctx is done.
func (s *SocketClient) Run(ctx context.Context, h Handler) error {
	attempt := 0
	for {
		connected, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		delay := s.backoff(attempt)
		attempt++
		s.logger.Warn("Socket Mode connection lost, reconnecting",
			"error", err, "attempt", attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff doubles from minBackoff up to maxBackoff with up to 20% jitter.
func (s *SocketClient) backoff(attempt int) time.Duration {
	d := s.minBackoff
	for i := 0; i < attempt && d < s.maxBackoff; i++ {
		d *= 2
	}
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// session runs one connection. connected reports whether the server said hello.
func (s *SocketClient) session(ctx context.Context, h Handler) (connected bool, err error) {
	wsURL, err := s.api.openConnection(ctx, s.appToken)
	if err != nil {
		return false, err
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial socket mode: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	var writeMu sync.Mutex
	ack := func(id string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(struct {
			EnvelopeID string `json:"envelope_id"`
		}{id})
	}

	conn.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, fmt.Errorf("read socket mode: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Ignoring malformed envelope", "error", err)
			continue
		}

		if env.EnvelopeID != "" {
			if err := ack(env.EnvelopeID); err != nil {
				return connected, fmt.Errorf("ack envelope: %w", err)
			}
		}

		switch env.Type {
		case envelopeHello:
			connected = true
			s.logger.Info("Socket Mode connected")
		case envelopeDisconnect:
			s.logger.Info("Socket Mode disconnect requested", "reason", env.Reason)
			return connected, errDisconnect
		default:
			events, err := decodeEnvelope(env)
			if err != nil {
				s.logger.Warn("Failed to decode envelope", "type", env.Type, "error", err)
				continue
			}
			for _, ev := range events {
				h(ctx, ev)
			}
		}
	}
}
