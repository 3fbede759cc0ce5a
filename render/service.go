package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/assets"
)

// Service renders images and stores them as assets.
type Service struct {
	backend Backend
	store   assets.Store
	label   bool
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPlatformLabel captions each image with its step and platform.
func WithPlatformLabel(enabled bool) Option {
	return func(s *Service) { s.label = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(backend Backend, store assets.Store, opts ...Option) *Service {
	s := &Service{backend: backend, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RenderImage renders one step/platform image and stores it under
// <namespace>/step-<n>-<platform>.png.
func (s *Service) RenderImage(ctx context.Context, req article.ImageRequest) (*article.Image, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("step %d: image prompt is required", req.Step)
	}
	if req.Platform != article.PlatformIOS && req.Platform != article.PlatformAndroid {
		return nil, fmt.Errorf("step %d: cannot render for platform %q", req.Step, req.Platform)
	}

	data, err := s.backend.Generate(ctx, req.Prompt, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("render step %d %s: %w", req.Step, req.Platform, err)
	}

	if s.label {
		caption := fmt.Sprintf("Step %d - %s", req.Step, req.Platform.Label())
		labeled, err := Overlay(data, caption)
		if err != nil {
			s.logger.Warn("Failed to label image, keeping original",
				"step", req.Step, "platform", req.Platform, "error", err)
		} else {
			data = labeled
		}
	}

	filename := req.Filename()
	location, err := s.store.Put(ctx, path.Join(req.Namespace, filename), data, "image/png")
	if err != nil {
		return nil, fmt.Errorf("store step %d %s: %w", req.Step, req.Platform, err)
	}

	return &article.Image{
		Step:        req.Step,
		Platform:    req.Platform,
		Location:    location,
		Prompt:      req.Prompt,
		Filename:    filename,
		ContentType: "image/png",
	}, nil
}

// ErrDisabled is returned by Disabled for every render.
var ErrDisabled = errors.New("image rendering is disabled")

// Disabled is a Backend for deployments without an image model. Every step
// image fails and drafts carry text only.
type Disabled struct{}

// Generate implements Backend.
func (Disabled) Generate(context.Context, string, article.Platform) ([]byte, error) {
	return nil, ErrDisabled
}
