package model

import (
	"sync"
)

// Registry maps tasks to endpoint chains.
type Registry struct {
	mu        sync.RWMutex
	routes    map[Task]*RouteConfig
	endpoints map[string]*EndpointConfig
	fallback  string
	health    *healthState
}

// RouteConfig defines model preferences for a task.
type RouteConfig struct {
	// Preferred lists endpoint names in order of preference.
	Preferred []string `json:"preferred"`

	// Fallback lists backup endpoints tried after every preferred one failed.
	Fallback []string `json:"fallback,omitempty"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the adapter name (anthropic, gemini, ollama, openai).
	Provider string `json:"provider"`

	// URL overrides the provider's default base URL.
	URL string `json:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model"`

	// MaxTokens caps the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature overrides the provider default when set.
	Temperature *float64 `json:"temperature,omitempty"`
}

// NewRegistry creates a registry from routes and endpoints. fallback names the
// endpoint used for tasks without a route.
func NewRegistry(routes map[Task]*RouteConfig, endpoints map[string]*EndpointConfig, fallback string) *Registry {
	if routes == nil {
		routes = make(map[Task]*RouteConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		routes:    routes,
		endpoints: endpoints,
		fallback:  fallback,
		health:    newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry routes every task to Gemini with an Anthropic fallback.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		map[Task]*RouteConfig{
			TaskQuestions: {Preferred: []string{"gemini-flash"}, Fallback: []string{"claude-haiku"}},
			TaskContent:   {Preferred: []string{"gemini-pro"}, Fallback: []string{"claude-sonnet"}},
			TaskRefine:    {Preferred: []string{"gemini-pro"}, Fallback: []string{"claude-sonnet"}},
		},
		map[string]*EndpointConfig{
			"gemini-flash":  {Provider: "gemini", Model: "gemini-2.0-flash"},
			"gemini-pro":    {Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 8192},
			"claude-haiku":  {Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
			"claude-sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-20250514", MaxTokens: 8192},
		},
		"gemini-flash",
	)
}

// Chain returns all endpoint names for a task in order of preference.
func (r *Registry) Chain(task Task) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.routes[task]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		if len(chain) > 0 {
			return chain
		}
	}
	if r.fallback == "" {
		return nil
	}
	return []string{r.fallback}
}

// Endpoint returns the configuration for an endpoint name, or nil.
func (r *Registry) Endpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetRoute updates or adds the route for a task.
func (r *Registry) SetRoute(task Task, cfg *RouteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[task] = cfg
}

// SetEndpoint updates or adds an endpoint.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints[name] = cfg
}
