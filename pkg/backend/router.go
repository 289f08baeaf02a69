package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Responder answers a prompt for a catalog model ID.
type Responder interface {
	GetResponse(ctx context.Context, modelID string, req Request) (*Response, error)
}

// Route binds a catalog model ID to a provider model name.
type Route struct {
	ModelID  string
	Provider Provider
	Model    string
}

type routeEntry struct {
	route  Route
	client Client
}

// Router dispatches requests by catalog model ID to the client of the
// model's provider. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]routeEntry
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]routeEntry)}
}

// Register adds or replaces the route for rt.ModelID.
func (r *Router) Register(rt Route, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[rt.ModelID] = routeEntry{route: rt, client: c}
}

// Routes returns the registered routes sorted by model ID.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, e := range r.routes {
		out = append(out, e.route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Route returns the route for modelID.
func (r *Router) Route(modelID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routes[modelID]
	return e.route, ok
}

// GetResponse implements Responder. req.Model is replaced by the route's
// provider model name.
func (r *Router) GetResponse(ctx context.Context, modelID string, req Request) (*Response, error) {
	r.mu.RLock()
	e, ok := r.routes[modelID]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Op: "Complete", Model: modelID, Err: ErrUnknownModel}
	}
	req.Model = e.route.Model
	return e.client.Complete(ctx, req)
}

// NewClient builds the client for provider p.
func NewClient(ctx context.Context, p Provider, cfg Config, log *zap.Logger) (Client, error) {
	switch p {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg, log)
	case ProviderOpenAI, ProviderXAI, ProviderOpenRouter:
		return NewOpenAIClient(p, cfg, log)
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

// ClientSet lazily builds one client per provider so that models sharing a
// provider share its rate limiter.
type ClientSet struct {
	configs map[Provider]Config
	log     *zap.Logger

	mu      sync.Mutex
	clients map[Provider]Client
}

// NewClientSet creates a ClientSet from per-provider configuration.
func NewClientSet(configs map[Provider]Config, log *zap.Logger) *ClientSet {
	return &ClientSet{configs: configs, log: log, clients: make(map[Provider]Client)}
}

// Client returns the client for p, building it on first use.
func (s *ClientSet) Client(ctx context.Context, p Provider) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[p]; ok {
		return c, nil
	}
	cfg, ok := s.configs[p]
	if !ok {
		cfg = DefaultConfig()
	}
	c, err := NewClient(ctx, p, cfg, s.log)
	if err != nil {
		return nil, err
	}
	s.clients[p] = c
	return c, nil
}
