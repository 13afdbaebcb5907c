package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type userIDKey struct{}

// WithUserID returns a context carrying the id of the user a call is made for.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the user id stored by WithUserID.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// KeySource looks up a user's own API key. An empty key means the user has
// not configured one.
type KeySource interface {
	UserAPIKey(userID string) string
}

// ClientFactory builds a model client for an API key.
type ClientFactory func(ctx context.Context, apiKey string) (Client, error)

// GeminiFactory returns a ClientFactory creating GeminiClients from cfg with
// the API key replaced.
func GeminiFactory(cfg GeminiConfig) ClientFactory {
	return func(ctx context.Context, apiKey string) (Client, error) {
		c := cfg
		c.APIKey = apiKey
		return NewGeminiClient(ctx, c)
	}
}

// Provider routes each call to a client built for the calling user's API key,
// falling back to the server key. Clients are cached per key.
type Provider struct {
	keys       KeySource
	defaultKey string
	factory    ClientFactory

	mu      sync.Mutex
	clients map[string]Client
}

// NewProvider creates a Provider. keys may be nil when only the server key
// is used.
func NewProvider(keys KeySource, defaultKey string, factory ClientFactory) *Provider {
	return &Provider{
		keys:       keys,
		defaultKey: defaultKey,
		factory:    factory,
		clients:    make(map[string]Client),
	}
}

func (p *Provider) keyFor(ctx context.Context) string {
	if p.keys != nil {
		if userID := UserIDFrom(ctx); userID != "" {
			if key := p.keys.UserAPIKey(userID); key != "" {
				return key
			}
		}
	}
	return p.defaultKey
}

// ClientFor returns the client for the user in ctx.
func (p *Provider) ClientFor(ctx context.Context) (Client, error) {
	key := p.keyFor(ctx)
	if key == "" {
		return nil, ErrNoAPIKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	p.clients[key] = c
	log.Debug().Str("userId", UserIDFrom(ctx)).Int("clients", len(p.clients)).Msg("created model client")
	return c, nil
}

// Forget drops the cached client for key, e.g. after a user replaces theirs.
func (p *Provider) Forget(key string) {
	p.mu.Lock()
	delete(p.clients, key)
	p.mu.Unlock()
}

func (p *Provider) Analyze(ctx context.Context, images []Image) (*Analysis, error) {
	c, err := p.ClientFor(ctx)
	if err != nil {
		return nil, err
	}
	return c.Analyze(ctx, images)
}

func (p *Provider) GenerateListing(ctx context.Context, req GenerateRequest) (*ListingDraft, error) {
	c, err := p.ClientFor(ctx)
	if err != nil {
		return nil, err
	}
	return c.GenerateListing(ctx, req)
}

func (p *Provider) SuggestPrice(ctx context.Context, analysis *Analysis, lc ListingContext) (*PriceSuggestion, error) {
	c, err := p.ClientFor(ctx)
	if err != nil {
		return nil, err
	}
	return c.SuggestPrice(ctx, analysis, lc)
}
