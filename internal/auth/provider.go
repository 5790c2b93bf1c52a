// Package auth supplies the bearer credential the sync core consumes
// and tells interested connections when it changes. Tokens are issued
// elsewhere; this package only holds, persists and rotates them.
package auth

import (
	"log/slog"
	"strings"
	"sync"
)

// TokenCache persists the current token between runs.
// *state.State satisfies this interface.
type TokenCache interface {
	SetToken(token string) error
}

// Provider holds the current bearer token and fans rotation out to
// registered listeners.
type Provider struct {
	mu        sync.RWMutex
	token     string
	listeners map[uint64]func()
	nextID    uint64

	cache  TokenCache
	logger *slog.Logger
}

// NewProvider returns a Provider seeded with token. cache may be nil.
func NewProvider(token string, cache TokenCache, logger *slog.Logger) *Provider {
	return &Provider{
		token:     strings.TrimSpace(token),
		listeners: make(map[uint64]func()),
		cache:     cache,
		logger:    logger,
	}
}

// Token returns the current bearer token.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.token
}

// OnRotate registers fn to run after each rotation and returns a func
// that removes it. Listeners run outside the provider's lock and must
// not block.
func (p *Provider) OnRotate(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Rotate replaces the token and notifies listeners. Empty or unchanged
// tokens are ignored; the return value reports whether a rotation
// happened.
func (p *Provider) Rotate(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}

	p.mu.Lock()
	if token == p.token {
		p.mu.Unlock()
		return false
	}

	p.token = token
	fns := make([]func(), 0, len(p.listeners))

	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.SetToken(token); err != nil {
			p.logger.Warn("failed to cache rotated token",
				slog.String("error", err.Error()),
			)
		}
	}

	p.logger.Info("credential rotated", slog.Int("listeners", len(fns)))

	for _, fn := range fns {
		fn()
	}

	return true
}

// Listeners returns the number of registered rotation listeners.
func (p *Provider) Listeners() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.listeners)
}
