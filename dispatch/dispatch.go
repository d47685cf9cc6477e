// Package dispatch delivers alert messages to output channels via pluggable providers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers text to a channel.
	Send(ctx context.Context, channelID, text string) error
}

// Router sends each channel's messages through the provider registered for it.
type Router struct {
	providers map[string]Provider
	fallback  Provider
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewRouter creates a router. fallback handles channels with no provider of their own.
func NewRouter(fallback Provider, logger *slog.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		fallback:  fallback,
		logger:    logger,
	}
}

// Route registers the provider for a channel.
func (r *Router) Route(channelID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[channelID] = p
}

// Send delivers text to channelID.
func (r *Router) Send(ctx context.Context, channelID, text string) error {
	r.mu.RLock()
	p, ok := r.providers[channelID]
	r.mu.RUnlock()
	if !ok {
		p = r.fallback
	}
	if p == nil {
		return errors.New("no provider for channel " + channelID)
	}

	r.logger.Info("Dispatching alert", "channel", channelID, "length", len(text))
	return p.Send(ctx, channelID, text)
}

// Multi fans one message out to several providers, returning every failure joined.
type Multi []Provider

// Send delivers text through every provider.
func (m Multi) Send(ctx context.Context, channelID, text string) error {
	var errs []error
	for _, p := range m {
		if err := p.Send(ctx, channelID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
