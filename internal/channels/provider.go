// Package channels defines the channel provider capability and the registry
// the orchestrator dispatches through.
//
// A provider is anything that can accept a rendered message for one or more
// channels: Twilio for SMS and WhatsApp, an SMTP relay for email, the
// native whatsmeow client. The registry maps logical provider names to
// implementations; it never performs delivery itself.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cartloop/notifier/internal/models"
)

// ErrProviderNotFound is returned when no provider is registered under the
// requested name.
var ErrProviderNotFound = errors.New("provider not registered")

// Provider is the capability a channel sender must implement.
type Provider interface {
	// Send delivers one rendered message and returns the provider's
	// message id on success.
	Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error)

	// SupportedChannels lists the channels this provider can deliver on.
	SupportedChannels() []models.Channel

	// IsAvailable reports whether the provider is currently usable.
	IsAvailable() bool
}

// Registry maps logical provider names to implementations. Registration
// happens at startup; lookups are read-mostly and safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider under the given name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	slog.Info("Registry.Register: provider registered", "name", name, "channels", p.SupportedChannels())
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// IsAvailable reports whether a provider is registered under name and
// currently usable.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	return ok && p.IsAvailable()
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
