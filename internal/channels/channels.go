// Package channels holds the chat-channel adapters. Each adapter knows how
// to deliver a message to one messaging service; inbound traffic arrives
// through the gateway's webhooks or the adapter's own poller.
package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Message is one outbound delivery.
type Message struct {
	Target     string // chat or user id, adapter-specific
	ServiceURL string // Teams reply endpoint; unused elsewhere
	Text       string
}

// Adapter delivers messages to one messaging service.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// TypingIndicator is implemented by adapters that can show "typing...".
type TypingIndicator interface {
	Typing(ctx context.Context, target string)
}

// httpClient is shared by the REST-based adapters.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// Registry maps channel names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   log.WithFields(zap.String("component", "channels")),
	}
}

// Register adds an adapter. A nil adapter is ignored so callers can pass
// the result of conditional construction directly.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get returns the adapter for a channel name.
func (r *Registry) Get(channel string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(channel)]
	return a, ok
}

// Names lists the registered channels.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Deliver sends text over a named channel. Unknown channels and send
// failures are returned to the caller; delivery is never retried.
func (r *Registry) Deliver(ctx context.Context, channel string, msg Message) error {
	a, ok := r.Get(channel)
	if !ok {
		return fmt.Errorf("channel %q is not configured", channel)
	}
	if err := a.Send(ctx, msg); err != nil {
		r.logger.Error("delivery failed",
			zap.String("channel", channel),
			zap.String("target", msg.Target),
			zap.Error(err))
		return err
	}
	return nil
}

// Typing shows a typing indicator when the channel supports one.
func (r *Registry) Typing(ctx context.Context, channel, target string) {
	if a, ok := r.Get(channel); ok {
		if t, ok := a.(TypingIndicator); ok {
			t.Typing(ctx, target)
		}
	}
}
