// ABOUTME: Command registry mapping command names (and aliases) to handlers
// ABOUTME: Dispatch logs failures and never surfaces errors into the room

package commands

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/modmail-gateway/internal/store"
)

// Message is the invoking staff message, already stripped of the command
// prefix and name.
type Message struct {
	ID             string
	ChannelID      string
	AuthorID       string
	AuthorName     string
	Content        string
	AttachmentURLs []string
}

// Handler processes one command invocation. thread is the open thread bound
// to the invoking channel, nil when the channel is not a thread room.
type Handler func(ctx context.Context, msg *Message, args []string, thread *store.Thread) error

// Registry maps command names to handlers. Aliases are additional keys
// pointing at the same handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "commands"),
	}
}

// Register binds a handler under one or more names. Later registrations
// win, which lets plugins shadow built-ins deliberately.
func (r *Registry) Register(h Handler, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		r.handlers[name] = h
	}
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the handler registered under name. Returns false when no
// such command exists. Handler errors are logged, never propagated: one bad
// invocation must not ripple into the event loop.
func (r *Registry) Dispatch(ctx context.Context, name string, msg *Message, args []string, thread *store.Thread) bool {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if err := h(ctx, msg, args, thread); err != nil {
		r.logger.Error("command failed", "command", name, "channel_id", msg.ChannelID, "error", err)
	}
	return true
}
