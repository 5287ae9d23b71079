// ABOUTME: In-memory blocklist gate with store write-through
// ABOUTME: IsBlocked is an O(1) set check consulted before DM and mention handling

package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/modmail-gateway/internal/store"
)

// BlockStore defines what the gate needs from storage.
type BlockStore interface {
	BlockUser(ctx context.Context, userID string, blockedAt time.Time) error
	UnblockUser(ctx context.Context, userID string) error
	ListBlockedUsers(ctx context.Context) ([]*store.BlockedUser, error)
}

// Gate is the process-scoped blocklist. Reads hit the in-memory set only;
// mutations write to the store first so the set never claims a block the
// store doesn't have.
type Gate struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	store   BlockStore
	logger  *slog.Logger
}

// Load builds a gate from the store's current blocklist.
func Load(ctx context.Context, s BlockStore, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	users, err := s.ListBlockedUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading blocklist: %w", err)
	}

	blocked := make(map[string]struct{}, len(users))
	for _, u := range users {
		blocked[u.UserID] = struct{}{}
	}

	g := &Gate{
		blocked: blocked,
		store:   s,
		logger:  logger.With("component", "blocklist"),
	}
	g.logger.Info("blocklist loaded", "count", len(blocked))
	return g, nil
}

// IsBlocked reports whether the user is on the blocklist.
func (g *Gate) IsBlocked(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.blocked[userID]
	return ok
}

// Block adds a user to the blocklist. Blocking an already-blocked user is
// a no-op.
func (g *Gate) Block(ctx context.Context, userID string) error {
	if err := g.store.BlockUser(ctx, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("blocking user: %w", err)
	}

	g.mu.Lock()
	g.blocked[userID] = struct{}{}
	g.mu.Unlock()

	g.logger.Info("blocked user", "user_id", userID)
	return nil
}

// Unblock removes a user from the blocklist. Unblocking a user who isn't
// blocked is a no-op.
func (g *Gate) Unblock(ctx context.Context, userID string) error {
	if err := g.store.UnblockUser(ctx, userID); err != nil {
		return fmt.Errorf("unblocking user: %w", err)
	}

	g.mu.Lock()
	delete(g.blocked, userID)
	g.mu.Unlock()

	g.logger.Info("unblocked user", "user_id", userID)
	return nil
}
