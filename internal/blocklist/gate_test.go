// ABOUTME: Tests for the blocklist gate.
// ABOUTME: Validates load-from-store, idempotent block/unblock, and write-through.

package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/modmail-gateway/internal/store"
)

func TestGate_LoadsExistingBlocks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	require.NoError(t, s.BlockUser(ctx, "@spam:example.org", time.Now()))

	gate, err := Load(ctx, s, nil)
	require.NoError(t, err)

	assert.True(t, gate.IsBlocked("@spam:example.org"))
	assert.False(t, gate.IsBlocked("@alice:example.org"))
}

func TestGate_BlockWritesThrough(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	gate, err := Load(ctx, s, nil)
	require.NoError(t, err)

	require.NoError(t, gate.Block(ctx, "@spam:example.org"))
	assert.True(t, gate.IsBlocked("@spam:example.org"))

	users, err := s.ListBlockedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "@spam:example.org", users[0].UserID)
}

func TestGate_BlockIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	gate, err := Load(ctx, s, nil)
	require.NoError(t, err)

	require.NoError(t, gate.Block(ctx, "@spam:example.org"))
	require.NoError(t, gate.Block(ctx, "@spam:example.org"))
	assert.True(t, gate.IsBlocked("@spam:example.org"))
}

func TestGate_UnblockIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	gate, err := Load(ctx, s, nil)
	require.NoError(t, err)

	require.NoError(t, gate.Block(ctx, "@spam:example.org"))
	require.NoError(t, gate.Unblock(ctx, "@spam:example.org"))
	require.NoError(t, gate.Unblock(ctx, "@spam:example.org"))

	assert.False(t, gate.IsBlocked("@spam:example.org"))

	users, err := s.ListBlockedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}
