// ABOUTME: Thread registry managing lookup, creation, and closure of threads
// ABOUTME: Coordinates the store, the room service, and the transcript exporter

package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/modmail-gateway/internal/store"
)

// ThreadStore defines what the registry needs from storage.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	GetOpenThreadByUser(ctx context.Context, userID string) (*store.Thread, error)
	GetOpenThreadByChannel(ctx context.Context, channelID string) (*store.Thread, error)
	CloseThread(ctx context.Context, id string, closedAt time.Time) (bool, error)
	ListClosedThreadsByUser(ctx context.Context, userID string) ([]*store.Thread, error)
}

// RoomService creates and archives the staff-side rooms threads live in.
// Implemented by the matrix bridge.
type RoomService interface {
	// CreateThreadRoom creates a new staff room for a conversation with the
	// given user and returns its channel ID.
	CreateThreadRoom(ctx context.Context, userID, displayName string) (string, error)
	// ArchiveRoom removes a room from the live staff workspace.
	ArchiveRoom(ctx context.Context, channelID string) error
}

// Exporter writes a durable transcript when a thread closes and returns a
// link to it. A nil Exporter skips export.
type Exporter interface {
	ExportThread(ctx context.Context, thread *store.Thread) (string, error)
}

// Registry is the thread lifecycle component.
type Registry struct {
	store    ThreadStore
	rooms    RoomService
	exporter Exporter
	logger   *slog.Logger
}

// New creates a thread registry.
func New(s ThreadStore, rooms RoomService, exporter Exporter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    s,
		rooms:    rooms,
		exporter: exporter,
		logger:   logger.With("component", "threads"),
	}
}

// FindOpenByUser returns the user's open thread, or store.ErrNotFound.
func (r *Registry) FindOpenByUser(ctx context.Context, userID string) (*store.Thread, error) {
	return r.store.GetOpenThreadByUser(ctx, userID)
}

// FindOpenByChannel returns the open thread bound to a channel, or
// store.ErrNotFound.
func (r *Registry) FindOpenByChannel(ctx context.Context, channelID string) (*store.Thread, error) {
	return r.store.GetOpenThreadByChannel(ctx, channelID)
}

// FindOrCreate returns the user's open thread, creating the staff room and
// the thread row if none exists. The returned bool is true when a new
// thread was created.
//
// Must be invoked only as a task on the serial queue: the room-creation
// latency window is exactly where duplicate first DMs would otherwise race.
func (r *Registry) FindOrCreate(ctx context.Context, userID, displayName string) (*store.Thread, bool, error) {
	thread, err := r.store.GetOpenThreadByUser(ctx, userID)
	if err == nil {
		return thread, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up open thread: %w", err)
	}

	// Room first, then row. A crash here orphans the room (accepted gap).
	channelID, err := r.rooms.CreateThreadRoom(ctx, userID, displayName)
	if err != nil {
		return nil, false, fmt.Errorf("creating thread room: %w", err)
	}

	thread = &store.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChannelID: channelID,
		Status:    store.ThreadStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		// Another path created the thread between our lookup and insert.
		// Re-look up the winner and get rid of the room we just made.
		if errors.Is(err, store.ErrDuplicateThread) {
			existing, lookupErr := r.store.GetOpenThreadByUser(ctx, userID)
			if lookupErr == nil {
				r.logger.Debug("found existing thread after race", "thread_id", existing.ID, "user_id", userID)
				if archiveErr := r.rooms.ArchiveRoom(ctx, channelID); archiveErr != nil {
					r.logger.Warn("failed to archive orphaned room", "channel_id", channelID, "error", archiveErr)
				}
				return existing, false, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "user_id", userID, "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating thread: %w", err)
	}

	r.logger.Info("thread created", "thread_id", thread.ID, "user_id", userID, "channel_id", channelID)
	return thread, true, nil
}

// Close moves a thread open → closed, exports the transcript, and archives
// the room. Closing an already-closed thread is a no-op; the returned bool
// is true only when this call performed the transition. The returned string
// is the transcript link, "" when export was skipped or failed.
func (r *Registry) Close(ctx context.Context, threadID string) (string, bool, error) {
	closedAt := time.Now().UTC()
	changed, err := r.store.CloseThread(ctx, threadID, closedAt)
	if err != nil {
		return "", false, fmt.Errorf("closing thread: %w", err)
	}
	if !changed {
		r.logger.Debug("thread already closed", "thread_id", threadID)
		return "", false, nil
	}

	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		// Row is closed; everything past this point is best-effort.
		r.logger.Warn("closed thread but could not reload it", "thread_id", threadID, "error", err)
		return "", true, nil
	}

	var exportURL string
	if r.exporter != nil {
		exportURL, err = r.exporter.ExportThread(ctx, thread)
		if err != nil {
			r.logger.Warn("transcript export failed", "thread_id", threadID, "error", err)
			exportURL = ""
		}
	}

	if err := r.rooms.ArchiveRoom(ctx, thread.ChannelID); err != nil {
		r.logger.Warn("failed to archive thread room", "thread_id", threadID, "channel_id", thread.ChannelID, "error", err)
	}

	r.logger.Info("thread closed", "thread_id", threadID, "channel_id", thread.ChannelID)
	return exportURL, true, nil
}

// ClosedByUser returns the user's closed threads in creation order
// (oldest first). Callers reorder for display.
func (r *Registry) ClosedByUser(ctx context.Context, userID string) ([]*store.Thread, error) {
	return r.store.ListClosedThreadsByUser(ctx, userID)
}
