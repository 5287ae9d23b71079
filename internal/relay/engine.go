// ABOUTME: Relay engine implementing the per-event decision table
// ABOUTME: Routes DMs, staff chat, edits, deletes, and mentions to relay/log actions

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/modmail-gateway/internal/store"
	"github.com/2389/modmail-gateway/internal/taskq"
)

// Event is a normalized gateway event. The bridge translates transport
// events into this shape before handing them to the engine.
type Event struct {
	ID             string // external message ID
	ChannelID      string
	AuthorID       string
	AuthorName     string // display name, may equal AuthorID
	Content        string
	AttachmentURLs []string
	Private        bool // true for a DM, false for a staff-workspace room
	FromBot        bool
	FromStaff      bool // author is a member of the staff workspace
}

// MessageStore defines what the engine needs from storage.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.ChatMessage) error
	GetMessageByExternalID(ctx context.Context, externalID string) (*store.ChatMessage, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	MarkMessageDeleted(ctx context.Context, id string) error
}

// ThreadRegistry defines what the engine needs from the thread registry.
type ThreadRegistry interface {
	FindOpenByUser(ctx context.Context, userID string) (*store.Thread, error)
	FindOpenByChannel(ctx context.Context, channelID string) (*store.Thread, error)
	FindOrCreate(ctx context.Context, userID, displayName string) (*store.Thread, bool, error)
}

// Gate is the blocklist check consulted before user-originated processing.
type Gate interface {
	IsBlocked(userID string) bool
}

// Enqueuer is the serial queue the DM path runs on.
type Enqueuer interface {
	Enqueue(name string, fn taskq.Task)
}

// Messenger delivers relayed content to the chat platform. Implemented by
// the matrix bridge.
type Messenger interface {
	// SendUserDM delivers content (and attachments) to the user's DM and
	// returns the external message ID.
	SendUserDM(ctx context.Context, userID, content string, attachments []store.Attachment) (string, error)
	// SendToChannel delivers content into a staff room and returns the
	// external message ID.
	SendToChannel(ctx context.Context, channelID, content string, attachments []store.Attachment) (string, error)
	// SendNotice posts to the staff notice room.
	SendNotice(ctx context.Context, content string) error
	// RemoveMessage removes a message from a staff room.
	RemoveMessage(ctx context.Context, channelID, externalID string) error
}

// Capturer persists attachment URLs best-effort, returning stable refs.
// Capture never fails: an uncaptured URL passes through unchanged.
type Capturer interface {
	Capture(ctx context.Context, urls []string) []store.Attachment
}

// Config controls relay behavior.
type Config struct {
	// AlwaysReply relays every non-command staff message in a thread room
	// to the user instead of logging it as internal staff chat.
	AlwaysReply bool
	// AlwaysReplyAnon makes AlwaysReply relays anonymous.
	AlwaysReplyAnon bool
	// Greeting, when set, is DMed to the user once when their thread is
	// created.
	Greeting string
}

// Engine implements the event decision table.
type Engine struct {
	store     MessageStore
	registry  ThreadRegistry
	gate      Gate
	queue     Enqueuer
	messenger Messenger
	capture   Capturer
	cfg       Config
	logger    *slog.Logger
}

// New creates a relay engine.
func New(s MessageStore, registry ThreadRegistry, gate Gate, queue Enqueuer, messenger Messenger, capture Capturer, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		registry:  registry,
		gate:      gate,
		queue:     queue,
		messenger: messenger,
		capture:   capture,
		cfg:       cfg,
		logger:    logger.With("component", "relay"),
	}
}

// HandleMessage routes a message-create event. DMs go through the serial
// queue; staff-room messages are handled inline.
func (e *Engine) HandleMessage(ctx context.Context, evt Event) error {
	if evt.FromBot {
		return nil
	}
	if evt.Private {
		return e.handleDM(evt)
	}
	return e.handleStaffChat(ctx, evt)
}

// handleDM enqueues the resolve-or-create + relay work for one user DM.
// Everything between the thread lookup and the room relay runs inside the
// queue so same-user DMs serialize.
func (e *Engine) handleDM(evt Event) error {
	if e.gate.IsBlocked(evt.AuthorID) {
		e.logger.Debug("dropping DM from blocked user", "user_id", evt.AuthorID)
		return nil
	}

	e.queue.Enqueue("relay-dm", func(ctx context.Context) error {
		return e.relayDM(ctx, evt)
	})
	return nil
}

// relayDM is the queued DM task: resolve or create the thread, record the
// message, relay it into the staff room.
func (e *Engine) relayDM(ctx context.Context, evt Event) error {
	thread, created, err := e.registry.FindOrCreate(ctx, evt.AuthorID, evt.AuthorName)
	if err != nil {
		return fmt.Errorf("resolving thread for %s: %w", evt.AuthorID, err)
	}

	if created {
		e.openThread(ctx, thread, evt)
	}

	attachments := e.capture.Capture(ctx, evt.AttachmentURLs)

	// Record first, then relay: the transcript row must exist even if the
	// room send fails.
	msg := &store.ChatMessage{
		ID:          uuid.New().String(),
		ThreadID:    thread.ID,
		ExternalID:  evt.ID,
		Direction:   store.DirectionFromUser,
		AuthorID:    evt.AuthorID,
		Content:     evt.Content,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording DM: %w", err)
	}

	body := fmt.Sprintf("%s: %s", displayName(evt), evt.Content)
	if _, err := e.messenger.SendToChannel(ctx, thread.ChannelID, body, attachments); err != nil {
		return fmt.Errorf("relaying DM into %s: %w", thread.ChannelID, err)
	}

	e.logger.Debug("relayed DM", "thread_id", thread.ID, "user_id", evt.AuthorID)
	return nil
}

// openThread runs the new-thread side effects: greeting DM and a header
// notice in the fresh staff room. Both are best-effort.
func (e *Engine) openThread(ctx context.Context, thread *store.Thread, evt Event) {
	if e.cfg.Greeting != "" {
		if _, err := e.messenger.SendUserDM(ctx, evt.AuthorID, e.cfg.Greeting, nil); err != nil {
			e.logger.Warn("greeting DM failed", "user_id", evt.AuthorID, "error", err)
		}
	}

	header := fmt.Sprintf("New thread with %s\nUser: %s\nThread: %s", displayName(evt), evt.AuthorID, thread.ID)
	externalID, err := e.messenger.SendToChannel(ctx, thread.ChannelID, header, nil)
	if err != nil {
		e.logger.Warn("thread header failed", "thread_id", thread.ID, "error", err)
		return
	}

	e.saveSystem(ctx, thread.ID, externalID, header)
}

// handleStaffChat handles a non-command staff message inside a thread room.
func (e *Engine) handleStaffChat(ctx context.Context, evt Event) error {
	if !evt.FromStaff {
		return nil
	}

	thread, err := e.registry.FindOpenByChannel(ctx, evt.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not a thread room
	}
	if err != nil {
		return fmt.Errorf("resolving thread for channel %s: %w", evt.ChannelID, err)
	}

	if e.cfg.AlwaysReply {
		return e.Reply(ctx, thread, evt, evt.Content, e.cfg.AlwaysReplyAnon)
	}

	// Internal staff discussion: logged, never relayed.
	attachments := e.capture.Capture(ctx, evt.AttachmentURLs)
	msg := &store.ChatMessage{
		ID:          uuid.New().String(),
		ThreadID:    thread.ID,
		ExternalID:  evt.ID,
		Direction:   store.DirectionStaffChat,
		AuthorID:    evt.AuthorID,
		Content:     evt.Content,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording staff chat: %w", err)
	}
	return nil
}

// Reply relays staff content to the thread's user as a TO_USER message.
// Used by the reply/anonreply commands and the alwaysReply path. The
// invoking staff message is removed from the room afterwards; a
// confirmation copy is posted in its place.
func (e *Engine) Reply(ctx context.Context, thread *store.Thread, evt Event, text string, anonymous bool) error {
	attachments := e.capture.Capture(ctx, evt.AttachmentURLs)

	var body string
	if anonymous {
		body = fmt.Sprintf("Staff: %s", text)
	} else {
		body = fmt.Sprintf("%s (staff): %s", displayName(evt), text)
	}

	externalID, err := e.messenger.SendUserDM(ctx, thread.UserID, body, attachments)
	if err != nil {
		// No confirmation is posted on failure; the log carries the reason.
		return fmt.Errorf("relaying reply to %s: %w", thread.UserID, err)
	}

	msg := &store.ChatMessage{
		ID:          uuid.New().String(),
		ThreadID:    thread.ID,
		ExternalID:  externalID,
		Direction:   store.DirectionToUser,
		AuthorID:    evt.AuthorID,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
		Anonymous:   anonymous,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording reply: %w", err)
	}

	if err := e.messenger.RemoveMessage(ctx, evt.ChannelID, evt.ID); err != nil {
		e.logger.Warn("failed to remove command message", "channel_id", evt.ChannelID, "error", err)
	}

	confirmation := fmt.Sprintf("[sent] %s", body)
	if _, err := e.messenger.SendToChannel(ctx, thread.ChannelID, confirmation, attachments); err != nil {
		e.logger.Warn("failed to post reply confirmation", "thread_id", thread.ID, "error", err)
	}

	e.logger.Debug("relayed reply", "thread_id", thread.ID, "anonymous", anonymous)
	return nil
}

// HandleEdit routes a message-update event. oldContent is the body before
// the edit, recovered by the bridge from its recent-content cache.
func (e *Engine) HandleEdit(ctx context.Context, evt Event, oldContent string) error {
	// An edit that doesn't change the trimmed content is not an edit.
	if strings.TrimSpace(oldContent) == strings.TrimSpace(evt.Content) {
		return nil
	}

	if evt.Private {
		return e.handleDMEdit(ctx, evt, oldContent)
	}
	return e.handleStaffEdit(ctx, evt)
}

// handleDMEdit posts a before/after notice into the author's thread room.
// No open thread means nothing to notify; the edit is ignored.
func (e *Engine) handleDMEdit(ctx context.Context, evt Event, oldContent string) error {
	if e.gate.IsBlocked(evt.AuthorID) {
		return nil
	}

	thread, err := e.registry.FindOpenByUser(ctx, evt.AuthorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving thread for %s: %w", evt.AuthorID, err)
	}

	notice := fmt.Sprintf("%s edited a message.\nBefore: %s\nAfter: %s", displayName(evt), oldContent, evt.Content)
	externalID, err := e.messenger.SendToChannel(ctx, thread.ChannelID, notice, nil)
	if err != nil {
		return fmt.Errorf("posting edit notice: %w", err)
	}

	e.saveSystem(ctx, thread.ID, externalID, notice)
	return nil
}

// handleStaffEdit updates the stored row for an edited staff-room message
// in place. Unknown messages are ignored.
func (e *Engine) handleStaffEdit(ctx context.Context, evt Event) error {
	msg, err := e.store.GetMessageByExternalID(ctx, evt.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up edited message: %w", err)
	}

	if err := e.store.UpdateMessageContent(ctx, msg.ID, evt.Content); err != nil {
		return fmt.Errorf("updating message content: %w", err)
	}
	e.logger.Debug("updated edited message", "message_id", msg.ID)
	return nil
}

// HandleDelete soft-deletes the transcript row for a removed staff-room
// message. Content is retained; nothing is relayed to the user.
func (e *Engine) HandleDelete(ctx context.Context, evt Event) error {
	if evt.Private {
		return nil
	}

	if _, err := e.registry.FindOpenByChannel(ctx, evt.ChannelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolving thread for channel %s: %w", evt.ChannelID, err)
	}

	msg, err := e.store.GetMessageByExternalID(ctx, evt.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up deleted message: %w", err)
	}

	if err := e.store.MarkMessageDeleted(ctx, msg.ID); err != nil {
		return fmt.Errorf("soft-deleting message: %w", err)
	}
	e.logger.Debug("soft-deleted message", "message_id", msg.ID)
	return nil
}

// HandleMention forwards an alert when an outside user references the
// system outside any thread. Staff and blocked users are ignored.
func (e *Engine) HandleMention(ctx context.Context, evt Event) error {
	if evt.FromStaff || evt.FromBot {
		return nil
	}
	if e.gate.IsBlocked(evt.AuthorID) {
		return nil
	}

	alert := fmt.Sprintf("Mention by %s in %s:\n%s", displayName(evt), evt.ChannelID, evt.Content)
	if err := e.messenger.SendNotice(ctx, alert); err != nil {
		return fmt.Errorf("forwarding mention: %w", err)
	}
	return nil
}

// saveSystem records a generated notice in the transcript. Failures are
// logged, not propagated: the notice already reached the room.
func (e *Engine) saveSystem(ctx context.Context, threadID, externalID, content string) {
	msg := &store.ChatMessage{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		ExternalID: externalID,
		Direction:  store.DirectionSystem,
		AuthorID:   "system",
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		e.logger.Error("failed to record system message", "thread_id", threadID, "error", err)
	}
}

// displayName prefers the author's display name, falling back to the ID.
func displayName(evt Event) string {
	if evt.AuthorName != "" {
		return evt.AuthorName
	}
	return evt.AuthorID
}
