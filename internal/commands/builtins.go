// ABOUTME: Built-in command handlers: reply/anonreply, close, block/unblock, logs
// ABOUTME: Operates on the relay engine, thread registry, and blocklist gate

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/modmail-gateway/internal/relay"
	"github.com/2389/modmail-gateway/internal/store"
)

// Replier relays staff text to a thread's user. Implemented by the relay
// engine.
type Replier interface {
	Reply(ctx context.Context, thread *store.Thread, evt relay.Event, text string, anonymous bool) error
}

// Closer closes a thread. Implemented by the thread registry.
type Closer interface {
	Close(ctx context.Context, threadID string) (exportURL string, closed bool, err error)
}

// LogLister lists a user's closed threads. Implemented by the thread
// registry.
type LogLister interface {
	ClosedByUser(ctx context.Context, userID string) ([]*store.Thread, error)
}

// Gate mutates the blocklist. Implemented by the blocklist gate.
type Gate interface {
	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error
}

// ChannelSender posts confirmations into the invoking room. Implemented by
// the matrix bridge.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelID, content string, attachments []store.Attachment) (string, error)
	SendNotice(ctx context.Context, content string) error
}

// Linker builds the signed transcript URL for a thread. Implemented by the
// weblogs exporter.
type Linker interface {
	TranscriptURL(threadID string) (string, error)
}

// Deps collects everything the built-in handlers need.
type Deps struct {
	Replier Replier
	Closer  Closer
	Lister  LogLister
	Gate    Gate
	Sender  ChannelSender
	Linker  Linker
	Logger  *slog.Logger
}

// RegisterBuiltins registers reply/r, anonreply/ar, close, block, unblock,
// and logs on the registry.
func RegisterBuiltins(reg *Registry, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := &builtins{deps: deps, logger: deps.Logger.With("component", "commands")}

	reg.Register(b.reply, "reply", "r")
	reg.Register(b.anonReply, "anonreply", "ar")
	reg.Register(b.close, "close")
	reg.Register(b.block, "block")
	reg.Register(b.unblock, "unblock")
	reg.Register(b.logs, "logs")
}

type builtins struct {
	deps   Deps
	logger *slog.Logger
}

// event converts the invoking message into a relay event for the engine.
func event(msg *Message) relay.Event {
	return relay.Event{
		ID:             msg.ID,
		ChannelID:      msg.ChannelID,
		AuthorID:       msg.AuthorID,
		AuthorName:     msg.AuthorName,
		Content:        msg.Content,
		AttachmentURLs: msg.AttachmentURLs,
		FromStaff:      true,
	}
}

func (b *builtins) reply(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	return b.sendReply(ctx, msg, args, thread, false)
}

func (b *builtins) anonReply(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	return b.sendReply(ctx, msg, args, thread, true)
}

func (b *builtins) sendReply(ctx context.Context, msg *Message, args []string, thread *store.Thread, anonymous bool) error {
	if thread == nil {
		b.logger.Debug("reply outside a thread room ignored", "channel_id", msg.ChannelID)
		return nil
	}

	text := msg.Content
	if text == "" && len(msg.AttachmentURLs) == 0 {
		b.logger.Debug("empty reply ignored", "thread_id", thread.ID)
		return nil
	}

	return b.deps.Replier.Reply(ctx, thread, event(msg), text, anonymous)
}

func (b *builtins) close(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	if thread == nil {
		b.logger.Debug("close outside a thread room ignored", "channel_id", msg.ChannelID)
		return nil
	}

	exportURL, closed, err := b.deps.Closer.Close(ctx, thread.ID)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}

	notice := fmt.Sprintf("Thread with %s closed by %s.", thread.UserID, msg.AuthorID)
	if exportURL != "" {
		notice += "\nTranscript: " + exportURL
	}
	if err := b.deps.Sender.SendNotice(ctx, notice); err != nil {
		b.logger.Warn("failed to post close notice", "thread_id", thread.ID, "error", err)
	}
	return nil
}

// targetUser resolves which user a block/unblock/logs command applies to:
// the explicit argument, or the owner of the invoking thread.
func targetUser(args []string, thread *store.Thread) string {
	if len(args) > 0 {
		return args[0]
	}
	if thread != nil {
		return thread.UserID
	}
	return ""
}

func (b *builtins) block(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	userID := targetUser(args, thread)
	if userID == "" {
		b.logger.Debug("block without a target ignored", "channel_id", msg.ChannelID)
		return nil
	}

	if err := b.deps.Gate.Block(ctx, userID); err != nil {
		return err
	}
	return b.confirm(ctx, msg.ChannelID, fmt.Sprintf("Blocked %s.", userID))
}

func (b *builtins) unblock(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	userID := targetUser(args, thread)
	if userID == "" {
		b.logger.Debug("unblock without a target ignored", "channel_id", msg.ChannelID)
		return nil
	}

	if err := b.deps.Gate.Unblock(ctx, userID); err != nil {
		return err
	}
	return b.confirm(ctx, msg.ChannelID, fmt.Sprintf("Unblocked %s.", userID))
}

// logs lists the target user's closed threads, newest first, one line per
// thread with its signed transcript link.
func (b *builtins) logs(ctx context.Context, msg *Message, args []string, thread *store.Thread) error {
	userID := targetUser(args, thread)
	if userID == "" {
		b.logger.Debug("logs without a target ignored", "channel_id", msg.ChannelID)
		return nil
	}

	threads, err := b.deps.Lister.ClosedByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		return b.confirm(ctx, msg.ChannelID, fmt.Sprintf("No past threads for %s.", userID))
	}

	// The registry returns creation order; operators read recents first.
	var lines []string
	lines = append(lines, fmt.Sprintf("Past threads for %s:", userID))
	for i := len(threads) - 1; i >= 0; i-- {
		t := threads[i]
		line := t.CreatedAt.Format("2006-01-02 15:04")
		if b.deps.Linker != nil {
			if url, err := b.deps.Linker.TranscriptURL(t.ID); err == nil {
				line += "  " + url
			} else {
				b.logger.Warn("failed to build transcript link", "thread_id", t.ID, "error", err)
			}
		}
		lines = append(lines, line)
	}

	return b.confirm(ctx, msg.ChannelID, strings.Join(lines, "\n"))
}

func (b *builtins) confirm(ctx context.Context, channelID, content string) error {
	_, err := b.deps.Sender.SendToChannel(ctx, channelID, content, nil)
	return err
}
