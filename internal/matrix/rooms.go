// ABOUTME: Outbound Matrix operations: DMs, thread rooms, notices, redactions
// ABOUTME: Implements the relay engine's Messenger and the registry's RoomService

package matrix

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/modmail-gateway/internal/store"
)

// CreateThreadRoom creates a private room for a new thread inside the staff
// space and invites the current staff members.
func (b *Bridge) CreateThreadRoom(ctx context.Context, userID, displayName string) (string, error) {
	name := displayName
	if name == "" {
		name = userID
	}

	if err := b.refreshStaff(ctx); err != nil {
		b.logger.Warn("failed to refresh staff before room creation", "error", err)
	}
	b.staffMu.RLock()
	invite := make([]id.UserID, 0, len(b.staffSet))
	for member := range b.staffSet {
		invite = append(invite, member)
	}
	b.staffMu.RUnlock()

	spaceID := b.cfg.StaffSpace
	resp, err := b.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       fmt.Sprintf("modmail: %s", name),
		Topic:      fmt.Sprintf("Modmail thread with %s", userID),
		Visibility: "private",
		Preset:     "private_chat",
		Invite:     invite,
		InitialState: []*event.Event{{
			Type:     event.StateSpaceParent,
			StateKey: &spaceID,
			Content: event.Content{Parsed: &event.SpaceParentEventContent{
				Via:       []string{b.serverName},
				Canonical: true,
			}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("creating thread room: %w", err)
	}

	// Link the room into the space so it shows up in the staff sidebar.
	_, err = b.client.SendStateEvent(ctx, id.RoomID(spaceID), event.StateSpaceChild, resp.RoomID.String(),
		&event.SpaceChildEventContent{Via: []string{b.serverName}})
	if err != nil {
		b.logger.Warn("failed to add thread room to staff space", "room", resp.RoomID.String(), "error", err)
	}

	b.logger.Info("created thread room", "room", resp.RoomID.String(), "user_id", userID)
	return resp.RoomID.String(), nil
}

// ArchiveRoom marks a thread room closed and leaves it. The room and its
// history stay on the homeserver; the transcript is the canonical record.
func (b *Bridge) ArchiveRoom(ctx context.Context, channelID string) error {
	roomID := id.RoomID(channelID)

	if _, err := b.client.SendNotice(ctx, roomID, "This thread has been closed."); err != nil {
		b.logger.Warn("failed to post archive notice", "room", channelID, "error", err)
	}

	// Unlink from the space so closed threads drop out of the sidebar.
	_, err := b.client.SendStateEvent(ctx, id.RoomID(b.cfg.StaffSpace), event.StateSpaceChild, channelID,
		&event.SpaceChildEventContent{})
	if err != nil {
		b.logger.Warn("failed to unlink thread room from staff space", "room", channelID, "error", err)
	}

	if _, err := b.client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leaving thread room: %w", err)
	}
	return nil
}

// SendUserDM delivers content to the user's direct room, creating it on
// first use.
func (b *Bridge) SendUserDM(ctx context.Context, userID, content string, attachments []store.Attachment) (string, error) {
	roomID, err := b.ensureDMRoom(ctx, id.UserID(userID))
	if err != nil {
		return "", err
	}

	resp, err := b.client.SendText(ctx, roomID, withAttachmentLines(content, attachments))
	if err != nil {
		return "", fmt.Errorf("sending DM to %s: %w", userID, err)
	}
	return resp.EventID.String(), nil
}

// SendToChannel delivers content into a staff room.
func (b *Bridge) SendToChannel(ctx context.Context, channelID, content string, attachments []store.Attachment) (string, error) {
	resp, err := b.client.SendText(ctx, id.RoomID(channelID), withAttachmentLines(content, attachments))
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", channelID, err)
	}
	return resp.EventID.String(), nil
}

// SendNotice posts to the staff notice room.
func (b *Bridge) SendNotice(ctx context.Context, content string) error {
	if _, err := b.client.SendNotice(ctx, id.RoomID(b.cfg.NoticeRoom), content); err != nil {
		return fmt.Errorf("sending notice: %w", err)
	}
	return nil
}

// RemoveMessage redacts a message in a staff room.
func (b *Bridge) RemoveMessage(ctx context.Context, channelID, externalID string) error {
	if _, err := b.client.RedactEvent(ctx, id.RoomID(channelID), id.EventID(externalID)); err != nil {
		return fmt.Errorf("redacting %s: %w", externalID, err)
	}
	return nil
}

// ensureDMRoom returns the direct room with userID, creating one when no
// binding exists yet.
func (b *Bridge) ensureDMRoom(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	b.dmMu.RLock()
	roomID, ok := b.userDMs[userID]
	b.dmMu.RUnlock()
	if ok {
		return roomID, nil
	}

	resp, err := b.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		Invite:     []id.UserID{userID},
		IsDirect:   true,
	})
	if err != nil {
		return "", fmt.Errorf("creating DM room with %s: %w", userID, err)
	}

	b.rememberDM(resp.RoomID, userID)
	b.logger.Info("created DM room", "room", resp.RoomID.String(), "user_id", userID.String())
	return resp.RoomID, nil
}

// withAttachmentLines appends one "filename: url" line per attachment so
// captured files survive as plain links on both sides.
func withAttachmentLines(content string, attachments []store.Attachment) string {
	if len(attachments) == 0 {
		return content
	}

	var sb strings.Builder
	sb.WriteString(content)
	for _, att := range attachments {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(att.Filename)
		sb.WriteString(": ")
		sb.WriteString(att.URL)
	}
	return sb.String()
}
