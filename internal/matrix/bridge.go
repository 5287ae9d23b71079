// ABOUTME: Matrix bridge core: sync loop and inbound event translation
// ABOUTME: Turns Matrix messages, edits, and redactions into relay engine calls

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/modmail-gateway/internal/commands"
	"github.com/2389/modmail-gateway/internal/config"
	"github.com/2389/modmail-gateway/internal/recent"
	"github.com/2389/modmail-gateway/internal/relay"
	"github.com/2389/modmail-gateway/internal/store"
)

// recentTTL bounds how long the bridge remembers message bodies for edit
// diffs. An edit arriving after the original fell out is dropped.
const recentTTL = 30 * time.Minute

// recentMaxSize caps the recent-content cache.
const recentMaxSize = 10000

// staffRefreshInterval is how long the staff-space member list is trusted
// before it is re-fetched.
const staffRefreshInterval = 2 * time.Minute

// EventHandler is the relay engine surface the bridge drives.
type EventHandler interface {
	HandleMessage(ctx context.Context, evt relay.Event) error
	HandleEdit(ctx context.Context, evt relay.Event, oldContent string) error
	HandleDelete(ctx context.Context, evt relay.Event) error
	HandleMention(ctx context.Context, evt relay.Event) error
}

// ThreadFinder resolves which open thread a staff room belongs to.
type ThreadFinder interface {
	FindOpenByChannel(ctx context.Context, channelID string) (*store.Thread, error)
}

// Bridge connects the Matrix homeserver to the relay engine.
type Bridge struct {
	cfg    config.MatrixConfig
	client *mautrix.Client
	botID  id.UserID
	// serverName is the bot's homeserver name, used in space via hints.
	serverName string

	// Wired by Bind after construction.
	engine   EventHandler
	commands *commands.Registry
	threads  ThreadFinder

	recent *recent.Cache

	// staff-space membership cache
	staffMu      sync.RWMutex
	staffSet     map[id.UserID]bool
	staffFetched time.Time

	// DM room bookkeeping, both directions
	dmMu    sync.RWMutex
	dmRooms map[id.RoomID]id.UserID
	userDMs map[id.UserID]id.RoomID

	// display name cache, successes only
	nameMu sync.RWMutex
	names  map[id.UserID]string

	logger *slog.Logger
}

// New creates the bridge. Bind must be called before Run.
func New(cfg config.MatrixConfig, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	botID := id.UserID(cfg.UserID)
	_, serverName, _ := strings.Cut(string(botID), ":")

	return &Bridge{
		cfg:        cfg,
		client:     client,
		botID:      botID,
		serverName: serverName,
		recent:     recent.New(recentTTL, recentMaxSize),
		staffSet:   make(map[id.UserID]bool),
		dmRooms:    make(map[id.RoomID]id.UserID),
		userDMs:    make(map[id.UserID]id.RoomID),
		names:      make(map[id.UserID]string),
		logger:     logger.With("component", "matrix"),
	}, nil
}

// Bind wires the engine, command registry, and thread lookup. The bridge is
// constructed before them because they depend on its outbound interfaces.
func (b *Bridge) Bind(engine EventHandler, registry *commands.Registry, threads ThreadFinder) {
	b.engine = engine
	b.commands = registry
	b.threads = threads
}

// Run starts the sync loop and blocks until ctx is canceled or sync fails.
func (b *Bridge) Run(ctx context.Context) error {
	if b.engine == nil {
		return errors.New("bridge not bound: call Bind before Run")
	}

	b.logger.Info("starting matrix bridge",
		"homeserver", b.cfg.Homeserver,
		"user_id", b.cfg.UserID,
		"staff_space", b.cfg.StaffSpace,
	)

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}

	// Skip the backlog delivered on the initial sync.
	syncer.OnSync(b.client.DontProcessOldEvents)

	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.EventRedaction, b.handleRedactionEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	defer b.recent.Close()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("matrix sync failed: %w", err)
		}
		return nil
	}
}

// handleMessageEvent translates one m.room.message into an engine call.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.botID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	body, attachmentURLs, ok := b.extractContent(content)
	if !ok {
		return
	}

	roomID := evt.RoomID.String()

	thread, err := b.threads.FindOpenByChannel(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Error("failed to resolve thread for room", "room", roomID, "error", err)
		return
	}
	isThreadRoom := thread != nil

	isDM := false
	if !isThreadRoom && roomID != b.cfg.NoticeRoom && roomID != b.cfg.StaffSpace {
		isDM = b.isDMRoom(ctx, evt.RoomID, evt.Sender)
	}

	relayEvt := relay.Event{
		ID:             evt.ID.String(),
		ChannelID:      roomID,
		AuthorID:       evt.Sender.String(),
		AuthorName:     b.displayName(ctx, evt.Sender),
		Content:        body,
		AttachmentURLs: attachmentURLs,
		Private:        isDM,
		FromStaff:      b.isStaff(ctx, evt.Sender),
	}

	// Edits carry the original event id in the m.replace relation.
	if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
		b.handleEdit(ctx, relayEvt, content, replaceID)
		return
	}

	b.recent.Put(relayEvt.ID, body)

	// Staff commands work in thread rooms (bound to that thread) and in any
	// other non-DM room with a nil thread, so block/unblock/logs can target
	// a user who has no open thread.
	if relayEvt.FromStaff && !isDM && b.dispatchCommand(ctx, relayEvt, thread) {
		return
	}

	if !isThreadRoom && !isDM {
		// Not a room we manage. Forward mentions, ignore the rest.
		if b.mentionsBot(body) {
			if err := b.engine.HandleMention(ctx, relayEvt); err != nil {
				b.logger.Error("failed to forward mention", "room", roomID, "error", err)
			}
		}
		return
	}

	if err := b.engine.HandleMessage(ctx, relayEvt); err != nil {
		b.logger.Error("failed to handle message", "room", roomID, "error", err)
	}
}

// handleEdit recovers the pre-edit body from the recent cache and routes the
// update. A miss means the original is too old to diff; the edit is dropped.
func (b *Bridge) handleEdit(ctx context.Context, relayEvt relay.Event, content *event.MessageEventContent, replaceID id.EventID) {
	newBody := relayEvt.Content
	if content.NewContent != nil {
		newBody = content.NewContent.Body
	} else {
		// Fallback body carries the client's "* " edit marker.
		newBody = strings.TrimPrefix(newBody, "* ")
	}

	oldBody, ok := b.recent.Get(replaceID.String())
	b.recent.Put(replaceID.String(), newBody)
	if !ok {
		b.logger.Debug("dropping edit of uncached message", "event_id", replaceID.String())
		return
	}

	relayEvt.ID = replaceID.String()
	relayEvt.Content = newBody

	if err := b.engine.HandleEdit(ctx, relayEvt, oldBody); err != nil {
		b.logger.Error("failed to handle edit", "event_id", replaceID.String(), "error", err)
	}
}

// handleRedactionEvent routes a message removal. Only staff-room redactions
// matter to the engine; DM-side ones are ignored there.
func (b *Bridge) handleRedactionEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.botID || evt.Redacts == "" {
		return
	}

	b.dmMu.RLock()
	_, isDM := b.dmRooms[evt.RoomID]
	b.dmMu.RUnlock()

	relayEvt := relay.Event{
		ID:        evt.Redacts.String(),
		ChannelID: evt.RoomID.String(),
		AuthorID:  evt.Sender.String(),
		Private:   isDM,
	}
	if err := b.engine.HandleDelete(ctx, relayEvt); err != nil {
		b.logger.Error("failed to handle redaction", "event_id", evt.Redacts.String(), "error", err)
	}
	b.recent.Remove(evt.Redacts.String())
}

// handleMemberEvent accepts invites addressed to the bot so users can start
// a DM without any setup.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != b.botID.String() {
		return
	}

	b.logger.Info("accepting room invite", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
	if _, err := b.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Error("failed to join room", "room", evt.RoomID.String(), "error", err)
	}
}

// dispatchCommand parses a prefixed staff message and runs the matching
// handler. Returns false when the message is not a command or the name is
// unknown, in which case it flows on as ordinary room traffic.
func (b *Bridge) dispatchCommand(ctx context.Context, relayEvt relay.Event, thread *store.Thread) bool {
	prefix := b.cfg.CommandPrefix
	if prefix == "" || !strings.HasPrefix(relayEvt.Content, prefix) {
		return false
	}

	trimmed := strings.TrimPrefix(relayEvt.Content, prefix)

	// Only the command name is tokenized; the remainder is passed through
	// verbatim so multi-line replies keep their formatting.
	name := trimmed
	var rest string
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		name = trimmed[:i]
		rest = strings.TrimLeftFunc(trimmed[i:], unicode.IsSpace)
	}
	if name == "" {
		return false
	}

	msg := &commands.Message{
		ID:             relayEvt.ID,
		ChannelID:      relayEvt.ChannelID,
		AuthorID:       relayEvt.AuthorID,
		AuthorName:     relayEvt.AuthorName,
		Content:        rest,
		AttachmentURLs: relayEvt.AttachmentURLs,
	}
	return b.commands.Dispatch(ctx, name, msg, strings.Fields(rest), thread)
}

// extractContent pulls the relayable body and attachment URLs out of a
// message. Returns ok=false for message types the gateway doesn't relay.
func (b *Bridge) extractContent(content *event.MessageEventContent) (body string, attachmentURLs []string, ok bool) {
	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		return content.Body, nil, true
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		if content.URL == "" {
			return "", nil, false
		}
		uri, err := content.URL.Parse()
		if err != nil {
			b.logger.Warn("unparseable media URL", "url", string(content.URL), "error", err)
			return "", nil, false
		}
		return "", []string{b.mediaDownloadURL(uri)}, true
	default:
		return "", nil, false
	}
}

// mediaDownloadURL builds the plain HTTP download URL for an mxc URI.
func (b *Bridge) mediaDownloadURL(uri id.ContentURI) string {
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		strings.TrimSuffix(b.cfg.Homeserver, "/"), uri.Homeserver, uri.FileID)
}

// mentionsBot reports whether a body references the bot by full ID or by
// localpart.
func (b *Bridge) mentionsBot(body string) bool {
	if strings.Contains(body, string(b.botID)) {
		return true
	}
	localpart := strings.TrimPrefix(string(b.botID), "@")
	if i := strings.Index(localpart, ":"); i >= 0 {
		localpart = localpart[:i]
	}
	return localpart != "" && strings.Contains(body, localpart)
}

// isDMRoom reports whether a room is a direct conversation with sender.
// Known DM rooms hit the map; unknown rooms are probed once via membership.
func (b *Bridge) isDMRoom(ctx context.Context, roomID id.RoomID, sender id.UserID) bool {
	b.dmMu.RLock()
	_, known := b.dmRooms[roomID]
	b.dmMu.RUnlock()
	if known {
		return true
	}

	members, err := b.client.JoinedMembers(ctx, roomID)
	if err != nil {
		b.logger.Warn("failed to fetch room members", "room", roomID.String(), "error", err)
		return false
	}
	if len(members.Joined) != 2 {
		return false
	}
	if _, botIn := members.Joined[b.botID]; !botIn {
		return false
	}
	if _, senderIn := members.Joined[sender]; !senderIn {
		return false
	}

	b.rememberDM(roomID, sender)
	return true
}

// rememberDM records a user↔room binding in both directions.
func (b *Bridge) rememberDM(roomID id.RoomID, userID id.UserID) {
	b.dmMu.Lock()
	defer b.dmMu.Unlock()
	b.dmRooms[roomID] = userID
	b.userDMs[userID] = roomID
}

// isStaff reports whether userID is a member of the staff space. Membership
// is cached and re-fetched when stale.
func (b *Bridge) isStaff(ctx context.Context, userID id.UserID) bool {
	b.staffMu.RLock()
	fresh := time.Since(b.staffFetched) < staffRefreshInterval
	member := b.staffSet[userID]
	b.staffMu.RUnlock()

	if fresh {
		return member
	}

	if err := b.refreshStaff(ctx); err != nil {
		b.logger.Warn("failed to refresh staff members, using cached set", "error", err)
		return member
	}

	b.staffMu.RLock()
	defer b.staffMu.RUnlock()
	return b.staffSet[userID]
}

// refreshStaff re-fetches the staff space member list.
func (b *Bridge) refreshStaff(ctx context.Context) error {
	members, err := b.client.JoinedMembers(ctx, id.RoomID(b.cfg.StaffSpace))
	if err != nil {
		return err
	}

	set := make(map[id.UserID]bool, len(members.Joined))
	for userID := range members.Joined {
		if userID != b.botID {
			set[userID] = true
		}
	}

	b.staffMu.Lock()
	b.staffSet = set
	b.staffFetched = time.Now()
	b.staffMu.Unlock()
	return nil
}

// displayName resolves a user's display name, caching successes.
func (b *Bridge) displayName(ctx context.Context, userID id.UserID) string {
	b.nameMu.RLock()
	name, ok := b.names[userID]
	b.nameMu.RUnlock()
	if ok {
		return name
	}

	resp, err := b.client.GetDisplayName(ctx, userID)
	if err != nil || resp.DisplayName == "" {
		return ""
	}

	b.nameMu.Lock()
	b.names[userID] = resp.DisplayName
	b.nameMu.Unlock()
	return resp.DisplayName
}
