// ABOUTME: Tests for the relay engine decision table.
// ABOUTME: Covers DM relay, staff replies, edits, deletes, mentions, and the end-to-end scenarios.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/modmail-gateway/internal/blocklist"
	"github.com/2389/modmail-gateway/internal/store"
	"github.com/2389/modmail-gateway/internal/taskq"
	"github.com/2389/modmail-gateway/internal/threads"
)

// fakeMessenger records every outbound call.
type fakeMessenger struct {
	mu        sync.Mutex
	seq       int
	dms       []sentMessage // SendUserDM calls
	channel   []sentMessage // SendToChannel calls
	notices   []string
	removed   []string // "channel/externalID"
	failDM    bool
	failRooms bool
}

type sentMessage struct {
	Target      string
	Content     string
	Attachments []store.Attachment
}

func (f *fakeMessenger) next() string {
	f.seq++
	return fmt.Sprintf("$out%d", f.seq)
}

func (f *fakeMessenger) SendUserDM(ctx context.Context, userID, content string, attachments []store.Attachment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDM {
		return "", errors.New("homeserver unavailable")
	}
	f.dms = append(f.dms, sentMessage{Target: userID, Content: content, Attachments: attachments})
	return f.next(), nil
}

func (f *fakeMessenger) SendToChannel(ctx context.Context, channelID, content string, attachments []store.Attachment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRooms {
		return "", errors.New("homeserver unavailable")
	}
	f.channel = append(f.channel, sentMessage{Target: channelID, Content: content, Attachments: attachments})
	return f.next(), nil
}

func (f *fakeMessenger) SendNotice(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, content)
	return nil
}

func (f *fakeMessenger) RemoveMessage(ctx context.Context, channelID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, channelID+"/"+externalID)
	return nil
}

// passthroughCapture turns URLs into attachments without downloading.
type passthroughCapture struct{}

func (passthroughCapture) Capture(ctx context.Context, urls []string) []store.Attachment {
	var out []store.Attachment
	for _, u := range urls {
		out = append(out, store.Attachment{Filename: u, URL: u})
	}
	return out
}

// fakeRooms satisfies threads.RoomService with sequential room IDs.
type fakeRooms struct {
	mu      sync.Mutex
	created int
}

func (f *fakeRooms) CreateThreadRoom(ctx context.Context, userID, displayName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("!room%d:example.org", f.created), nil
}

func (f *fakeRooms) ArchiveRoom(ctx context.Context, channelID string) error { return nil }

type testEnv struct {
	store     *store.MockStore
	registry  *threads.Registry
	gate      *blocklist.Gate
	queue     *taskq.Queue
	messenger *fakeMessenger
	engine    *Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	s := store.NewMockStore()
	gate, err := blocklist.Load(context.Background(), s, nil)
	require.NoError(t, err)

	env := &testEnv{
		store:     s,
		registry:  threads.New(s, &fakeRooms{}, nil, nil),
		gate:      gate,
		queue:     taskq.New(nil),
		messenger: &fakeMessenger{},
	}
	env.engine = New(s, env.registry, gate, env.queue, env.messenger, passthroughCapture{}, cfg, nil)
	return env
}

func dmEvent(id, author, content string) Event {
	return Event{
		ID:         id,
		ChannelID:  "!dm:example.org",
		AuthorID:   author,
		AuthorName: "Alice",
		Content:    content,
		Private:    true,
	}
}

func staffEvent(id, channel, content string) Event {
	return Event{
		ID:         id,
		ChannelID:  channel,
		AuthorID:   "@mod:example.org",
		AuthorName: "Mod",
		Content:    content,
		FromStaff:  true,
	}
}

func TestEngine_DM_CreatesThreadAndRelays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()

	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2) // header + from_user
	assert.Equal(t, store.DirectionSystem, msgs[0].Direction)
	assert.Equal(t, store.DirectionFromUser, msgs[1].Direction)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "$evt1", msgs[1].ExternalID)

	// Header and relayed body both reached the thread room.
	require.Len(t, env.messenger.channel, 2)
	assert.Equal(t, thread.ChannelID, env.messenger.channel[1].Target)
	assert.Contains(t, env.messenger.channel[1].Content, "hello")
}

func TestEngine_DM_GreetingOnFirstThreadOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Greeting: "Thanks for reaching out!"})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt2", "@alice:example.org", "again")))
	env.queue.Wait()

	require.Len(t, env.messenger.dms, 1)
	assert.Equal(t, "Thanks for reaching out!", env.messenger.dms[0].Content)
}

func TestEngine_DM_BlockedUserIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	require.NoError(t, env.gate.Block(ctx, "@spam:example.org"))

	evt := dmEvent("$evt1", "@spam:example.org", "buy stuff")
	require.NoError(t, env.engine.HandleMessage(ctx, evt))
	env.queue.Wait()

	_, err := env.registry.FindOpenByUser(ctx, "@spam:example.org")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, env.messenger.channel)
}

func TestEngine_DM_BotIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	evt := dmEvent("$evt1", "@bot:example.org", "beep")
	evt.FromBot = true
	require.NoError(t, env.engine.HandleMessage(ctx, evt))
	env.queue.Wait()

	assert.Empty(t, env.messenger.channel)
}

func TestEngine_ConcurrentFirstDMs_OneThread(t *testing.T) {
	// Scenario B: DMs "a" and "b" from a new user arrive back to back;
	// exactly one thread is created and both rows attach to it in order.
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$a", "@alice:example.org", "a")))
	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$b", "@alice:example.org", "b")))
	env.queue.Wait()

	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)

	var fromUser []*store.ChatMessage
	for _, m := range msgs {
		if m.Direction == store.DirectionFromUser {
			fromUser = append(fromUser, m)
		}
	}
	require.Len(t, fromUser, 2)
	assert.Equal(t, "a", fromUser[0].Content)
	assert.Equal(t, "b", fromUser[1].Content)
	assert.Equal(t, thread.ID, fromUser[0].ThreadID)
	assert.Equal(t, thread.ID, fromUser[1].ThreadID)
}

func TestEngine_StaffChat_LoggedNotRelayed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleMessage(ctx, staffEvent("$evt2", thread.ChannelID, "internal note")))

	assert.Empty(t, env.messenger.dms, "staff chat must not reach the user")

	msg, err := env.store.GetMessageByExternalID(ctx, "$evt2")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionStaffChat, msg.Direction)
}

func TestEngine_StaffChat_AlwaysReplyRelays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{AlwaysReply: true, AlwaysReplyAnon: true})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleMessage(ctx, staffEvent("$evt2", thread.ChannelID, "hi there")))

	require.Len(t, env.messenger.dms, 1)
	assert.Equal(t, "@alice:example.org", env.messenger.dms[0].Target)
	assert.Equal(t, "Staff: hi there", env.messenger.dms[0].Content)
	// Origin message removed from the room.
	assert.Contains(t, env.messenger.removed, thread.ChannelID+"/$evt2")

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.DirectionToUser, last.Direction)
	assert.True(t, last.Anonymous)
}

func TestEngine_StaffChat_AttachmentsRecorded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	// An image-only staff message arrives with no body, just a URL.
	evt := staffEvent("$evt2", thread.ChannelID, "")
	evt.AttachmentURLs = []string{"mxc://example.org/screenshot.png"}
	require.NoError(t, env.engine.HandleMessage(ctx, evt))

	msg, err := env.store.GetMessageByExternalID(ctx, "$evt2")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionStaffChat, msg.Direction)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "mxc://example.org/screenshot.png", msg.Attachments[0].URL)

	assert.Empty(t, env.messenger.dms, "staff chat must not reach the user")
}

func TestEngine_StaffChat_UnboundChannelIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, staffEvent("$evt1", "!random:example.org", "chatter")))

	_, err := env.store.GetMessageByExternalID(ctx, "$evt1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_Reply_RelaysPersistsAndCleansUp(t *testing.T) {
	// Scenario A, staff side: reply relayed as TO_USER, persisted, command
	// message removed from the room.
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	cmd := staffEvent("$cmd1", thread.ChannelID, "!reply hi")
	cmd.AttachmentURLs = []string{"mxc://example.org/abc"}
	require.NoError(t, env.engine.Reply(ctx, thread, cmd, "hi", false))

	require.Len(t, env.messenger.dms, 1)
	assert.Equal(t, "Mod (staff): hi", env.messenger.dms[0].Content)
	require.Len(t, env.messenger.dms[0].Attachments, 1)

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.DirectionToUser, last.Direction)
	assert.Equal(t, "hi", last.Content)
	assert.False(t, last.Anonymous)

	assert.Contains(t, env.messenger.removed, thread.ChannelID+"/$cmd1")
}

func TestEngine_Reply_DMFailureIsSilentToUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	before, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)

	env.messenger.failDM = true
	err = env.engine.Reply(ctx, thread, staffEvent("$cmd1", thread.ChannelID, "!reply hi"), "hi", false)
	require.Error(t, err)

	// No TO_USER row when the relay failed, and no removal either.
	after, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Empty(t, env.messenger.removed)
}

func TestEngine_Edit_DMSide_PostsSystemNotice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "helo")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	edited := dmEvent("$evt1", "@alice:example.org", "hello")
	require.NoError(t, env.engine.HandleEdit(ctx, edited, "helo"))

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.DirectionSystem, last.Direction)
	assert.Contains(t, last.Content, "helo")
	assert.Contains(t, last.Content, "hello")
}

func TestEngine_Edit_NoOpenThread_NoNotice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	evt := dmEvent("$evt1", "@alice:example.org", "new text")
	require.NoError(t, env.engine.HandleEdit(ctx, evt, "old text"))

	assert.Empty(t, env.messenger.channel)
}

func TestEngine_Edit_WhitespaceOnlyChangeIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()

	sent := len(env.messenger.channel)

	evt := dmEvent("$evt1", "@alice:example.org", "  hello  ")
	require.NoError(t, env.engine.HandleEdit(ctx, evt, "hello"))

	assert.Len(t, env.messenger.channel, sent, "trim-equal edit must cause no action")
}

func TestEngine_Edit_StaffSide_UpdatesRowInPlace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleMessage(ctx, staffEvent("$evt2", thread.ChannelID, "tpyo")))

	edited := staffEvent("$evt2", thread.ChannelID, "typo")
	require.NoError(t, env.engine.HandleEdit(ctx, edited, "tpyo"))

	msg, err := env.store.GetMessageByExternalID(ctx, "$evt2")
	require.NoError(t, err)
	assert.Equal(t, "typo", msg.Content)
}

func TestEngine_Delete_SoftDeletesStaffMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()
	thread, err := env.registry.FindOpenByUser(ctx, "@alice:example.org")
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleMessage(ctx, staffEvent("$evt2", thread.ChannelID, "oops")))
	require.NoError(t, env.engine.HandleDelete(ctx, staffEvent("$evt2", thread.ChannelID, "")))

	msg, err := env.store.GetMessageByExternalID(ctx, "$evt2")
	require.NoError(t, err)
	assert.True(t, msg.Deleted)
	assert.Equal(t, "oops", msg.Content, "content retained on soft delete")
	assert.Empty(t, env.messenger.dms, "deletion is not relayed to the user")
}

func TestEngine_Delete_DMSideIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$evt1", "@alice:example.org", "hello")))
	env.queue.Wait()

	require.NoError(t, env.engine.HandleDelete(ctx, dmEvent("$evt1", "@alice:example.org", "")))

	msg, err := env.store.GetMessageByExternalID(ctx, "$evt1")
	require.NoError(t, err)
	assert.False(t, msg.Deleted)
}

func TestEngine_Mention_Forwarded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	evt := Event{
		ID:         "$evt1",
		ChannelID:  "!lobby:example.org",
		AuthorID:   "@alice:example.org",
		AuthorName: "Alice",
		Content:    "hey @modmail can you help?",
	}
	require.NoError(t, env.engine.HandleMention(ctx, evt))

	require.Len(t, env.messenger.notices, 1)
	assert.Contains(t, env.messenger.notices[0], "!lobby:example.org")
	assert.Contains(t, env.messenger.notices[0], "can you help")
}

func TestEngine_Mention_StaffAndBlockedIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	require.NoError(t, env.gate.Block(ctx, "@spam:example.org"))

	staff := Event{ID: "$e1", ChannelID: "!lobby:example.org", AuthorID: "@mod:example.org", Content: "ping", FromStaff: true}
	require.NoError(t, env.engine.HandleMention(ctx, staff))

	blocked := Event{ID: "$e2", ChannelID: "!lobby:example.org", AuthorID: "@spam:example.org", Content: "ping"}
	require.NoError(t, env.engine.HandleMention(ctx, blocked))

	assert.Empty(t, env.messenger.notices)
}

func TestEngine_ScenarioA_FullConversation(t *testing.T) {
	// User DMs "hello" -> thread + room + FROM_USER row. Staff replies
	// "hi" -> TO_USER row, relayed, command message removed. Close ->
	// thread closed.
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	require.NoError(t, env.engine.HandleMessage(ctx, dmEvent("$hello", "@u:example.org", "hello")))
	env.queue.Wait()

	thread, err := env.registry.FindOpenByUser(ctx, "@u:example.org")
	require.NoError(t, err)

	require.NoError(t, env.engine.Reply(ctx, thread, staffEvent("$cmd", thread.ChannelID, "!reply hi"), "hi", false))

	_, closed, err := env.registry.Close(ctx, thread.ID)
	require.NoError(t, err)
	assert.True(t, closed)

	got, err := env.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ThreadStatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	msgs, err := env.store.GetThreadMessages(ctx, thread.ID, 0)
	require.NoError(t, err)

	var directions []string
	for _, m := range msgs {
		directions = append(directions, m.Direction)
	}
	assert.Equal(t, []string{store.DirectionSystem, store.DirectionFromUser, store.DirectionToUser}, directions)
}
