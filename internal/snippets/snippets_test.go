// ABOUTME: Tests for the snippet library and its command handler.
// ABOUTME: Covers TOML loading, listing, unknown names, and relaying snippet text.

package snippets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/modmail-gateway/internal/commands"
	"github.com/2389/modmail-gateway/internal/relay"
	"github.com/2389/modmail-gateway/internal/store"
)

type recordingReplier struct {
	texts []string
}

func (r *recordingReplier) Reply(ctx context.Context, thread *store.Thread, evt relay.Event, text string, anonymous bool) error {
	r.texts = append(r.texts, text)
	return nil
}

type recordingSender struct {
	sent []string
}

func (s *recordingSender) SendToChannel(ctx context.Context, channelID, content string, attachments []store.Attachment) (string, error) {
	s.sent = append(s.sent, content)
	return "$id", nil
}

func (s *recordingSender) SendNotice(ctx context.Context, content string) error { return nil }

func writeSnippets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snippets.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_EmptyPath(t *testing.T) {
	lib, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, lib.Names())
}

func TestLoad_ParsesTOML(t *testing.T) {
	path := writeSnippets(t, `
welcome = "Thanks for reaching out."
hours = "Staff are around 9am-5pm UTC."
`)

	lib, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"hours", "welcome"}, lib.Names())
	text, ok := lib.Get("welcome")
	require.True(t, ok)
	assert.Equal(t, "Thanks for reaching out.", text)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeSnippets(t, "welcome = not quoted")
	_, err := Load(path, nil)
	assert.Error(t, err)
}

func newCommandFixture(t *testing.T, tomlContent string) (*commands.Registry, *recordingReplier, *recordingSender) {
	t.Helper()
	lib, err := Load(writeSnippets(t, tomlContent), nil)
	require.NoError(t, err)

	reg := commands.NewRegistry(nil)
	replier := &recordingReplier{}
	sender := &recordingSender{}
	lib.Register(reg, replier, sender)
	return reg, replier, sender
}

func cmdMsg() *commands.Message {
	return &commands.Message{
		ID:        "$cmd",
		ChannelID: "!thread:example.org",
		AuthorID:  "@mod:example.org",
	}
}

func TestSnippet_RepliesWithText(t *testing.T) {
	reg, replier, _ := newCommandFixture(t, `welcome = "Thanks for reaching out."`)
	thread := &store.Thread{ID: "t1", UserID: "@alice:example.org", ChannelID: "!thread:example.org"}

	handled := reg.Dispatch(context.Background(), "snippet", cmdMsg(), []string{"welcome"}, thread)
	require.True(t, handled)
	require.Len(t, replier.texts, 1)
	assert.Equal(t, "Thanks for reaching out.", replier.texts[0])
}

func TestSnippet_AliasWorks(t *testing.T) {
	reg, replier, _ := newCommandFixture(t, `welcome = "Thanks."`)
	thread := &store.Thread{ID: "t1", UserID: "@alice:example.org", ChannelID: "!thread:example.org"}

	handled := reg.Dispatch(context.Background(), "s", cmdMsg(), []string{"welcome"}, thread)
	require.True(t, handled)
	assert.Len(t, replier.texts, 1)
}

func TestSnippet_UnknownName(t *testing.T) {
	reg, replier, sender := newCommandFixture(t, `welcome = "Thanks."`)
	thread := &store.Thread{ID: "t1", UserID: "@alice:example.org", ChannelID: "!thread:example.org"}

	reg.Dispatch(context.Background(), "snippet", cmdMsg(), []string{"missing"}, thread)

	assert.Empty(t, replier.texts)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], `Unknown snippet "missing"`)
}

func TestSnippet_NoArgsListsNames(t *testing.T) {
	reg, _, sender := newCommandFixture(t, "a = \"1\"\nb = \"2\"\n")

	reg.Dispatch(context.Background(), "snippet", cmdMsg(), nil, nil)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Snippets: a, b", sender.sent[0])
}

func TestSnippet_OutsideThreadIgnored(t *testing.T) {
	reg, replier, sender := newCommandFixture(t, `welcome = "Thanks."`)

	reg.Dispatch(context.Background(), "snippet", cmdMsg(), []string{"welcome"}, nil)

	assert.Empty(t, replier.texts)
	assert.Empty(t, sender.sent)
}
