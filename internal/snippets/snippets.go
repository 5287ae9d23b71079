// ABOUTME: TOML-backed canned replies exposed as snippet/s commands
// ABOUTME: Loads a flat name = "text" table and relays snippet text like a staff reply

package snippets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/modmail-gateway/internal/commands"
	"github.com/2389/modmail-gateway/internal/relay"
	"github.com/2389/modmail-gateway/internal/store"
)

// Library holds the canned replies loaded at startup. The file is read once;
// editing snippets means restarting the gateway.
type Library struct {
	snippets map[string]string
	logger   *slog.Logger
}

// Load reads a TOML file of snippet definitions. The file is a flat table:
//
//	welcome = "Thanks for reaching out, we will get back to you shortly."
//	hours = "Staff are around 9am-5pm UTC on weekdays."
//
// An empty path yields an empty library.
func Load(path string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lib := &Library{
		snippets: make(map[string]string),
		logger:   logger.With("component", "snippets"),
	}

	if path == "" {
		return lib, nil
	}

	if _, err := toml.DecodeFile(path, &lib.snippets); err != nil {
		return nil, fmt.Errorf("loading snippets from %s: %w", path, err)
	}

	lib.logger.Info("loaded snippets", "path", path, "count", len(lib.snippets))
	return lib, nil
}

// Get returns the snippet text for name.
func (l *Library) Get(name string) (string, bool) {
	text, ok := l.snippets[name]
	return text, ok
}

// Names returns all snippet names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.snippets))
	for name := range l.snippets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register binds the snippet command (alias s) on the registry. replier
// relays the snippet text to the thread's user; sender posts listings and
// miss notices into the invoking room.
func (l *Library) Register(reg *commands.Registry, replier commands.Replier, sender commands.ChannelSender) {
	reg.Register(l.handler(replier, sender), "snippet", "s")
}

func (l *Library) handler(replier commands.Replier, sender commands.ChannelSender) commands.Handler {
	return func(ctx context.Context, msg *commands.Message, args []string, thread *store.Thread) error {
		if len(args) == 0 {
			return l.list(ctx, sender, msg.ChannelID)
		}

		name := args[0]
		text, ok := l.Get(name)
		if !ok {
			_, err := sender.SendToChannel(ctx, msg.ChannelID, fmt.Sprintf("Unknown snippet %q.", name), nil)
			return err
		}

		if thread == nil {
			l.logger.Debug("snippet outside a thread room ignored", "snippet", name, "channel_id", msg.ChannelID)
			return nil
		}

		evt := relay.Event{
			ID:         msg.ID,
			ChannelID:  msg.ChannelID,
			AuthorID:   msg.AuthorID,
			AuthorName: msg.AuthorName,
			FromStaff:  true,
		}
		return replier.Reply(ctx, thread, evt, text, false)
	}
}

func (l *Library) list(ctx context.Context, sender commands.ChannelSender, channelID string) error {
	names := l.Names()
	if len(names) == 0 {
		_, err := sender.SendToChannel(ctx, channelID, "No snippets configured.", nil)
		return err
	}
	_, err := sender.SendToChannel(ctx, channelID, "Snippets: "+strings.Join(names, ", "), nil)
	return err
}
