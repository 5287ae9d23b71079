// ABOUTME: Transcript rendering, signed URL construction, and static snapshots
// ABOUTME: Renders message markdown to HTML with goldmark into the transcript template

package weblogs

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"

	"github.com/2389/modmail-gateway/internal/store"
)

// TranscriptStore is the slice of the store the transcript views need.
type TranscriptStore interface {
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*store.ChatMessage, error)
}

// Exporter renders transcripts, writes static snapshots when threads close,
// and builds the signed URLs staff hand around.
type Exporter struct {
	store   TranscriptStore
	signer  *LinkSigner
	baseURL string
	dir     string
	tmpl    *template.Template
	logger  *slog.Logger
}

// NewExporter creates an exporter. dir receives static snapshots; it is
// created if needed. baseURL is the log server's external URL.
func NewExporter(s TranscriptStore, signer *LinkSigner, baseURL, dir string, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	tmpl, err := template.ParseFS(templateFS, "templates/transcript.html")
	if err != nil {
		return nil, fmt.Errorf("parsing transcript template: %w", err)
	}
	return &Exporter{
		store:   s,
		signer:  signer,
		baseURL: baseURL,
		dir:     dir,
		tmpl:    tmpl,
		logger:  logger.With("component", "weblogs"),
	}, nil
}

// TranscriptURL builds the signed viewer URL for a thread.
func (e *Exporter) TranscriptURL(threadID string) (string, error) {
	key, err := e.signer.Sign(threadID)
	if err != nil {
		return "", fmt.Errorf("signing transcript link: %w", err)
	}
	return fmt.Sprintf("%s/logs/%s?key=%s", e.baseURL, threadID, key), nil
}

// ExportThread writes a static HTML snapshot of the thread and returns its
// signed viewer URL. Called by the thread registry on close.
func (e *Exporter) ExportThread(ctx context.Context, thread *store.Thread) (string, error) {
	html, err := e.Render(ctx, thread)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(e.dir, thread.ID+".html")
	if err := os.WriteFile(dest, html, 0644); err != nil {
		return "", fmt.Errorf("writing transcript snapshot: %w", err)
	}
	e.logger.Info("exported transcript", "thread_id", thread.ID, "file", dest)

	return e.TranscriptURL(thread.ID)
}

// transcriptData feeds the transcript template.
type transcriptData struct {
	Thread   *store.Thread
	Messages []renderedMessage
}

type renderedMessage struct {
	Author      string
	When        string
	Direction   string
	Body        template.HTML
	Deleted     bool
	Attachments []store.Attachment
}

// Render produces the full transcript page for a thread.
func (e *Exporter) Render(ctx context.Context, thread *store.Thread) ([]byte, error) {
	messages, err := e.store.GetThreadMessages(ctx, thread.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading thread messages: %w", err)
	}

	data := transcriptData{Thread: thread}
	for _, msg := range messages {
		data.Messages = append(data.Messages, renderedMessage{
			Author:      authorLabel(msg),
			When:        msg.CreatedAt.Format("2006-01-02 15:04"),
			Direction:   msg.Direction,
			Body:        renderMarkdown(msg.Content),
			Deleted:     msg.Deleted,
			Attachments: msg.Attachments,
		})
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// authorLabel hides staff identity on anonymous relays.
func authorLabel(msg *store.ChatMessage) string {
	switch msg.Direction {
	case store.DirectionSystem:
		return "system"
	case store.DirectionToUser:
		if msg.Anonymous {
			return "Staff"
		}
	}
	return msg.AuthorID
}

// renderMarkdown converts message markdown to sanitizable HTML. Goldmark
// escapes raw HTML by default, so stored content cannot inject markup.
func renderMarkdown(content string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		// Fall back to escaped plain text.
		return template.HTML(template.HTMLEscapeString(content))
	}
	return template.HTML(buf.String())
}
