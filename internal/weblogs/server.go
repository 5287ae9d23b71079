// ABOUTME: HTTP server for transcript viewing, attachment files, and health checks
// ABOUTME: Listens on a local port or joins a tailnet via tsnet

package weblogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/modmail-gateway/internal/config"
	"github.com/2389/modmail-gateway/internal/store"
)

// Server serves transcripts and captured attachments.
type Server struct {
	store          TranscriptStore
	signer         *LinkSigner
	exporter       *Exporter
	attachmentsDir string
	cfg            config.LogsConfig
	tsCfg          config.TailscaleConfig
	logger         *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// NewServer creates the log viewer. attachmentsDir is where the capturer
// writes files; it is served read-only under /attachments/.
func NewServer(s TranscriptStore, signer *LinkSigner, exporter *Exporter, attachmentsDir string, cfg config.LogsConfig, tsCfg config.TailscaleConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:          s,
		signer:         signer,
		exporter:       exporter,
		attachmentsDir: attachmentsDir,
		cfg:            cfg,
		tsCfg:          tsCfg,
		logger:         logger.With("component", "weblogs"),
	}
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /logs/{id}", s.handleTranscript)
	mux.HandleFunc("GET /attachments/{file}", s.handleAttachment)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("log viewer listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("log viewer shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("log viewer: %w", err)
		}
	}

	if s.tsnetServer != nil {
		_ = s.tsnetServer.Close()
	}
	return nil
}

// listen creates the listener: a tailnet node when tailscale is enabled,
// otherwise a plain TCP socket on the configured address.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if !s.tsCfg.Enabled {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.cfg.HTTPAddr, err)
		}
		return ln, nil
	}

	authKey := s.tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}

	stateDir := s.tsCfg.StateDir
	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving tailscale state dir: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "modmail-gateway", "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  s.tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: s.tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", s.tsCfg.Hostname, "state_dir", stateDir, "ephemeral", s.tsCfg.Ephemeral)
	if _, err := s.tsnetServer.Up(ctx); err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// handleTranscript verifies the signed key, then renders the thread. The
// key's subject must name the requested thread: a valid link for one thread
// grants nothing for another.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusUnauthorized)
		return
	}

	sub, err := s.signer.Verify(key)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrExpiredToken) {
			status = http.StatusGone
		}
		http.Error(w, "invalid key", status)
		return
	}
	if sub != threadID {
		http.Error(w, "invalid key", http.StatusForbidden)
		return
	}

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("failed to load thread", "thread_id", threadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	html, err := s.exporter.Render(r.Context(), thread)
	if err != nil {
		s.logger.Error("failed to render transcript", "thread_id", threadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

// handleAttachment serves one captured file. The path value is a single
// segment, so traversal is structurally impossible; the base check is a
// second guard.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	if file == "" || file != filepath.Base(file) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.attachmentsDir, file))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
