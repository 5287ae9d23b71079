// ABOUTME: Entry point for the modmail-gateway relay server
// ABOUTME: Bridges user DMs to per-user staff thread rooms on Matrix

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/modmail-gateway/internal/attachments"
	"github.com/2389/modmail-gateway/internal/blocklist"
	"github.com/2389/modmail-gateway/internal/commands"
	"github.com/2389/modmail-gateway/internal/config"
	"github.com/2389/modmail-gateway/internal/matrix"
	"github.com/2389/modmail-gateway/internal/relay"
	"github.com/2389/modmail-gateway/internal/snippets"
	"github.com/2389/modmail-gateway/internal/store"
	"github.com/2389/modmail-gateway/internal/taskq"
	"github.com/2389/modmail-gateway/internal/threads"
	"github.com/2389/modmail-gateway/internal/weblogs"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _                 _ _
  _ __ ___   ___   __| |_ __ ___   __ _(_) |
 | '_ ' _ \ / _ \ / _' | '_ ' _ \ / _' | | |
 | | | | | | (_) | (_| | | | | | | (_| | | |
 |_| |_| |_|\___/ \__,_|_| |_| |_|\__,_|_|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: MODMAIL_CONFIG env var > XDG_CONFIG_HOME/modmail/gateway.yaml > ~/.config/modmail/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MODMAIL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "modmail", "gateway.yaml")
}

// getDataPath returns the path to the modmail data directory.
// Priority: XDG_DATA_HOME/modmail > ~/.local/share/modmail
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "modmail")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: modmail-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway")
		fmt.Println("  init    Create a new config file interactively")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Logs:       %s\n", cfg.Logs.BaseURL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting modmail-gateway",
		"config", configPath,
		"homeserver", cfg.Matrix.Homeserver,
		"logs_addr", cfg.Logs.HTTPAddr,
	)

	dataPath := getDataPath()

	attachmentsDir := cfg.Attachments.Dir
	if attachmentsDir == "" {
		attachmentsDir = filepath.Join(dataPath, "attachments")
	}
	exportsDir := filepath.Join(dataPath, "exports")

	// Storage
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	// Blocklist, serial queue, attachment capture
	gate, err := blocklist.Load(ctx, s, logger)
	if err != nil {
		return fmt.Errorf("loading blocklist: %w", err)
	}

	queue := taskq.New(logger)

	capturer, err := attachments.New(attachmentsDir, cfg.Logs.BaseURL+"/attachments", logger)
	if err != nil {
		return fmt.Errorf("setting up attachment capture: %w", err)
	}

	// Transcript links and exports
	signer := weblogs.NewLinkSigner([]byte(cfg.Logs.JWTSecret), cfg.Logs.LinkTTL)
	exporter, err := weblogs.NewExporter(s, signer, cfg.Logs.BaseURL, exportsDir, logger)
	if err != nil {
		return fmt.Errorf("setting up transcript exporter: %w", err)
	}

	// The bridge is built first: the registry and engine depend on its
	// outbound interfaces, and it learns about them via Bind below.
	bridge, err := matrix.New(cfg.Matrix, logger)
	if err != nil {
		return fmt.Errorf("creating matrix bridge: %w", err)
	}

	registry := threads.New(s, bridge, exporter, logger)

	engine := relay.New(s, registry, gate, queue, bridge, capturer, relay.Config{
		AlwaysReply:     cfg.Relay.AlwaysReply,
		AlwaysReplyAnon: cfg.Relay.AlwaysReplyAnon,
		Greeting:        cfg.Relay.Greeting,
	}, logger)

	// Commands: built-ins plus configured snippets
	cmdRegistry := commands.NewRegistry(logger)
	commands.RegisterBuiltins(cmdRegistry, commands.Deps{
		Replier: engine,
		Closer:  registry,
		Lister:  registry,
		Gate:    gate,
		Sender:  bridge,
		Linker:  exporter,
		Logger:  logger,
	})

	lib, err := snippets.Load(cfg.Snippets.Path, logger)
	if err != nil {
		return fmt.Errorf("loading snippets: %w", err)
	}
	lib.Register(cmdRegistry, engine, bridge)

	bridge.Bind(engine, cmdRegistry, registry)

	logServer := weblogs.NewServer(s, signer, exporter, attachmentsDir, cfg.Logs, cfg.Tailscale, logger)

	// Run the log viewer and the bridge; the first to exit stops the other.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- logServer.Run(runCtx) }()
	go func() { errCh <- bridge.Run(runCtx) }()

	err = <-errCh
	cancel()
	<-errCh

	// Let queued relay work finish before the store closes.
	queue.Wait()

	return err
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("%s/health", strings.TrimSuffix(cfg.Logs.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("modmail-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Matrix configuration
	fmt.Println("\n--- Matrix Configuration ---")
	homeserver := prompt(reader, "Homeserver URL", "https://matrix.org")
	userID := prompt(reader, "Bot user ID (e.g. @modmail:matrix.org)", "")
	accessToken := prompt(reader, "Access token", "")
	staffSpace := prompt(reader, "Staff space ID (thread rooms are created here)", "")
	noticeRoom := prompt(reader, "Notice room ID (alerts and close notices)", "")
	commandPrefix := prompt(reader, "Command prefix", "!")

	// Relay behavior
	fmt.Println("\n--- Relay Configuration ---")
	greeting := prompt(reader, "Greeting sent when a thread opens (empty for none)", "")
	alwaysReplyStr := prompt(reader, "Relay every staff message in thread rooms (always-reply)?", "no")
	alwaysReply := strings.ToLower(alwaysReplyStr) == "yes" || strings.ToLower(alwaysReplyStr) == "y"

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Log viewer
	fmt.Println("\n--- Log Viewer Configuration ---")
	logsAddr := prompt(reader, "HTTP address", "localhost:8327")
	baseURL := prompt(reader, "External base URL", "http://"+logsAddr)

	// A random secret is generated; transcript links are signed with it.
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating link secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Serve the log viewer on Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "modmail-logs")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# modmail-gateway configuration\n")
	cfg.WriteString("# Generated by modmail-gateway init\n\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: \"%s\"\n", homeserver))
	cfg.WriteString(fmt.Sprintf("  user_id: \"%s\"\n", userID))
	cfg.WriteString(fmt.Sprintf("  access_token: \"%s\"\n", accessToken))
	cfg.WriteString(fmt.Sprintf("  staff_space: \"%s\"\n", staffSpace))
	cfg.WriteString(fmt.Sprintf("  notice_room: \"%s\"\n", noticeRoom))
	cfg.WriteString(fmt.Sprintf("  command_prefix: \"%s\"\n", commandPrefix))
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  always_reply: %t\n", alwaysReply))
	cfg.WriteString("  always_reply_anon: false\n")
	if greeting != "" {
		cfg.WriteString(fmt.Sprintf("  greeting: \"%s\"\n", greeting))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logs:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", logsAddr))
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("  link_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  modmail-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
