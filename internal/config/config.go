// ABOUTME: Configuration loading and parsing for modmail-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete modmail-gateway configuration
type Config struct {
	Matrix      MatrixConfig      `yaml:"matrix"`
	Relay       RelayConfig       `yaml:"relay"`
	Database    DatabaseConfig    `yaml:"database"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Logs        LogsConfig        `yaml:"logs"`
	Snippets    SnippetsConfig    `yaml:"snippets"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MatrixConfig holds homeserver and staff-workspace configuration
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// StaffSpace is the Matrix space thread rooms are created under.
	// Its members are the staff workspace.
	StaffSpace string `yaml:"staff_space"`
	// NoticeRoom receives mention alerts and close notices.
	NoticeRoom string `yaml:"notice_room"`
	// CommandPrefix marks staff commands in thread rooms (default "!").
	CommandPrefix string `yaml:"command_prefix"`
}

// RelayConfig holds relay behavior configuration
type RelayConfig struct {
	// AlwaysReply relays every non-command staff message in a thread room
	// to the user instead of logging it as internal chat.
	AlwaysReply bool `yaml:"always_reply"`
	// AlwaysReplyAnon makes always-reply relays anonymous.
	AlwaysReplyAnon bool `yaml:"always_reply_anon"`
	// Greeting is DMed to a user once when their thread opens.
	Greeting string `yaml:"greeting"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AttachmentsConfig holds attachment capture configuration
type AttachmentsConfig struct {
	Dir string `yaml:"dir"`
}

// LogsConfig holds the transcript viewer configuration
type LogsConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the externally reachable URL of the log viewer, used in
	// transcript links. Defaults to http://<http_addr>.
	BaseURL string `yaml:"base_url"`
	// JWTSecret signs transcript capability links.
	JWTSecret string `yaml:"jwt_secret"`

	LinkTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	LinkTTLRaw string `yaml:"link_ttl"`
}

// SnippetsConfig points at the optional canned-replies file
type SnippetsConfig struct {
	Path string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the log viewer
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Matrix.CommandPrefix == "" {
		c.Matrix.CommandPrefix = "!"
	}
	if c.Logs.HTTPAddr == "" {
		c.Logs.HTTPAddr = "localhost:8327"
	}
	if c.Logs.BaseURL == "" {
		c.Logs.BaseURL = "http://" + c.Logs.HTTPAddr
	}
	if c.Logs.LinkTTL == 0 {
		c.Logs.LinkTTL = 30 * 24 * time.Hour
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.StaffSpace == "" {
		return fmt.Errorf("matrix.staff_space is required")
	}
	if c.Matrix.NoticeRoom == "" {
		return fmt.Errorf("matrix.notice_room is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Logs.JWTSecret == "" {
		return fmt.Errorf("logs.jwt_secret is required")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Logs.LinkTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Logs.LinkTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing logs.link_ttl %q: %w", cfg.Logs.LinkTTLRaw, err)
		}
		cfg.Logs.LinkTTL = d
	}
	return nil
}
