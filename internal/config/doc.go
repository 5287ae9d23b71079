// Package config handles configuration loading for modmail-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MODMAIL_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/modmail/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${MODMAIL_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	logs:
//	  link_ttl: "720h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Matrix connection and staff workspace:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@modmail:example.org"
//	  access_token: "${MODMAIL_MATRIX_TOKEN}"
//	  staff_space: "!space:example.org"   # thread rooms created here
//	  notice_room: "!notice:example.org"  # alerts and close notices
//	  command_prefix: "!"
//
// Relay behavior:
//
//	relay:
//	  always_reply: false
//	  always_reply_anon: false
//	  greeting: "Thanks for reaching out."
//
// Database and attachment storage:
//
//	database:
//	  path: "/var/lib/modmail/gateway.db"
//	attachments:
//	  dir: "/var/lib/modmail/attachments"
//
// Transcript log viewer:
//
//	logs:
//	  http_addr: "localhost:8327"
//	  base_url: "https://logs.example.org"
//	  jwt_secret: "${MODMAIL_LOG_SECRET}"
//	  link_ttl: "720h"
//
// Canned replies:
//
//	snippets:
//	  path: "/etc/modmail/snippets.toml"
//
// Tailscale (serves the log viewer on a tailnet instead of a local port):
//
//	tailscale:
//	  enabled: false
//	  hostname: "modmail-logs"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/modmail/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
