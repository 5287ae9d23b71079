// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Thread: one conversation pairing an external user with a staff-side
//     room. At most one open thread exists per user and per channel,
//     enforced by partial unique indexes. Status only moves open -> closed;
//     rows are never deleted.
//   - ChatMessage: one entry in a thread's durable transcript, tagged with a
//     direction (to_user, from_user, staff_chat, system), optional external
//     message id for edit/delete lookups, JSON-encoded attachment refs, and
//     soft-delete + anonymous flags.
//   - BlockedUser: users whose DMs and mentions are ignored.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on open; migrations are idempotent column adds.
// Timestamps are stored as UTC RFC3339 text.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateThread: an open thread already exists for the user/channel
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; it enforces the same open-thread
// uniqueness as SQLite. Use NewSQLiteStore with a t.TempDir() path for
// integration tests against the real schema.
package store
