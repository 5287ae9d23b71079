// ABOUTME: Store interface and data types for modmail-gateway persistence
// ABOUTME: Defines Thread, ChatMessage, BlockedUser structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when creating a thread would violate the
// one-open-thread-per-user (or per-channel) constraint
var ErrDuplicateThread = errors.New("open thread already exists")

// Thread status values
const (
	ThreadStatusOpen   = "open"
	ThreadStatusClosed = "closed"
)

// Thread pairs one external user with one staff-side room for the duration
// of a conversation. Threads are never deleted; closing is a one-way
// transition that keeps the row for history.
type Thread struct {
	ID        string
	UserID    string
	ChannelID string
	Status    string // "open" or "closed"
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Message direction constants
const (
	DirectionToUser    = "to_user"    // staff reply relayed to the user's DM
	DirectionFromUser  = "from_user"  // user DM relayed into the thread room
	DirectionStaffChat = "staff_chat" // staff discussion logged, not relayed
	DirectionSystem    = "system"     // generated notice (edits, headers)
)

// Attachment is one captured (or pass-through) file reference on a message.
// URL is the stable substitute reference when capture succeeded, otherwise
// the original transport URL.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// ChatMessage is one logged or relayed message owned by a thread.
// Messages are soft-deleted: content is retained and Deleted is set.
type ChatMessage struct {
	ID          string
	ThreadID    string
	ExternalID  string // message id in the external room or DM, "" if unknown
	Direction   string // "to_user", "from_user", "staff_chat", "system"
	AuthorID    string
	Content     string
	Attachments []Attachment
	CreatedAt   time.Time
	Deleted     bool
	Anonymous   bool
}

// BlockedUser is a user whose DMs and mentions are ignored.
type BlockedUser struct {
	UserID    string
	BlockedAt time.Time
}

// Store defines the interface for thread, message, and blocklist persistence
type Store interface {
	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	GetOpenThreadByUser(ctx context.Context, userID string) (*Thread, error)
	GetOpenThreadByChannel(ctx context.Context, channelID string) (*Thread, error)
	// CloseThread marks an open thread closed. Returns false if the thread
	// was already closed, ErrNotFound if it does not exist.
	CloseThread(ctx context.Context, id string, closedAt time.Time) (bool, error)
	// ListClosedThreadsByUser returns closed threads in creation order (oldest first).
	ListClosedThreadsByUser(ctx context.Context, userID string) ([]*Thread, error)

	// Chat messages (the durable transcript)
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	GetMessage(ctx context.Context, id string) (*ChatMessage, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*ChatMessage, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	MarkMessageDeleted(ctx context.Context, id string) error
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*ChatMessage, error)

	// Blocklist
	BlockUser(ctx context.Context, userID string, blockedAt time.Time) error
	UnblockUser(ctx context.Context, userID string) error
	ListBlockedUsers(ctx context.Context) ([]*BlockedUser, error)

	// Close releases any resources held by the store
	Close() error
}
