// Package matrix is the transport bridge between the Matrix homeserver and
// the relay engine. It owns the sync loop, translates Matrix events
// (messages, edits, redactions, invites) into normalized relay events, and
// implements the outbound side: DM delivery, thread-room creation inside the
// staff space, notices, and redactions.
//
// The bridge is built first and wired to the engine afterwards via Bind,
// because the engine and thread registry both depend on the bridge's
// outbound interfaces.
package matrix
