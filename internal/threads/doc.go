// Package threads manages the conversation thread lifecycle: lookup,
// creation, and one-way closure.
//
// FindOrCreate creates the staff-side room before inserting the thread row,
// so a crash between the two leaves an orphan room with no thread. That gap
// is accepted; there is no transaction spanning the room service and the
// store. Callers must run FindOrCreate inside the serial task queue; the
// queue is what guarantees two near-simultaneous first DMs from one user
// resolve to a single thread. The store's partial unique indexes are a
// second line of defense, and the registry recovers from a duplicate insert
// by re-looking up the winner and archiving its own orphaned room.
//
// Close marks the row closed first (authoritative), then exports the
// transcript and archives the room. Export and archive failures are logged
// and do not reopen the thread.
package threads
