// Package blocklist gates all user-originated processing on an in-memory
// set of blocked user IDs, loaded from the store at startup and written
// through on block/unblock. Block and Unblock are idempotent.
package blocklist
