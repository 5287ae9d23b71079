// Package relay is the event-decision core of the gateway. It consumes
// normalized gateway events (message create/edit/delete, mentions) and
// decides, for each one, which relay and transcript actions to take.
//
// Every user-originated path consults the blocklist gate first. The DM path
// runs as a task on the serial queue so that concurrent first DMs from one
// user resolve to a single thread. Messages are recorded before they are
// relayed: the transcript is the source of truth, not a side effect.
//
// Failures are isolated per handler invocation. Relay failures are silent
// toward the external user (no retry, no error reply) and surface only in
// logs and, on the command path, as an absent confirmation.
package relay
