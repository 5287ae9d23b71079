// Package commands implements the staff command surface: an explicit
// name→handler map with aliases as extra keys. Handlers receive the
// invoking message, the argument tokens, and the open thread bound to the
// invoking channel (nil if none).
//
// The dispatcher follows a silent-failure policy: malformed arguments and
// lookup misses are ignored without a reply, and handler errors are logged
// but never reported into the room. Success is visible only through each
// command's own confirmation side effect.
package commands
