// Package snippets loads canned staff replies from a TOML file and registers
// them as commands on the command registry. Staff invoke a snippet with
// "snippet <name>" (alias "s") inside a thread room and the stored text is
// relayed to the user like a normal reply.
package snippets
