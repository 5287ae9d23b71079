// Package weblogs serves thread transcripts over HTTP.
//
// Access is capability-based: each transcript URL carries a signed key
// (HS256 JWT, subject = thread id) minted by LinkSigner. There are no
// accounts or sessions; whoever holds a valid link can read that one
// transcript until the link expires.
//
// Routes:
//
//	GET /logs/{id}?key=...   transcript page (markdown rendered to HTML)
//	GET /attachments/{file}  captured attachment files
//	GET /health              liveness probe
//
// The Exporter writes a static HTML snapshot when a thread closes and
// builds the signed URLs handed to staff. The server can listen on a local
// port or join a tailnet via tsnet.
package weblogs
