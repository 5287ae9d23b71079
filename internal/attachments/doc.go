// Package attachments captures attachment URLs best-effort before they
// expire, storing the bytes locally and handing back stable substitute
// references served by the log viewer. A failed capture logs a warning and
// passes the original URL through unchanged; capture never blocks a relay.
package attachments
