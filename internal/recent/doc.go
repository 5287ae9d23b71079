// Package recent provides a TTL-based, size-limited cache of recent message
// bodies keyed by external message ID. Edit events on the wire carry only
// the replacement body; the bridge looks up the original here to build the
// before/after notice. Entries that age out are simply gone; an edit whose
// original is no longer cached is dropped.
package recent
