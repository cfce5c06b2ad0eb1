// Package session resolves external contacts to durable conversation sessions
// and owns the append-only message log. Sessions are archived, never deleted;
// message order per session is the one consistency guarantee the rest of the
// pipeline builds on.
package session
