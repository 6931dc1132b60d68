// Package session persists agent run transcripts as JSONL files.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Transcripts are append-only; turns are never rewritten in place.
// - Writes for the same session are serialized.
// - Append/load/delete operations are observable via tracing and metrics.
//
// Usage:
//
//	mgr, _ := session.New("/tmp/manus/sessions")
//	_ = mgr.Append("session:1", session.Turn{Role: "user", Content: "hello"})
//	entries, _ := mgr.Load("session:1")
//	_ = entries
package session
