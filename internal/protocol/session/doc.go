// Package session owns the paired-session lifecycle shared by both peers.
//
// Ownership boundary:
// - SessionState and its status text lookup
// - lifecycle manager (activation, reachability, deactivation)
// - reconnection supervisor
// - single logical loop and generation-keyed timers
// - live-link handshake and retry/backoff/outbox primitives
//
// Only the Manager mutates SessionState. Readers take a Snapshot, which is
// an immutable value and never blocks a writer.
package session
