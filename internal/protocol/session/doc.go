// Package session owns the per-canvas message stream: the receiver state
// machine, the producer that numbers messages, log replay and the transport
// helpers shared by the daemon and the client.
//
// Ownership boundary:
// - Session.Apply ordering, reference and lifecycle checks
// - Producer id assignment and message log
// - session.open control handshake
// - retry/backoff/outbox primitives
// - transport security validation and TLS configs
package session
