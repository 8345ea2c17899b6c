// Package protocol defines the session message model and its two wire
// encodings.
//
// Ownership boundary:
// - typed command bodies and slot references
// - JSON lines codec (message_id + command_name + body fields)
// - binary codec over frame/tlv, validated by schema
//
// Session semantics (ordering, references, lifecycle) live in
// protocol/session.
package protocol
