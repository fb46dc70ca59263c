// Package protocol owns the peer message contract.
//
// Ownership boundary:
// - command and ack value types
// - JSON wire encoding for both channels
// - frame primitives for the live link (see frame/)
package protocol
