package session

import "errors"

// Session-boundary outcomes. These classify results carried in status and
// attempt records; they are never returned as hard failures to callers.
var (
	ErrSessionNotReady     = errors.New("session: not ready")
	ErrChannelUnreachable  = errors.New("session: live channel unreachable")
	ErrTransportRejected   = errors.New("session: transport rejected command")
	ErrUnknownAction       = errors.New("session: unknown action")
	ErrActivationFailed    = errors.New("session: activation failed")
	ErrAuthorizationDenied = errors.New("session: authorization denied")
)
