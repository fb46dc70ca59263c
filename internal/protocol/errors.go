package protocol

import "errors"

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrMissingCommandID = errors.New("protocol: missing command id")
	ErrInvalidAckStatus = errors.New("protocol: invalid ack status")
	ErrNegativeCount    = errors.New("protocol: negative vibration count")
)
