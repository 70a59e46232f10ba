package pkg

import "errors"

var (
	// ErrDisconnected is returned when the peer closed the connection or sent an empty line
	ErrDisconnected = errors.New("peer disconnected")

	// ErrMalformedPacket is returned when a line cannot be decoded as a packet
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMissingField is returned when a packet lacks a payload field its type requires
	ErrMissingField = errors.New("missing packet field")

	// ErrInvalidRing is returned when a ring cannot be built from the given addresses
	ErrInvalidRing = errors.New("invalid ring")

	// ErrNotConfigured is returned when a relay has no forwarding target yet
	ErrNotConfigured = errors.New("relay not configured")

	// ErrAlreadyConfigured is returned when a relay refuses a second forwarding target
	ErrAlreadyConfigured = errors.New("relay already configured")

	// ErrServerClosed is returned by operations on a stopped server
	ErrServerClosed = errors.New("server closed")
)
