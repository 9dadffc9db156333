package protocol

import "errors"

// Framing and decoding errors. Everything except io.ErrUnexpectedEOF leaves
// the stream aligned on the next frame boundary, so callers can skip the
// frame and keep reading.
var (
	ErrChecksumMismatch = errors.New("protocol: frame checksum mismatch")
	ErrFrameTooLarge    = errors.New("protocol: frame exceeds maximum size")
	ErrShortHeader      = errors.New("protocol: short frame header")
	ErrInvalidJSON      = errors.New("protocol: invalid JSON payload")
	ErrMissingField     = errors.New("protocol: missing required field")
	ErrUnknownType      = errors.New("protocol: unknown message type")
)
