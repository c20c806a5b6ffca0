package proxy

import "errors"

// Error kinds surfaced to clients as HTTP 500 with a uniform message body,
// each logged at error level by writeError. ErrUpstreamTransport carries
// the text of the underlying error; ErrBodyTooLarge and ErrBadJSON are
// returned bare, without the parser's own error.
var (
	// ErrBodyTooLarge is returned when a /v1/* request body exceeds the
	// 512 KiB model-extraction peek bound.
	ErrBodyTooLarge = errors.New("proxy: request body exceeds 512 KiB model-extraction limit")
	// ErrBadJSON is returned when a /v1/* request body is not valid JSON
	// or is missing a string "model" field.
	ErrBadJSON = errors.New("proxy: request body is not valid JSON with a string \"model\" field")
	// ErrUpstreamTransport is returned when the forwarded request to a
	// backend fails at the transport level, and also when reading a /v1/*
	// request body for model extraction fails.
	ErrUpstreamTransport = errors.New("proxy: upstream request failed")
)
