package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyPeek is the 512 KiB bound on how much of a /v1/* request body the
// proxy will buffer in memory to extract the "model" field.
const maxBodyPeek = 512 * 1024

// modelFromBody reads up to maxBodyPeek+1 bytes of r's body, extracts the
// JSON string field "model", and replaces r.Body with a fresh reader over
// the buffered bytes so the backend sees the original payload verbatim.
// Fails with ErrBodyTooLarge if the body is larger than maxBodyPeek, or
// ErrBadJSON if it does not parse as JSON with a string "model" field.
func modelFromBody(r *http.Request) (string, error) {
	limited := io.LimitReader(r.Body, maxBodyPeek+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrUpstreamTransport, err)
	}
	if len(data) > maxBodyPeek {
		return "", ErrBodyTooLarge
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Model == "" {
		return "", ErrBadJSON
	}

	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	return payload.Model, nil
}
