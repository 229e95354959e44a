// Package httperr implements the {"error": "..."} bodies that enclaves use to
// explain failed requests.
package httperr

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// Error is an application error message.
type Error struct {
	Msg string `json:"error"`
}

// New creates a new application layer error message.
func New(msg string) *Error {
	return &Error{Msg: msg}
}

// FromBody extracts the error message from an HTTP response body. The response
// body is not consumed and is still available for further reading.
func FromBody(resp *http.Response) string {
	var b bytes.Buffer
	resp.Body = io.NopCloser(io.TeeReader(resp.Body, &b))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	resp.Body = io.NopCloser(&b)
	return FromBytes(body)
}

// FromBytes extracts the error message from the given response body.  If the
// body is not an error object, the trimmed body itself is returned, so plain
// text errors remain visible.
func FromBytes(body []byte) string {
	var e Error
	if err := json.Unmarshal(body, &e); err == nil && e.Msg != "" {
		return e.Msg
	}
	if len(body) > 0 && body[0] == '{' {
		return ""
	}
	const maxLen = 256
	body = bytes.TrimSpace(body)
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return string(body)
}
