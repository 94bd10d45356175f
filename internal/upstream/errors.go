package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// maxBodySnippet bounds how much upstream response body is carried in error
// details.
const maxBodySnippet = 1000

// Error is a failed upstream attempt. StatusCode is the upstream HTTP status,
// or 0 for transport-level failures (dial, timeout, unparsable body).
type Error struct {
	StatusCode int
	Message    string
	Body       string
	Timeout    bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream: %s (status=%d)", e.Message, e.StatusCode)
	}
	return "upstream: " + e.Message
}

// HTTPStatus returns the upstream status code, 0 when the failure never got
// an HTTP response.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// statusError builds an Error for an HTTP >= 400 upstream response.
func statusError(status int, body []byte) *Error {
	return &Error{
		StatusCode: status,
		Message:    fmt.Sprintf("provider returned HTTP %d", status),
		Body:       truncate(string(body), maxBodySnippet),
	}
}

// transportError wraps a dial/timeout/read failure.
func transportError(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Message: "provider request timed out", Timeout: true}
	}
	return &Error{Message: "provider connection failed: " + err.Error()}
}

// parseError wraps an unparsable upstream response body.
func parseError(err error) *Error {
	return &Error{Message: "provider response not parseable: " + err.Error()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
