package amclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidSession marks failures caused by an invalid or expired session.
// HTTP 401 responses from AM match it via errors.Is.
var ErrInvalidSession = errors.New("amclient: invalid session")

// HTTPError is a non-2xx response from AM with its status code and body
// preserved so callers can map it onto their own error surface.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("amclient: server returned %d", e.StatusCode)
}

// Is makes errors.Is(err, ErrInvalidSession) true for 401 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrInvalidSession && e.StatusCode == http.StatusUnauthorized
}

// ErrorDescription extracts the OAuth2-style error_description field from
// the response body, if the body is JSON and carries one.
func (e *HTTPError) ErrorDescription() string {
	var body struct {
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	if body.ErrorDescription != "" {
		return body.ErrorDescription
	}
	return body.Message
}

// IsInvalidSession reports whether err indicates that the session used for
// the call is no longer valid on the AM side.
func IsInvalidSession(err error) bool {
	return errors.Is(err, ErrInvalidSession)
}
