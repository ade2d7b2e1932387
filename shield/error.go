package shield

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openam-community/am-agent-go/amclient"
)

// EvaluationError is the uniform error type shields deny with. It carries
// an HTTP status code for the response, a short message and an optional
// detail string for the error page.
type EvaluationError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("shield: %d %s", e.StatusCode, e.Message)
}

// NewEvaluationError builds an EvaluationError.
func NewEvaluationError(statusCode int, message, details string) *EvaluationError {
	return &EvaluationError{StatusCode: statusCode, Message: message, Details: details}
}

// boxError turns an arbitrary failure into an EvaluationError, preserving
// the upstream status code when the error came out of the AM transport.
func boxError(err error) *EvaluationError {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr
	}

	var httpErr *amclient.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.StatusCode)
		if desc := httpErr.ErrorDescription(); desc != "" {
			message = desc
		}
		return &EvaluationError{
			StatusCode: httpErr.StatusCode,
			Message:    message,
			Details:    err.Error(),
		}
	}

	return &EvaluationError{
		StatusCode: http.StatusInternalServerError,
		Message:    "Internal Server Error",
		Details:    err.Error(),
	}
}
