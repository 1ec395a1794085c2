package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRequestFailed matches every *RequestError via errors.Is.
	ErrRequestFailed = errors.New("device request failed")

	// ErrEmptyArgument is returned before any request when a required
	// identifier is empty.
	ErrEmptyArgument = errors.New("argument must not be empty")
)

// RequestError is returned when the device answers with a non-2xx status.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	// Reason is the device-supplied explanation, when the body carried one.
	Reason string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.StatusCode)
	switch {
	case e.Reason != "":
		return msg + ": " + e.Reason
	case len(e.Body) > 0:
		return msg + ": " + strings.TrimSpace(string(e.Body))
	default:
		return msg
	}
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// deviceError is the JSON error body devices return alongside failures.
type deviceError struct {
	Code     int    `json:"Code"`
	CodeText string `json:"CodeText"`
	Reason   string `json:"Reason"`
	Success  bool   `json:"Success"`
}

func newRequestError(method, path string, status int, body []byte) *RequestError {
	e := &RequestError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       body,
	}
	var de deviceError
	if len(body) > 0 && json.Unmarshal(body, &de) == nil {
		switch {
		case de.Reason != "":
			e.Reason = de.Reason
		case de.CodeText != "":
			e.Reason = de.CodeText
		}
	}
	return e
}
