package v1

import (
	"strconv"
	"strings"
)

type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed or out-of-range input. Nothing
// that fails validation is ever written to storage.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Issues: []Issue{{Field: field, Message: msg}}}
}

func (e *ValidationError) Add(field, msg string) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: msg})
}

// OrNil returns nil when no issue was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func itoa(i int) string { return strconv.Itoa(i) }
