package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound means no item carries the code. It is an expected
	// outcome that routes to the create-item flow
	ErrNotFound = errors.New("item not found")

	// ErrConflict means the service refused a mutation, for example an
	// idempotency key replayed with a different payload
	ErrConflict = errors.New("transaction conflict")

	// ErrInsufficientStock means a decrement exceeds the stock on hand
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError lists the form fields that failed validation
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// NetworkError wraps a transport failure. The outcome of the remote call is
// unknown, so the same idempotency key must be used for any retry
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a NetworkError
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
