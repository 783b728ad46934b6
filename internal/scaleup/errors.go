package scaleup

import "fmt"

// ErrorKind tags a ScaleError with its retry scope.
type ErrorKind int

const (
	// KindCapacity: the fleet call partially or wholly failed. Only the
	// failed instances' worth of messages need redelivery.
	KindCapacity ErrorKind = iota
	// KindRegistryHTTP: instances were already created when the registry
	// call failed, so every one of them needs re-registration and every
	// originating message must be redelivered.
	KindRegistryHTTP
)

// ScaleError is the admission engine's failure report. One type with a
// kind tag; the retry-scope rule lives in a single place (FailedMessages)
// instead of being spread over a type hierarchy.
type ScaleError struct {
	Kind        ErrorKind
	FailedCount int    // capacity: instances that did not launch
	StatusCode  int    // registry: HTTP status
	Message     string // registry: response body
}

func NewCapacityError(failedCount int) *ScaleError {
	return &ScaleError{Kind: KindCapacity, FailedCount: failedCount}
}

func NewRegistryHTTPError(statusCode int, message string) *ScaleError {
	return &ScaleError{Kind: KindRegistryHTTP, StatusCode: statusCode, Message: message}
}

func (e *ScaleError) Error() string {
	switch e.Kind {
	case KindRegistryHTTP:
		return fmt.Sprintf("registry call failed with status %d: %s", e.StatusCode, e.Message)
	default:
		noun := "instances"
		if e.FailedCount == 1 {
			noun = "instance"
		}
		if e.Message != "" {
			return fmt.Sprintf("failed to launch %d %s: %s", e.FailedCount, noun, e.Message)
		}
		return fmt.Sprintf("failed to launch %d %s", e.FailedCount, noun)
	}
}

// FailedMessages returns the subset of the submitted batch that should be
// marked failed for redelivery. Capacity failures take the first
// FailedCount messages in submitted order; registry failures take the
// whole batch. The count is clamped to [0, len(messages)].
func (e *ScaleError) FailedMessages(messages []Request) []Request {
	switch e.Kind {
	case KindRegistryHTTP:
		return messages
	default:
		n := e.FailedCount
		if n < 0 {
			n = 0
		}
		if n > len(messages) {
			n = len(messages)
		}
		return messages[:n]
	}
}
