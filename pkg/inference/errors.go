package inference

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable is returned when no inference backend is configured.
	ErrUnavailable = errors.New("inference backend not available")
	// ErrInference marks transport and remote processing failures; *Error unwraps to it.
	ErrInference = errors.New("inference request failed")
	// ErrInvalidResponse is returned when a response does not have the expected shape.
	ErrInvalidResponse = errors.New("invalid inference response")
)

// Error describes a failed remote call.
type Error struct {
	Backend string
	Model   string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Backend, e.Model, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Model, msg)
}

func (e *Error) Unwrap() error { return ErrInference }
