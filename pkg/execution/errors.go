package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by NewOrganizer for unusable settings.
	ErrInvalidConfig = errors.New("invalid execution config")

	// ErrUnknownScalingGroup is a hard fault raised when an application
	// references a scaling group the repository does not know.
	ErrUnknownScalingGroup = errors.New("unknown scaling group")

	// ErrNoNodeGroup is returned by compensations that have to boot a
	// replacement for a node that belongs to no node group.
	ErrNoNodeGroup = errors.New("node has no node group")

	// errAttemptFailed marks a failed attempt for the retry loop.
	errAttemptFailed = errors.New("attempt failed")
)

// PanicError wraps a panic raised inside an action hook.
type PanicError struct {
	Hook  string
	Value interface{}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Hook, e.Value)
}

// protect runs fn and converts a panic into a PanicError.
func protect(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Hook: hook, Value: r}
		}
	}()
	return fn()
}
