package cloud

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a cloud error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// a later attempt, e.g. an SSH hiccup or an instance still booting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable fault, e.g. a missing
	// IP address or a rejected API request.
	ErrorClassPermanent ErrorClass = "permanent"
)

// CloudError is a classified error raised by a controller.
// nolint:revive // CloudError reads better than cloud.Error at call sites
type CloudError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the controller operation that failed.
	Operation string `json:"operation,omitempty"`

	// Resource identifies the node or application involved.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CloudError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		msg += " (operation=" + e.Operation
		if e.Resource != "" {
			msg += ", resource=" + e.Resource
		}
		msg += ")"
	} else if e.Resource != "" {
		msg += " (resource=" + e.Resource + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CloudError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *CloudError {
	return &CloudError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *CloudError {
	return &CloudError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithOperation adds operation context to an error.
func (e *CloudError) WithOperation(operation string) *CloudError {
	e.Operation = operation
	return e
}

// WithResource adds resource context to an error.
func (e *CloudError) WithResource(resource string) *CloudError {
	e.Resource = resource
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *CloudError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *CloudError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrNoIPAddress is returned when an operation needs a node that has not
// been booted yet.
var ErrNoIPAddress = errors.New("node has no ip address")
