package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g. "nodes[2].hostname").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error as file:line:column: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// InvalidConfigurationError is returned when a configuration or setup
// file parses but is not usable.
type InvalidConfigurationError struct {
	// Source is the file the errors were found in.
	Source string

	// Errors lists every problem found.
	Errors []ValidationError
}

// Error implements the error interface.
func (e *InvalidConfigurationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration %s: %d errors: %s", e.Source, len(e.Errors), strings.Join(msgs, "; "))
}

// add records a problem at path.
func (e *InvalidConfigurationError) add(path, format string, args ...interface{}) {
	e.Errors = append(e.Errors, ValidationError{
		File:    e.Source,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// errOrNil returns e if any problem was recorded.
func (e *InvalidConfigurationError) errOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}
