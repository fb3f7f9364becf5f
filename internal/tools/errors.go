// Package tools provides the tool registry and execution framework.
//
// This file defines error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch,
// not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ValidationError reports arguments that do not satisfy a tool's
// declared input schema. The call fails but the conversation continues;
// the model may retry with corrected arguments.
type ValidationError struct {
	Tool    string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Field, e.Message)
}

// IsFatal reports whether err, or any error it wraps, marks itself as
// fatal to the current turn by implementing Fatal() bool. Fatal errors
// abort the turn instead of being reported to the model as a failed
// tool result.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}
