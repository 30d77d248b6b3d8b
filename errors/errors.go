// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errors provides standardized error wrapping for the agent.
package errors

import (
	"errors"
	"fmt"
)

// Error categories for structured error handling
const (
	CategoryValidation = "validation"
	CategoryRouting    = "routing"
	CategoryRunbook    = "runbook"
	CategoryTool       = "tool"
	CategoryCluster    = "cluster"
	CategoryLLM        = "llm"
	CategoryDatabase   = "database"
	CategoryConfig     = "configuration"
	CategoryInternal   = "internal"
)

// AgentError represents a structured error with category and context
type AgentError struct {
	Category string
	Op       string // Operation that failed
	Err      error  // Underlying error
	Message  string // Human-readable message
}

// Error implements the error interface
func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Op == "" || e.Op == t.Op)
}

// Wrap wraps an error with operation context and category
func Wrap(err error, category, op, message string) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  message,
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, category, op, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  fmt.Sprintf(format, args...),
	}
}

// New creates a new AgentError without wrapping an existing error
func New(category, op, message string) error {
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      errors.New(message),
		Message:  message,
	}
}

// Newf creates a new AgentError with formatted message
func Newf(category, op, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      errors.New(msg),
		Message:  msg,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category string) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, returns empty string
// if the error is not an AgentError
func GetCategory(err error) string {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category
	}
	return ""
}

// IsRetryable determines if an error could succeed on a later delivery
// of the same alert. The engine never retries internally; Alertmanager
// re-sends, so this only informs logging and metrics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if IsCategory(err, CategoryValidation) || IsCategory(err, CategoryRouting) ||
		IsCategory(err, CategoryRunbook) || IsCategory(err, CategoryConfig) {
		return false
	}

	// Cluster, LLM and database calls fail transiently
	if IsCategory(err, CategoryCluster) || IsCategory(err, CategoryLLM) ||
		IsCategory(err, CategoryDatabase) {
		return true
	}

	return false
}

// Common error constructors for frequently used patterns

// ValidationError creates a validation error
func ValidationError(op, message string) error {
	return New(CategoryValidation, op, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(op, format string, args ...interface{}) error {
	return Newf(CategoryValidation, op, format, args...)
}

// RoutingError creates a routing error
func RoutingError(op, message string) error {
	return New(CategoryRouting, op, message)
}

// RunbookError wraps a runbook loading or validation error
func RunbookError(op string, err error) error {
	return Wrap(err, CategoryRunbook, op, "")
}

// RunbookErrorf wraps a runbook error with message
func RunbookErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryRunbook, op, format, args...)
}

// ToolError wraps a tool execution error
func ToolError(op string, err error) error {
	return Wrap(err, CategoryTool, op, "")
}

// ToolErrorf wraps a tool execution error with message
func ToolErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryTool, op, format, args...)
}

// ClusterError wraps a Kubernetes API error
func ClusterError(op string, err error) error {
	return Wrap(err, CategoryCluster, op, "")
}

// ClusterErrorf wraps a Kubernetes API error with message
func ClusterErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryCluster, op, format, args...)
}

// LLMError wraps an LLM call error
func LLMError(op string, err error) error {
	return Wrap(err, CategoryLLM, op, "")
}

// DatabaseError wraps a Postgres error
func DatabaseError(op string, err error) error {
	return Wrap(err, CategoryDatabase, op, "")
}

// DatabaseErrorf wraps a Postgres error with message
func DatabaseErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryDatabase, op, format, args...)
}

// ConfigError creates a configuration error
func ConfigError(op, message string) error {
	return New(CategoryConfig, op, message)
}
