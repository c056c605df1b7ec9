// Package errors defines the error taxonomy shared across the LSP
// orchestration components.
package errors

import (
	stderr "errors"
	"fmt"
)

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

// ProjectDetectionError reports that a workspace root could not be analyzed.
// Recoverable; the caller may retry with a different root.
type ProjectDetectionError struct {
	WorkspaceRoot string
	Err           error
}

// Error is an implementation of the error interface.
func (e *ProjectDetectionError) Error() string {
	return fmt.Sprintf("project detection failed for %q: %v", e.WorkspaceRoot, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProjectDetectionError) Unwrap() error { return e.Err }

// ServerStartupError reports that a language server process failed to spawn
// or crashed during initialize.
type ServerStartupError struct {
	ServerName string
	Err        error
}

// Error is an implementation of the error interface.
func (e *ServerStartupError) Error() string {
	return fmt.Sprintf("server startup failed for %q: %v", e.ServerName, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ServerStartupError) Unwrap() error { return e.Err }

// ConfigurationError reports that no matching language or server
// configuration exists. Not retryable without a config change.
type ConfigurationError struct {
	Detail string
}

// Error is an implementation of the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Detail)
}

// ServerCommunicationError reports RPC-level malformed or unexpected traffic
// from a running server.
type ServerCommunicationError struct {
	Method string
	Err    error
}

// Error is an implementation of the error interface.
func (e *ServerCommunicationError) Error() string {
	return fmt.Sprintf("server communication error on %q: %v", e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ServerCommunicationError) Unwrap() error { return e.Err }

// InternalError reports an invariant violation, such as missing expected
// state. Always logged, never silently swallowed.
type InternalError struct {
	Detail string
}

// Error is an implementation of the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Detail)
}

var (
	// ErrNotInitialized reports that a component received work before
	// being initialized.
	ErrNotInitialized = New("component not initialized")
	// ErrAlreadyStarted reports a duplicate start attempt.
	ErrAlreadyStarted = New("already started")
	// ErrStopped reports that a component has been stopped and will not
	// accept further work.
	ErrStopped = New("stopped")
)

// IsRetryable reports whether the error class permits a retry without a
// configuration change.
func IsRetryable(e error) bool {
	var cfg *ConfigurationError
	var internal *InternalError
	return !stderr.As(e, &cfg) && !stderr.As(e, &internal)
}
