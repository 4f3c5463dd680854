// Package errors defines the structured error taxonomy used across tav.
//
// Every failure surfaced to a controller carries a Type so callers can tell
// "the project does not build" apart from "the preview could not be served"
// and "the running game could not be reached".
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeBuild       ErrorType = "build"
	ErrorTypeBind        ErrorType = "bind"
	ErrorTypeBridge      ErrorType = "bridge"
	ErrorTypeFingerprint ErrorType = "fingerprint"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeInternal    ErrorType = "internal"
)

// TavError is a structured error type with context.
type TavError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Project     string
	Recoverable bool
}

// Error implements the error interface.
func (e *TavError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Project != "" {
		parts = append(parts, "project:"+e.Project)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *TavError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *TavError) Is(target error) bool {
	var t *TavError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *TavError) WithContext(key string, value interface{}) *TavError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithProject records which project the error belongs to.
func (e *TavError) WithProject(project string) *TavError {
	e.Project = project

	return e
}

// Common error codes.
const (
	ErrCodeBuildFailed        = "ERR_BUILD_FAILED"
	ErrCodeBuilderMissing     = "ERR_BUILDER_MISSING"
	ErrCodeArtifactMissing    = "ERR_ARTIFACT_MISSING"
	ErrCodeBindFailed         = "ERR_BIND_FAILED"
	ErrCodeBridgeNotConnected = "ERR_BRIDGE_NOT_CONNECTED"
	ErrCodeBridgeRemote       = "ERR_BRIDGE_REMOTE"
	ErrCodeFingerprintFailed  = "ERR_FINGERPRINT_FAILED"
	ErrCodeConfigInvalid      = "ERR_CONFIG_INVALID"
	ErrCodeInvalidPath        = "ERR_INVALID_PATH"
	ErrCodeNoSession          = "ERR_NO_SESSION"
	ErrCodeNotReady           = "ERR_NOT_READY"
	ErrCodeInvalidRequest     = "ERR_INVALID_REQUEST"
	ErrCodeInternalError      = "ERR_INTERNAL"
)

// NewBuildError creates a build failure error. output is the raw diagnostic
// text reported by the build tool.
func NewBuildError(message, output string, cause error) *TavError {
	e := &TavError{
		Type:        ErrorTypeBuild,
		Code:        ErrCodeBuildFailed,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
	if output != "" {
		e.WithContext("output", output)
		if diags := ParseExportOutput(output); len(diags) > 0 {
			e.WithContext("diagnostics", diags)
		}
	}

	return e
}

// NewBindError creates an error for a preview server that could not acquire
// a local address.
func NewBindError(message string, cause error) *TavError {
	return &TavError{
		Type:        ErrorTypeBind,
		Code:        ErrCodeBindFailed,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewBridgeError creates a bridge error with the given code.
func NewBridgeError(code, message string) *TavError {
	return &TavError{
		Type:        ErrorTypeBridge,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewFingerprintError creates an error for unreadable project inputs.
func NewFingerprintError(path string, cause error) *TavError {
	return &TavError{
		Type:        ErrorTypeFingerprint,
		Code:        ErrCodeFingerprintFailed,
		Message:     "cannot read " + path,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *TavError {
	return &TavError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *TavError {
	return &TavError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *TavError {
	return &TavError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *TavError {
	return &TavError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// TypeOf returns the ErrorType of err, or "" when err is not a TavError.
func TypeOf(err error) ErrorType {
	var te *TavError
	if errors.As(err, &te) {
		return te.Type
	}

	return ""
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var te *TavError
	if errors.As(err, &te) {
		return te.Recoverable
	}

	return false
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	return TypeOf(err) == ErrorTypeBuild
}

// IsBindError checks if an error came from binding a preview server.
func IsBindError(err error) bool {
	return TypeOf(err) == ErrorTypeBind
}

// IsBridgeError checks if an error came from the bridge channel.
func IsBridgeError(err error) bool {
	return TypeOf(err) == ErrorTypeBridge
}

// IsFingerprintError checks if an error came from fingerprinting.
func IsFingerprintError(err error) bool {
	return TypeOf(err) == ErrorTypeFingerprint
}

// UserMessage renders err with a prefix that tells a controller which layer
// failed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var prefix string
	switch TypeOf(err) {
	case ErrorTypeBuild:
		prefix = "project failed to build"
	case ErrorTypeBind:
		prefix = "could not serve preview locally"
	case ErrorTypeBridge:
		prefix = "could not reach the running game"
	case ErrorTypeFingerprint:
		prefix = "could not read project files"
	case ErrorTypeConfig:
		prefix = "invalid configuration"
	default:
		return err.Error()
	}

	msg := prefix + ": " + err.Error()
	if diags := Errors(DiagnosticsOf(err)); len(diags) > 0 {
		for _, d := range diags {
			msg += "\n  " + d.String()
			if d.Suggestion != "" {
				msg += " (" + d.Suggestion + ")"
			}
		}
		return msg
	}

	var te *TavError
	if errors.As(err, &te) {
		if out, ok := te.Context["output"].(string); ok && out != "" {
			msg += "\n" + out
		}
	}

	return msg
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err at a level matching its type. Recoverable session-level
// failures are warnings; everything else is an error.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var te *TavError
	if !errors.As(err, &te) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch te.Type {
	case ErrorTypeBuild, ErrorTypeBind, ErrorTypeBridge, ErrorTypeFingerprint, ErrorTypeValidation:
		h.logger.Warn(ctx, err, "Recoverable error occurred",
			"type", te.Type,
			"code", te.Code,
			"project", te.Project)
	default:
		h.logger.Error(ctx, err, "Error occurred",
			"type", te.Type,
			"code", te.Code,
			"project", te.Project)
	}
}
