// Package errors provides standardized error codes for the daemon.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (validation, auth, driver, ...)
//   - error: The specific error type within that domain
//
// These codes are stable and are mapped onto D-Bus error names at the bus
// boundary, so clients can handle them programmatically. Human-readable
// messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that bus clients can rely on for error handling.
const (
	// Validation domain - malformed or unacceptable requests
	CodeValidationUnknownProfile     = "validation.unknown_profile"     // Profile name is not recognized
	CodeValidationProfileUnavailable = "validation.profile_unavailable" // Profile not offered by installed drivers
	CodeValidationProfileNotHoldable = "validation.profile_not_holdable" // Only power-saver and performance may be held
	CodeValidationUnknownCookie      = "validation.unknown_cookie"      // Hold cookie does not identify a live hold

	// Auth domain - polkit authorization
	CodeAuthDenied = "auth.denied" // Caller lacks the required polkit authorization

	// Driver domain - hardware activation
	CodeDriverActivateFailed = "driver.activate_failed" // Driver rejected a profile transition
	CodeDriverProbeFailed    = "driver.probe_failed"    // Driver probe reported a hard failure

	// Component domain - notification dispatch
	CodeComponentPowerChangedFailed   = "component.power_changed_failed"   // Power source notification failed
	CodeComponentBatteryChangedFailed = "component.battery_changed_failed" // Battery level notification failed
	CodeComponentSleepFailed          = "component.sleep_failed"           // Suspend/resume notification failed

	// Registration domain - probe engine
	CodeRegistrationNoBaseline = "registration.no_baseline" // No driver combination covers balanced and power-saver

	// Storage domain - database and persistence errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Config domain - configuration and state files
	CodeConfigParseFailed = "config.parse_failed" // Configuration file could not be parsed
	CodeConfigSaveFailed  = "config.save_failed"  // State file could not be written

	// Bus domain - D-Bus connectivity
	CodeBusConnectFailed = "bus.connect_failed" // System bus connection failed
	CodeBusNameTaken     = "bus.name_taken"     // Well-known bus name already owned

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal daemon error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "validation.unknown_profile")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to bus replies.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// UnknownProfile creates a "validation.unknown_profile" error.
func UnknownProfile(name string) *CodedError {
	return New(CodeValidationUnknownProfile, fmt.Sprintf("invalid profile name '%s'", name))
}

// ProfileUnavailable creates a "validation.profile_unavailable" error.
func ProfileUnavailable(name string) *CodedError {
	return New(CodeValidationProfileUnavailable, fmt.Sprintf("profile '%s' is not offered by the installed drivers", name))
}

// ProfileNotHoldable creates a "validation.profile_not_holdable" error.
func ProfileNotHoldable(name string) *CodedError {
	return New(CodeValidationProfileNotHoldable, fmt.Sprintf("profile '%s' cannot be held (only power-saver and performance)", name))
}

// UnknownCookie creates a "validation.unknown_cookie" error.
func UnknownCookie(cookie uint32) *CodedError {
	return New(CodeValidationUnknownCookie, fmt.Sprintf("no current hold for cookie %d", cookie))
}

// AuthDenied creates an "auth.denied" error.
func AuthDenied(action string) *CodedError {
	return New(CodeAuthDenied, fmt.Sprintf("not authorized for %s", action))
}

// ActivateFailed creates a "driver.activate_failed" error.
func ActivateFailed(driver, profile string, cause error) *CodedError {
	msg := fmt.Sprintf("driver '%s' failed to activate profile '%s'", driver, profile)
	return Wrap(CodeDriverActivateFailed, msg, cause)
}

// NoBaseline creates a "registration.no_baseline" error.
func NoBaseline() *CodedError {
	return New(CodeRegistrationNoBaseline, "installed drivers do not cover both balanced and power-saver profiles")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
