package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Engine operation failed (provider fetch/evaluate error)
	ExitCommandError = 2 // Command error (bad flags, config, storage or bus unavailable)
)

// Error codes reported in JSON error responses.
const (
	ErrCodeConfig   = "E001"
	ErrCodeStorage  = "E002"
	ErrCodeProvider = "E003"
	ErrCodeBus      = "E004"
	ErrCodeUsage    = "E005"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
	ErrCode string // ErrCode* constant reported in JSON output (optional)

	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure for errors that are not an
// ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// TextRenderer is implemented by results with a human-readable form.
type TextRenderer interface {
	RenderText(w io.Writer)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`    // ErrCode* constant
	Message string `json:"message"` // human-readable message
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(TextRenderer); ok {
		r.RenderText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return nil
}

// setupError wraps err as a command error carrying errCode.
func setupError(errCode, message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: message, Err: err, ErrCode: errCode}
}

// fail reports err through the formatter and returns it as an ExitError.
func (f *OutputFormatter) fail(exitCode int, errCode, message string, err error) error {
	exitErr := &ExitError{Code: exitCode, Message: message, Err: err, ErrCode: errCode, reported: true}
	_ = f.Error(errCode, exitErr.Error())
	return exitErr
}

// report prints err with its ErrCode, defaulting to ErrCodeUsage, and
// returns it marked as reported.
func (f *OutputFormatter) report(err error) error {
	code := ErrCodeUsage
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		exitErr = WrapExitError(ExitFailure, "command failed", err)
	}
	if exitErr.ErrCode != "" {
		code = exitErr.ErrCode
	}
	_ = f.Error(code, exitErr.Error())
	exitErr.reported = true
	return exitErr
}

// IsUnreported reports whether err has not been printed by an
// OutputFormatter, as with flag parsing errors.
func IsUnreported(err error) bool {
	var exitErr *ExitError
	return !errors.As(err, &exitErr) || !exitErr.reported
}
