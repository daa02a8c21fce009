package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Error markers. Every error returned by the publishing pipeline wraps one of
// these so callers can classify it with errors.Is. Timeouts built by Timeout
// also match ErrTransient.
var (
	ErrAuth       = errors.New("authentication error")
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrUpload     = errors.New("upload error")
	ErrTransient  = errors.New("rate limited or transient failure")
	ErrTimeout    = errors.New("timeout")
)

// Wrap builds an error that carries the marker plus stage/operation context.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Timeout builds an error for an operation that ran out of time. It matches
// ErrTimeout and ErrTransient.
func Timeout(stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if err != nil {
		return fmt.Errorf("%w (%w): %s: %w", ErrTimeout, ErrTransient, detail, err)
	}
	return fmt.Errorf("%w (%w): %s", ErrTimeout, ErrTransient, detail)
}

// Validation is shorthand for a local precondition failure on a named field.
func Validation(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller may retry the failed operation as-is.
// Transfer-stage upload failures count as retryable since a retry acquires a fresh slot.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var upErr *UploadError
	if errors.As(err, &upErr) {
		return upErr.Stage == StageTransfer || upErr.Timeout
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "request failure"
	}
	return strings.Join(parts, ": ")
}

// APIError is a failure reported by the platform, either as an HTTP status or
// as a tRPC error envelope.
type APIError struct {
	Procedure  string // e.g. "model.upsert"
	Code       string // tRPC data code, e.g. "NOT_FOUND"
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("platform error")
	if e.Procedure != "" {
		b.WriteString(" on ")
		b.WriteString(e.Procedure)
	}
	fmt.Fprintf(&b, " (status %d", e.StatusCode)
	if e.Code != "" {
		b.WriteString(", ")
		b.WriteString(e.Code)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap maps the platform failure onto the marker taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "UNAUTHORIZED", "FORBIDDEN":
		return ErrAuth
	case "NOT_FOUND":
		return ErrNotFound
	case "BAD_REQUEST", "PARSE_ERROR", "CONFLICT", "PRECONDITION_FAILED", "UNPROCESSABLE_CONTENT":
		return ErrValidation
	case "TOO_MANY_REQUESTS", "TIMEOUT", "INTERNAL_SERVER_ERROR":
		return ErrTransient
	}
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrAuth
	case e.StatusCode == 404:
		return ErrNotFound
	case e.StatusCode == 408:
		return ErrTimeout
	case e.StatusCode == 429 || e.StatusCode >= 500:
		return ErrTransient
	case e.StatusCode >= 400:
		return ErrValidation
	}
	return ErrTransient
}

// Stage identifies which step of a single file upload failed.
type Stage string

const (
	StageSlot     Stage = "slot"
	StageTransfer Stage = "transfer"
	StageConfirm  Stage = "confirm"
)

// UploadError reports the failure of one file. It matches ErrUpload, and
// ErrTimeout when the stage ran out of time.
type UploadError struct {
	Err     error
	Path    string
	Stage   Stage
	Timeout bool
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload of %s failed at %s stage", e.Path, e.Stage)
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() []error {
	errs := []error{ErrUpload}
	if e.Timeout {
		errs = append(errs, ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
