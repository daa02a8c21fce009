package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrNotFound, "upsert", "model 12", "platform rejected id", cause)

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	want := "not found: upsert: model 12: platform rejected id: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := Wrap(nil, "", "", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if err.Error() != "rate limited or transient failure: request failure" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    *APIError
		marker error
	}{
		{"trpc unauthorized", &APIError{Code: "UNAUTHORIZED", StatusCode: 401}, ErrAuth},
		{"trpc not found", &APIError{Code: "NOT_FOUND", StatusCode: 404}, ErrNotFound},
		{"trpc bad request", &APIError{Code: "BAD_REQUEST", StatusCode: 400}, ErrValidation},
		{"trpc rate limit", &APIError{Code: "TOO_MANY_REQUESTS", StatusCode: 429}, ErrTransient},
		{"bare 403", &APIError{StatusCode: 403}, ErrAuth},
		{"bare 404", &APIError{StatusCode: 404}, ErrNotFound},
		{"bare 502", &APIError{StatusCode: 502}, ErrTransient},
		{"bare 422", &APIError{StatusCode: 422}, ErrValidation},
		{"bare 408", &APIError{StatusCode: 408}, ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.marker) {
				t.Errorf("expected %v to match %v", tt.err, tt.marker)
			}
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Procedure: "model.upsert", Code: "NOT_FOUND", StatusCode: 404, Message: "No model with id 7"}
	want := "platform error on model.upsert (status 404, NOT_FOUND): No model with id 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUploadErrorMatching(t *testing.T) {
	err := fmt.Errorf("file 2: %w", &UploadError{Path: "b.safetensors", Stage: StageTransfer, Timeout: true, Err: context.DeadlineExceeded})

	if !errors.Is(err, ErrUpload) {
		t.Error("expected ErrUpload")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected ErrTimeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected underlying cause")
	}
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.Stage != StageTransfer {
		t.Fatalf("expected UploadError at transfer stage, got %v", err)
	}
	if !Retryable(err) {
		t.Error("transfer failures should be retryable")
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
	if Retryable(Validation("name", "must not be empty")) {
		t.Error("validation errors are not retryable")
	}
	if !Retryable(&APIError{StatusCode: 503}) {
		t.Error("5xx should be retryable")
	}
	if Retryable(&UploadError{Stage: StageConfirm, Path: "a"}) {
		t.Error("confirm failures are not blindly retryable")
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	err := fmt.Errorf("model.getAll: %w", Timeout("request", "model.getAll", "timed out", context.DeadlineExceeded))

	if !errors.Is(err, ErrTimeout) {
		t.Error("expected ErrTimeout")
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("expected ErrTransient")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected underlying cause")
	}
	if !Retryable(err) {
		t.Error("a timeout is retryable")
	}
	if errors.Is(Timeout("session", "whoami", "", nil), ErrAuth) {
		t.Error("a timeout is not an auth failure")
	}
}
