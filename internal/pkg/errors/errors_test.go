package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New("ENTITY_NOT_FOUND", "vendor not found", http.StatusNotFound),
			want: "ENTITY_NOT_FOUND: vendor not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "EVENT_APPEND_FAILED", "append failure", http.StatusInternalServerError),
			want: "EVENT_APPEND_FAILED: append failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NotFound(CodeIntentNotFound, "intent not found")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeIntentNotFound {
		t.Errorf("Code = %q, want %q", got.Code, CodeIntentNotFound)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("C", "m"), http.StatusNotFound},
		{"BadRequest", BadRequest("C", "m"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("C", "m"), http.StatusUnauthorized},
		{"Forbidden", Forbidden("C", "m"), http.StatusForbidden},
		{"Conflict", Conflict("C", "m"), http.StatusConflict},
		{"Internal", Internal("C", "m"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}

func TestErrConcurrencyConflictf(t *testing.T) {
	err := ErrConcurrencyConflictf("vendor-1", 3, 5)
	if err.Code != CodeConcurrencyConflict {
		t.Errorf("Code = %q", err.Code)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d", err.HTTPStatus)
	}
	if err.Params["expected_version"] != int64(3) || err.Params["actual_version"] != int64(5) {
		t.Errorf("Params = %v", err.Params)
	}
}

func TestErrSoDViolationf(t *testing.T) {
	err := ErrSoDViolationf("user-1")
	if err.Code != CodeSoDViolation {
		t.Errorf("Code = %q", err.Code)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d", err.HTTPStatus)
	}
	if err.Params["actor_id"] != "user-1" {
		t.Errorf("Params = %v", err.Params)
	}
}

func TestWithParams_NilAndEmpty(t *testing.T) {
	err := New("C", "m", 400)
	if got := err.WithParams(nil); got.Params != nil {
		t.Error("empty params should not be attached")
	}
}
