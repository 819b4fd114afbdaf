package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openfinch/mail-server/internal/pool"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "basic error",
			err: &Error{
				Operation: "principal",
				Category:  ErrorCategoryNotFound,
			},
			want: "directory principal failed - not_found",
		},
		{
			name: "error with directory and key",
			err: &Error{
				Operation: "emails",
				Directory: "ldap",
				Category:  ErrorCategoryNotFound,
				Key:       "jane",
			},
			want: "directory ldap: emails failed - not_found - key: jane",
		},
		{
			name: "error with message and cause",
			err: &Error{
				Operation: "verify",
				Category:  ErrorCategoryBackendUnavailable,
				Message:   "backend unreachable",
				Cause:     errors.New("connection refused"),
			},
			want: "directory verify failed - backend_unavailable - backend unreachable - connection refused",
		},
		{
			name: "no operation",
			err:  &Error{Category: ErrorCategoryUnknown},
			want: "directory error - unknown",
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

func TestError_IsSentinel(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not found matches", NotFound("principal", "jane"), ErrNotFound, true},
		{"wrapped not found matches", fmt.Errorf("lookup: %w", NotFound("principal", "jane")), ErrNotFound, true},
		{"auth failed is not not found", AuthFailed("authenticate", "jane"), ErrNotFound, false},
		{"unavailable matches", Unavailable("verify", errors.New("eof")), ErrBackendUnavailable, true},
		{"schema mismatch matches", SchemaMismatch("principal", "bad quota %q", "x"), ErrSchemaMismatch, true},
		{"unsupported matches", Unsupported("expand", "imap"), ErrUnsupported, true},
		{"plain error", errors.New("boom"), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_IsDistinctInstances(t *testing.T) {
	a := NotFound("principal", "a")
	b := NotFound("principal", "b")
	if errors.Is(a, b) {
		t.Error("distinct non-sentinel errors should not match")
	}
	if !errors.Is(a, a) {
		t.Error("error should match itself")
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNil      bool
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{name: "nil error", err: nil, wantNil: true},
		{name: "pool exhausted", err: fmt.Errorf("acquire: %w", pool.ErrExhausted), wantCategory: ErrorCategoryPoolExhausted, wantRetry: true},
		{name: "connect timeout", err: pool.ErrConnectTimeout, wantCategory: ErrorCategoryConnectTimeout, wantRetry: true},
		{name: "pool closed", err: pool.ErrClosed, wantCategory: ErrorCategoryBackendUnavailable, wantRetry: true},
		{name: "deadline", err: context.DeadlineExceeded, wantCategory: ErrorCategoryConnectTimeout, wantRetry: true},
		{name: "network", err: errors.New("read tcp: connection reset by peer"), wantCategory: ErrorCategoryBackendUnavailable, wantRetry: true},
		{name: "timeout text", err: errors.New("i/o timeout"), wantCategory: ErrorCategoryConnectTimeout, wantRetry: true},
		{name: "unknown", err: errors.New("something odd"), wantCategory: ErrorCategoryUnknown, wantRetry: false},
		{name: "already categorized", err: AuthFailed("", "jane"), wantCategory: ErrorCategoryAuthFailed, wantRetry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := WrapError("principal", tt.err)

			if tt.wantNil {
				if result != nil {
					t.Errorf("WrapError() = %v, want nil", result)
				}
				return
			}

			var dirErr *Error
			if !errors.As(result, &dirErr) {
				t.Fatalf("WrapError() returned %T, want *Error", result)
			}
			if dirErr.Operation != "principal" {
				t.Errorf("Operation = %s, want principal", dirErr.Operation)
			}
			if dirErr.Category != tt.wantCategory {
				t.Errorf("Category = %s, want %s", dirErr.Category, tt.wantCategory)
			}
			if IsRetryableError(result) != tt.wantRetry {
				t.Errorf("IsRetryableError() = %v, want %v", IsRetryableError(result), tt.wantRetry)
			}
			if !errors.Is(result, tt.err) {
				t.Errorf("wrapped error does not unwrap to the cause")
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	if GetErrorCategory(nil) != ErrorCategoryUnknown {
		t.Error("nil error should be unknown")
	}
	if IsRetryableError(nil) {
		t.Error("nil error should not be retryable")
	}
	if !IsNotFoundError(fmt.Errorf("x: %w", NotFound("emails", "jane"))) {
		t.Error("wrapped not found should be detected")
	}

	transient := []error{
		Unavailable("principal", errors.New("eof")),
		fmt.Errorf("x: %w", pool.ErrExhausted),
		pool.ErrConnectTimeout,
	}
	for _, err := range transient {
		if !IsTransientError(err) {
			t.Errorf("IsTransientError(%v) = false, want true", err)
		}
	}

	permanent := []error{
		NotFound("principal", "jane"),
		SchemaMismatch("principal", "missing column"),
		AuthFailed("authenticate", "jane"),
	}
	for _, err := range permanent {
		if IsTransientError(err) {
			t.Errorf("IsTransientError(%v) = true, want false", err)
		}
	}
}
