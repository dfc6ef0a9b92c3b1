package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"authentication error", &APIError{Type: ErrorTypeAuthentication}, http.StatusUnauthorized},
		{"permission error", &APIError{Type: ErrorTypePermission}, http.StatusForbidden},
		{"not found error", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"rate limit error", &APIError{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"overloaded error", &APIError{Type: ErrorTypeOverloaded}, http.StatusServiceUnavailable},
		{"upstream error", &APIError{Type: ErrorTypeUpstream}, http.StatusBadGateway},
		{"server error", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"explicit status wins", &APIError{Type: ErrorTypeServer, StatusCode: http.StatusConflict}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"invalid request", ErrInvalidRequest("bad"), false},
		{"not found", ErrNotFound("missing"), false},
		{"rate limited", ErrRateLimit("slow down"), true},
		{"server", ErrServer("boom"), true},
		{"upstream 400", ErrUpstream("rejected").WithUpstreamStatus(http.StatusBadRequest), false},
		{"upstream 429", ErrUpstream("busy").WithUpstreamStatus(http.StatusTooManyRequests), true},
		{"upstream 503", ErrUpstream("down").WithUpstreamStatus(http.StatusServiceUnavailable), true},
		{"upstream unknown status", ErrUpstream("transport"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAsAPIError(t *testing.T) {
	base := ErrUpstream("thread rejected").WithSource(SourceAssistant)
	wrapped := fmt.Errorf("create message: %w", base)

	got, ok := AsAPIError(wrapped)
	if !ok {
		t.Fatal("AsAPIError() ok = false, want true")
	}
	if got.Source != SourceAssistant {
		t.Errorf("Source = %v, want %v", got.Source, SourceAssistant)
	}

	if _, ok := AsAPIError(errors.New("plain")); ok {
		t.Error("AsAPIError() on plain error ok = true, want false")
	}
}

func TestErrRunDiscovery(t *testing.T) {
	err := fmt.Errorf("submit: %w", ErrRunDiscovery)
	if !errors.Is(err, ErrRunDiscovery) {
		t.Fatal("errors.Is(err, ErrRunDiscovery) = false")
	}
	if ErrRunDiscovery.HTTPStatusCode() != http.StatusBadGateway {
		t.Errorf("HTTPStatusCode() = %d, want %d", ErrRunDiscovery.HTTPStatusCode(), http.StatusBadGateway)
	}
}

func TestAPIError_Chaining(t *testing.T) {
	err := NewAPIError(ErrorTypeInvalidRequest, "test").
		WithCode(ErrorCodeUnsupportedFile).
		WithParam("file").
		WithStatusCode(http.StatusUnsupportedMediaType).
		WithSource(SourceRelay)

	if err.Type != ErrorTypeInvalidRequest {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeInvalidRequest)
	}
	if err.Code != ErrorCodeUnsupportedFile {
		t.Errorf("Code = %v, want %v", err.Code, ErrorCodeUnsupportedFile)
	}
	if err.Param != "file" {
		t.Errorf("Param = %q, want %q", err.Param, "file")
	}
	if err.HTTPStatusCode() != http.StatusUnsupportedMediaType {
		t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), http.StatusUnsupportedMediaType)
	}
	if err.Source != SourceRelay {
		t.Errorf("Source = %v, want %v", err.Source, SourceRelay)
	}
}
