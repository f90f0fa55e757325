package types

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		errorType string
		want      int
	}{
		{ErrorTypeInvalidRequest, http.StatusBadRequest},
		{ErrorTypeAuthentication, http.StatusUnauthorized},
		{ErrorTypeInsufficientFunds, http.StatusPaymentRequired},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeConflict, http.StatusConflict},
		{ErrorTypeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrorTypeBadGateway, http.StatusBadGateway},
		{ErrorTypeServiceUnavailable, http.StatusServiceUnavailable},
		{ErrorTypeServerError, http.StatusInternalServerError},
		{"something_else", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.errorType, func(t *testing.T) {
			d := ErrorDetail{Type: tt.errorType}
			if got := d.HTTPStatusCode(); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestWriteError_RateLimit(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, NewRateLimitError("Rate limit reached for policy 3;w=60"))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Message != "Rate limit reached for policy 3;w=60" {
		t.Errorf("Expected top-level message, got %q", body.Message)
	}
	if body.Error.Type != ErrorTypeRateLimitExceeded {
		t.Errorf("Expected type %s, got %s", ErrorTypeRateLimitExceeded, body.Error.Type)
	}
}

func TestWriteError_OmitsTopLevelMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, NewInsufficientFundsError("Insufficient balance", ""))

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if _, ok := raw["message"]; ok {
		t.Error("Expected no top-level message for a funding error")
	}
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
}
