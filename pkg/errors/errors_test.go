package errors

import (
	"strings"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeFetchTransient, true},
		{ErrorTypeFetchPermanent, false},
		{ErrorTypeOversize, false},
		{ErrorTypeRejectedFormat, false},
		{ErrorTypeLaunch, false},
		{ErrorTypeNavigation, false},
		{ErrorTypeExtractionTimeout, false},
		{ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.errorType); got != tt.retryable {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.errorType, got, tt.retryable)
		}
	}
}

func TestIsRetryableStatusCode(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{0, true},
		{200, false},
		{404, false},
		{403, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true},
	}

	for _, tt := range tests {
		if got := IsRetryableStatusCode(tt.code); got != tt.retryable {
			t.Errorf("IsRetryableStatusCode(%d) = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	if got := ClassifyStatus(500); got != ErrorTypeFetchTransient {
		t.Errorf("ClassifyStatus(500) = %s, want %s", got, ErrorTypeFetchTransient)
	}
	if got := ClassifyStatus(404); got != ErrorTypeFetchPermanent {
		t.Errorf("ClassifyStatus(404) = %s, want %s", got, ErrorTypeFetchPermanent)
	}
	if got := ClassifyStatus(429); got != ErrorTypeFetchTransient {
		t.Errorf("ClassifyStatus(429) = %s, want %s", got, ErrorTypeFetchTransient)
	}
}

func TestErrorString(t *testing.T) {
	err := WithCode(ErrorTypeFetchTransient, 503, "service unavailable")
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected code in error string, got %q", err.Error())
	}

	err = New(ErrorTypeLaunch, "chrome not found")
	if strings.Contains(err.Error(), "code") {
		t.Errorf("expected no code in error string, got %q", err.Error())
	}
}
