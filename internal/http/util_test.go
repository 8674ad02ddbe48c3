package httpx

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestParseLimitOffset(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		expectedLimit  int
		expectedOffset int
	}{
		{"defaults", "/api/products", 50, 0},
		{"explicit values", "/api/products?limit=10&offset=20", 10, 20},
		{"limit clamped to max", "/api/products?limit=5000", 1000, 0},
		{"limit clamped to min", "/api/products?limit=0", 1, 0},
		{"negative offset clamped", "/api/products?offset=-3", 50, 0},
		{"garbage values fall back", "/api/products?limit=abc&offset=xyz", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			limit, offset := ParseLimitOffset(r, 50, 1000)
			if limit != tt.expectedLimit {
				t.Errorf("expected limit %d, got %d", tt.expectedLimit, limit)
			}
			if offset != tt.expectedOffset {
				t.Errorf("expected offset %d, got %d", tt.expectedOffset, offset)
			}
		})
	}
}

func TestIsValidationError(t *testing.T) {
	validation := []error{
		errors.New("name is required"),
		errors.New("price must be >= 0"),
		errors.New("id must be a UUID"),
		errors.New("valid email is required"),
		errors.New("invalid queue"),
		errors.New("priority must be high, normal, or low"),
		errors.New("delay exceeds maximum of 30 days"),
	}
	for _, err := range validation {
		if !isValidationError(err) {
			t.Errorf("expected %q to classify as a validation error", err)
		}
	}

	if isValidationError(nil) {
		t.Error("nil should not be a validation error")
	}
	if isValidationError(errors.New("connection refused")) {
		t.Error("infrastructure errors should not classify as validation errors")
	}
}

func TestRequestUser(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/products", nil)
	if user := requestUser(r); user != "anonymous" {
		t.Errorf("expected anonymous, got %q", user)
	}

	r.Header.Set("X-User-ID", " u1 ")
	if user := requestUser(r); user != "u1" {
		t.Errorf("expected trimmed user id, got %q", user)
	}
}
