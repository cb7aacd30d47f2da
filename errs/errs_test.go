package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"query/history",
		CodeNotFound,
		WithHTTP(404),
		WithMessage("Ticker ITEM_99 not found"),
		WithField("id", "ITEM_99"),
		WithField("limit", "10"),
		WithCause(errors.New("registry miss")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=query/history") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_found") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=id=\"ITEM_99\",limit=\"10\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"registry miss\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("x", CodeInvalid, WithField("  ", "value"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Fields)
	}
}

func TestNotFoundCarriesID(t *testing.T) {
	err := NotFound("query", "Ticker", "ITEM_42")
	if err.Message != "Ticker ITEM_42 not found" {
		t.Fatalf("unexpected message %q", err.Message)
	}
	if err.Fields["id"] != "ITEM_42" {
		t.Fatalf("expected id field, got %v", err.Fields)
	}
	if !IsCode(err, CodeNotFound) {
		t.Fatal("expected not_found code")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	base := New("history", CodeUnavailable)
	wrapped := fmt.Errorf("append: %w", base)
	if !IsCode(wrapped, CodeUnavailable) {
		t.Fatal("expected wrapped error to match code")
	}
	if IsCode(wrapped, CodeInvalid) {
		t.Fatal("unexpected match for different code")
	}
	if IsCode(errors.New("plain"), CodeInvalid) {
		t.Fatal("plain error must not match")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New("c", CodeInvalid), http.StatusBadRequest},
		{New("c", CodeNotFound), http.StatusNotFound},
		{New("c", CodeConflict), http.StatusConflict},
		{New("c", CodeRateLimited), http.StatusTooManyRequests},
		{New("c", CodeUnavailable), http.StatusServiceUnavailable},
		{New("c", CodeInternal), http.StatusInternalServerError},
		{New("c", CodeInvalid, WithHTTP(422)), 422},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrap: %w", New("c", CodeNotFound)), http.StatusNotFound},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageFallsBackToError(t *testing.T) {
	if got := Message(New("c", CodeInvalid, WithMessage("limit must be >= 1"))); got != "limit must be >= 1" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Message(errors.New("boom")); got != "boom" {
		t.Fatalf("unexpected fallback %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("expected empty message for nil, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
