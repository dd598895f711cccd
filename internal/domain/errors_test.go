package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func TestStatusFor(t *testing.T) {
	rating := 9
	invalid := validation.Validate(rating, validation.Max(5))

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("select x: %w", ErrNotFound), http.StatusNotFound},
		{"in flight", ErrInFlight, http.StatusConflict},
		{"checkpoint pending", ErrCheckpointPending, http.StatusConflict},
		{"awaiting user", ErrAwaitingUser, http.StatusConflict},
		{"custom not allowed", ErrCustomNotAllowed, http.StatusBadRequest},
		{"validation", fmt.Errorf("rate feedback: %w", invalid), http.StatusBadRequest},
		{"violation", Violationf("unknown step %q", "zz"), http.StatusUnprocessableEntity},
		{"upstream", &RequestFailure{Method: "POST", Path: "/x", Status: 404}, http.StatusNotFound},
		{"magic link", ErrInvalidMagicLink, http.StatusUnauthorized},
		{"closed", ErrClosed, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusFor(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestRequestFailureMessage(t *testing.T) {
	err := &RequestFailure{Method: "GET", Path: "/conversations/1", Status: 502, Detail: "bad gateway"}
	if got := err.Error(); got != "GET /conversations/1: status 502: bad gateway" {
		t.Fatalf("unexpected message %q", got)
	}
	if !IsProtocolViolation(fmt.Errorf("wrap: %w", Violationf("x"))) {
		t.Fatal("expected wrapped violation to be detected")
	}
}

func TestUpstreamStatus(t *testing.T) {
	failure := &RequestFailure{Method: "POST", Path: "/conversations/c1/next", Status: 503}
	if got := UpstreamStatus(fmt.Errorf("submit: %w", failure)); got != 503 {
		t.Fatalf("expected 503, got %d", got)
	}
	if got := UpstreamStatus(ErrInFlight); got != 0 {
		t.Fatalf("expected 0 for local errors, got %d", got)
	}
}
