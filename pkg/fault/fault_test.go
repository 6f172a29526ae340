package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrappersMatchSentinels(t *testing.T) {
	if !errors.Is(Conflictf("request %s already processed", "req_1"), ErrConflict) {
		t.Fatalf("expected conflict wrapper to match ErrConflict")
	}
	if !errors.Is(Integrityf("proof mismatch"), ErrIntegrity) {
		t.Fatalf("expected integrity wrapper to match ErrIntegrity")
	}
	if errors.Is(Validationf("empty id"), ErrConflict) {
		t.Fatalf("validation must not match ErrConflict")
	}
}

func TestCodeAndStatus(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{Validationf("x"), "VALIDATION_FAILED", 400},
		{Unauthorizedf("x"), "UNAUTHORIZED", 403},
		{Conflictf("x"), "CONFLICT", 409},
		{Integrityf("x"), "INTEGRITY_FAILED", 422},
		{Executionf("x"), "EXECUTION_FAILED", 502},
		{errors.New("db down"), "INTERNAL", 500},
	}
	for _, c := range cases {
		if got := Code(c.err); got != c.code {
			t.Fatalf("Code(%v) = %s, want %s", c.err, got, c.code)
		}
		if got := HTTPStatus(c.err); got != c.status {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.status)
		}
	}
}

func TestDoubleWrapStillMatches(t *testing.T) {
	inner := Executionf("custodian returned 503")
	outer := fmt.Errorf("approve payout: %w", inner)
	if !errors.Is(outer, ErrExecution) {
		t.Fatalf("wrapped execution error lost its kind")
	}
	if HTTPStatus(outer) != 502 {
		t.Fatalf("wrapped execution error lost its status")
	}
}
