package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGetKind_WalksWrappedChain(t *testing.T) {
	base := Conflict("job already active").WithOp("jobs.Create")
	wrapped := fmt.Errorf("ingest: %w", base)

	if GetKind(wrapped) != KindConflict {
		t.Fatalf("expected conflict, got %v", GetKind(wrapped))
	}
	if !Is(wrapped, KindConflict) {
		t.Fatalf("expected Is to match conflict")
	}
	if Is(nil, KindConflict) {
		t.Fatalf("nil must not match any kind")
	}
	if GetKind(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain errors have no kind")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{InvalidTransition("x"), http.StatusConflict},
		{RetryExhausted("x"), http.StatusConflict},
		{Dispatch("x", errors.New("503")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestError_MessageIncludesOpAndCause(t *testing.T) {
	err := Dispatch("launch failed", errors.New("capacity")).WithOp("dispatch")
	if err.Error() != "dispatch: launch failed: capacity" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatalf("expected unwrap to expose cause")
	}
}
