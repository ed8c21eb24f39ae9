package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError_Defaults(t *testing.T) {
	err := NewError(ErrCodeSpawnFailed, "exec failed")

	if err.Category != CategoryLifecycle {
		t.Errorf("Expected lifecycle category, got %s", err.Category)
	}
	if !err.Retryable {
		t.Error("SPAWN_FAILED should be retryable by default")
	}
	if NewError(ErrCodeRoutingFailed, "no workers").Retryable {
		t.Error("ROUTING_FAILED should not be retryable")
	}
}

func TestError_Message(t *testing.T) {
	err := NewError(ErrCodeRoutingFailed, "no workers").
		WithComponent("router").
		WithOperation("dispatch").
		WithCause(fmt.Errorf("pool empty"))

	want := "[router:dispatch] ROUTING_FAILED: no workers: pool empty"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if !strings.Contains(err.String(), "Cause=\"pool empty\"") {
		t.Errorf("String() should include cause: %s", err.String())
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := fmt.Errorf("outer: %w", Wrap(ErrCodeUncaughtFault, cause, "panic"))

	if !stderr.Is(err, NewError(ErrCodeUncaughtFault, "")) {
		t.Error("errors.Is should match on code")
	}
	if stderr.Is(err, NewError(ErrCodeWorkerCrash, "")) {
		t.Error("errors.Is should not match other codes")
	}
	if !stderr.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestHasCode(t *testing.T) {
	inner := NewError(ErrCodeSpawnFailed, "exec")
	outer := Wrap(ErrCodeSpawnExhausted, inner, "gave up")

	if !HasCode(outer, ErrCodeSpawnExhausted) || !HasCode(outer, ErrCodeSpawnFailed) {
		t.Error("HasCode should find both codes in the chain")
	}
	if HasCode(outer, ErrCodeShutdownTimeout) {
		t.Error("HasCode should not find an absent code")
	}
	if HasCode(nil, ErrCodeSpawnFailed) {
		t.Error("HasCode(nil) should be false")
	}
}
