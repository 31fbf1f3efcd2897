package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorKindSentinelMapping(t *testing.T) {
	cases := []struct {
		kind     Kind
		sentinel error
	}{
		{KindTimeout, ErrTimeout},
		{KindExternalTool, ErrToolUnavailable},
		{KindValidation, ErrValidationFailed},
		{KindSecurityBlock, ErrSecurityBlocked},
		{KindHealthFailure, ErrHealthFailed},
		{KindInput, ErrInvalidInput},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "ns/pod/x", errors.New("boom"))
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("kind %s should match %v", tc.kind, tc.sentinel)
		}
		if errors.Is(err, ErrQueueFull) {
			t.Errorf("kind %s must not match unrelated sentinel", tc.kind)
		}
	}
}

func TestOpErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("lookup: %w", ErrNotFound)
	err := New(KindClusterAPI, "get_pod", "default/pod/web", cause)
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("wrapped cause should be reachable through errors.Is")
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "get_pod" {
		t.Fatalf("errors.As = %+v", opErr)
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := New(KindClusterAPI, "clone_workload", "production/deployment/web", errors.New("conflict"))
	want := "clone_workload failed on production/deployment/web: conflict"
	if err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
	bare := New(KindFatal, "boot", "", errors.New("no kubeconfig"))
	if bare.Error() != "boot failed: no kubeconfig" {
		t.Fatalf("message = %q", bare.Error())
	}
}

func TestDefaultRetryability(t *testing.T) {
	if !IsRetryable(New(KindTimeout, "op", "", errors.New("x"))) {
		t.Error("timeouts retry")
	}
	if !IsRetryable(New(KindClusterAPI, "op", "", errors.New("x"))) {
		t.Error("cluster API errors retry")
	}
	for _, kind := range []Kind{KindInput, KindValidation, KindSecurityBlock, KindHealthFailure, KindFatal} {
		if IsRetryable(New(kind, "op", "", errors.New("x"))) {
			t.Errorf("kind %s must not retry", kind)
		}
	}
	if !IsRetryable(fmt.Errorf("wrap: %w", ErrTimeout)) {
		t.Error("bare timeout sentinel retries")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors must not retry")
	}
}

func TestWithStatusCode(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{408, true},
		{404, false},
		{400, false},
	}
	for _, tc := range cases {
		err := New(KindClusterAPI, "op", "", errors.New("x")).WithStatusCode(tc.code)
		if err.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.code, err.Retryable, tc.retryable)
		}
	}
}

func TestWithIncident(t *testing.T) {
	err := New(KindValidation, "vet_fix", "", errors.New("blocked")).
		WithIncident("inc-abc", "default/deployment/web/oom_kill")
	if err.IncidentID != "inc-abc" || err.CorrelationKey != "default/deployment/web/oom_kill" {
		t.Fatalf("identity = %+v", err)
	}
}

func TestIsBenignCleanup(t *testing.T) {
	if !IsBenignCleanup(nil) {
		t.Error("nil is benign")
	}
	if !IsBenignCleanup(fmt.Errorf("delete ns: %w", ErrNotFound)) {
		t.Error("not-found during teardown is benign")
	}
	if IsBenignCleanup(errors.New("forbidden")) {
		t.Error("other failures are not benign")
	}
}

func TestWrapHelpers(t *testing.T) {
	if !errors.Is(WrapTimeout("wait_ready", "ns", errors.New("x")), ErrTimeout) {
		t.Error("WrapTimeout")
	}
	if !errors.Is(WrapTool("run_scan", "trivy", errors.New("x")), ErrToolUnavailable) {
		t.Error("WrapTool")
	}
	if !errors.Is(WrapValidation("vet", errors.New("x")), ErrValidationFailed) {
		t.Error("WrapValidation")
	}
	if !IsRetryable(WrapClusterAPI("get", "r", errors.New("x"))) {
		t.Error("WrapClusterAPI should retry")
	}
}
