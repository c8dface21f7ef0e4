package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "update sweep")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
}

func TestMessageOfStripsCode(t *testing.T) {
	err := New(CodeConfiguration, "Unsupported chain: fantom")
	if got := MessageOf(err); got != "Unsupported chain: fantom" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := MessageOf(stdErrors.New("plain")); got != "plain" {
		t.Fatalf("unexpected message %q", got)
	}
	if RetryableError(err) {
		t.Fatalf("configuration errors must not be retried")
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(CodeUpstreamFailure, "aggregator", WithRetryable(false), WithMetadata("chain", "base"), WithSeverity(SeverityCritical))
	if err.Retryable() {
		t.Fatalf("expected override to win")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("severity override lost: %s", err.Severity())
	}
	if err.Metadata()["chain"] != "base" {
		t.Fatalf("metadata lost: %+v", err.Metadata())
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})
	if attr := AttributesOf(code); attr.Message != "custom" || !attr.Retryable {
		t.Fatalf("unexpected attributes %+v", attr)
	}
	if attr := AttributesOf("NEVER_REGISTERED"); attr.Message != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unregistered code should fall back to UNKNOWN")
	}
}
