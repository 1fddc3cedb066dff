package errorsx

import (
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamSend)
	if Reason(err) != ReasonUpstreamSend {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamSend, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonTelephonyClosed)
	second := Wrap(first, ReasonToolInvocation)
	if Reason(second) != ReasonTelephonyClosed {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrap(t *testing.T) {
	err := fmt.Errorf("send truncate: %w", Wrap(assertErr{}, ReasonUpstreamClosed))
	if Reason(err) != ReasonUpstreamClosed {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if !Terminal(Reason(err)) {
		t.Fatalf("expected upstream_closed to be terminal")
	}
}

func TestTerminal(t *testing.T) {
	if Terminal(ReasonMalformedEvent) {
		t.Fatalf("malformed_event must not be terminal")
	}
	if Terminal(ReasonToolInvocation) {
		t.Fatalf("tool_invocation must not be terminal")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestErrorfTagsAndWraps(t *testing.T) {
	err := Errorf(ReasonNotification, "webhook status %d: %w", 502, assertErr{})
	if !HasReason(err, ReasonNotification) {
		t.Fatalf("expected notification reason, got %s", Reason(err))
	}
	if err.Error() != "webhook status 502: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if HasReason(nil, ReasonUnknown) {
		t.Fatalf("nil error must not report a reason")
	}
}
