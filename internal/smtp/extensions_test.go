package smtp

import (
	"context"
	"testing"
)

func TestProperty_NoOpAuthBackendAlwaysRejects(t *testing.T) {
	b := NoOpAuthBackend{}
	if _, err := b.Verify(context.Background(), "anyone", "anything"); err != ErrInvalidCredentials {
		t.Errorf("NoOpAuthBackend.Verify error = %v, want ErrInvalidCredentials", err)
	}
}

func TestProperty_NoOpDnsblPolicyNeverLists(t *testing.T) {
	p := NoOpDnsblPolicy{}
	listed, err := p.Check(context.Background(), "1.2.3.4")
	if err != nil || listed {
		t.Errorf("NoOpDnsblPolicy.Check() = (%v, %v), want (false, nil)", listed, err)
	}
}

func TestProperty_NoOpGreylistPolicyNeverApplies(t *testing.T) {
	if (NoOpGreylistPolicy{}).ShouldApply(&Session{}) {
		t.Error("NoOpGreylistPolicy.ShouldApply should always return false")
	}
}

func TestProperty_NoOpMessageSinkAcceptsEverything(t *testing.T) {
	id, err := (NoOpMessageSink{}).Submit(context.Background(), Envelope{}, []byte("body"))
	if err != nil || id == "" {
		t.Errorf("NoOpMessageSink.Submit() = (%q, %v), want (non-empty, nil)", id, err)
	}
}

func TestProperty_DefaultRateLimitPolicyPrefersAuthenticatedPrincipal(t *testing.T) {
	s := &Session{authenticated: true, principal: "alice", remoteIP: "9.9.9.9"}
	if got := (DefaultRateLimitPolicy{}).KeyFor(s); got != "user:alice" {
		t.Errorf("KeyFor() = %q, want %q", got, "user:alice")
	}
}

func TestProperty_DefaultRateLimitPolicyFallsBackToIP(t *testing.T) {
	s := &Session{remoteIP: "9.9.9.9"}
	if got := (DefaultRateLimitPolicy{}).KeyFor(s); got != "ip:9.9.9.9" {
		t.Errorf("KeyFor() = %q, want %q", got, "ip:9.9.9.9")
	}

	s2 := &Session{authenticated: true, principal: "", remoteIP: "9.9.9.9"}
	if got := (DefaultRateLimitPolicy{}).KeyFor(s2); got != "ip:9.9.9.9" {
		t.Errorf("KeyFor() with empty principal = %q, want %q", got, "ip:9.9.9.9")
	}
}
