package smtp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// stubAuthBackend always verifies successfully as a fixed principal.
type stubAuthBackend struct{ principal string }

func (b stubAuthBackend) Verify(context.Context, string, string) (string, error) {
	return b.principal, nil
}

func TestProperty_AuthPLAINInitialResponseDecodesUserPass(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		user := rapid.StringMatching(`[a-zA-Z0-9]{1,20}`).Draw(t, "user")
		pass := rapid.StringMatching(`[a-zA-Z0-9]{1,20}`).Draw(t, "pass")
		blob := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))

		s := &Session{}
		var out bytes.Buffer
		rw := newResponseWriter(bufio.NewWriter(&out))
		lr := newLineReader(strings.NewReader(""))

		gotUser, gotPass, err := s.authPLAIN(rw, lr, blob)
		if err != nil {
			t.Fatalf("authPLAIN error: %v", err)
		}
		if gotUser != user || gotPass != pass {
			t.Errorf("authPLAIN = (%q, %q), want (%q, %q)", gotUser, gotPass, user, pass)
		}
	})
}

func TestProperty_AuthPLAINContinuationPromptsThenReads(t *testing.T) {
	user, pass := "alice", "hunter2"
	blob := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))

	s := &Session{}
	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	lr := newLineReader(strings.NewReader(blob + "\r\n"))

	gotUser, gotPass, err := s.authPLAIN(rw, lr, "")
	if err != nil {
		t.Fatalf("authPLAIN error: %v", err)
	}
	if gotUser != user || gotPass != pass {
		t.Errorf("authPLAIN = (%q, %q), want (%q, %q)", gotUser, gotPass, user, pass)
	}
	if !strings.HasPrefix(out.String(), "334 ") {
		t.Errorf("expected a 334 continuation prompt, got %q", out.String())
	}
}

func TestProperty_AuthPLAINCancelledWithAsterisk(t *testing.T) {
	s := &Session{}
	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	lr := newLineReader(strings.NewReader("*\r\n"))

	_, _, err := s.authPLAIN(rw, lr, "")
	if err != errAuthCancelled {
		t.Errorf("authPLAIN error = %v, want errAuthCancelled", err)
	}
}

func TestProperty_AuthPLAINRejectsMalformedBlob(t *testing.T) {
	s := &Session{}
	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	lr := newLineReader(strings.NewReader(""))

	blob := base64.StdEncoding.EncodeToString([]byte("onlyonefield"))
	if _, _, err := s.authPLAIN(rw, lr, blob); err == nil {
		t.Error("authPLAIN should reject a blob without two NUL separators")
	}
}

func TestProperty_AuthLOGINReadsUsernameThenPassword(t *testing.T) {
	user, pass := "bob", "swordfish"
	input := base64.StdEncoding.EncodeToString([]byte(user)) + "\r\n" +
		base64.StdEncoding.EncodeToString([]byte(pass)) + "\r\n"

	s := &Session{}
	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	lr := newLineReader(strings.NewReader(input))

	gotUser, gotPass, err := s.authLOGIN(rw, lr, "")
	if err != nil {
		t.Fatalf("authLOGIN error: %v", err)
	}
	if gotUser != user || gotPass != pass {
		t.Errorf("authLOGIN = (%q, %q), want (%q, %q)", gotUser, gotPass, user, pass)
	}
}

func TestProperty_AuthLOGINWithInitialResponseSkipsUsernamePrompt(t *testing.T) {
	user, pass := "carol", "letmein"
	initial := base64.StdEncoding.EncodeToString([]byte(user))
	input := base64.StdEncoding.EncodeToString([]byte(pass)) + "\r\n"

	s := &Session{}
	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	lr := newLineReader(strings.NewReader(input))

	gotUser, gotPass, err := s.authLOGIN(rw, lr, initial)
	if err != nil {
		t.Fatalf("authLOGIN error: %v", err)
	}
	if gotUser != user || gotPass != pass {
		t.Errorf("authLOGIN = (%q, %q), want (%q, %q)", gotUser, gotPass, user, pass)
	}
}

// newAuthSession builds a minimal Session wired for AUTH PLAIN against a
// fixed-principal backend and the given shared per-principal limiter.
func newAuthSession(limiter *RateLimiter) *Session {
	s := &Session{
		cfg: Config{EnableAuth: true},
		deps: Deps{
			Auth:      stubAuthBackend{principal: "alice"},
			RateLimit: DefaultRateLimitPolicy{},
		},
	}
	return s.WithRateLimiter(limiter)
}

func TestHandleAUTHEnforcesPerPrincipalRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute, time.Minute)
	defer limiter.Stop()

	blob := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))

	s1 := newAuthSession(limiter)
	var out1 bytes.Buffer
	rw1 := newResponseWriter(bufio.NewWriter(&out1))
	if err := s1.handleAUTH(context.Background(), rw1, newLineReader(strings.NewReader("")), "PLAIN "+blob); err != nil {
		t.Fatalf("handleAUTH error: %v", err)
	}
	if !strings.HasPrefix(out1.String(), "235 ") {
		t.Fatalf("first AUTH for alice = %q, want 235 success", out1.String())
	}
	if !s1.authenticated {
		t.Fatal("first AUTH for alice should leave the session authenticated")
	}

	// A second connection authenticating as the same principal exhausts the
	// shared single-slot bucket and must be rejected rather than succeed.
	s2 := newAuthSession(limiter)
	var out2 bytes.Buffer
	rw2 := newResponseWriter(bufio.NewWriter(&out2))
	if err := s2.handleAUTH(context.Background(), rw2, newLineReader(strings.NewReader("")), "PLAIN "+blob); err != nil {
		t.Fatalf("handleAUTH error: %v", err)
	}
	if !strings.HasPrefix(out2.String(), "421 ") {
		t.Errorf("second AUTH for alice = %q, want 421 rate-limit rejection", out2.String())
	}
	if s2.authenticated || s2.principal != "" {
		t.Error("rate-limited AUTH must not leave the session half-authenticated")
	}
}

func TestHandleMAILEnforcesPerPrincipalRateLimitWhenAuthenticated(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute, time.Minute)
	defer limiter.Stop()
	// Consume the bucket's single slot so the authenticated MAIL FROM below
	// observes it already exhausted.
	limiter.CheckAndIncrement("user:alice")

	s := &Session{
		cfg:           Config{EnableAuth: true, MaxMessageSize: 1024, MaxRecipients: 10},
		deps:          Deps{RateLimit: DefaultRateLimitPolicy{}},
		authenticated: true,
		principal:     "alice",
	}
	s.WithRateLimiter(limiter)

	var out bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&out))
	if err := s.handleMAIL(rw, "FROM:<alice@example.com>"); err != nil {
		t.Fatalf("handleMAIL error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "421 ") {
		t.Errorf("MAIL FROM over the per-principal limit = %q, want 421", out.String())
	}
}
