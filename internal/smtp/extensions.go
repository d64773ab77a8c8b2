package smtp

import (
	"context"
	"errors"
)

// AuthBackend verifies SASL PLAIN/LOGIN credentials (§6.2). Implementations
// MUST be thread-safe and MAY perform I/O.
type AuthBackend interface {
	Verify(ctx context.Context, user, pass string) (principal string, err error)
}

// MessageSink accepts a completed envelope + message body (§6.2). Permanent
// rejections map to 5xx, temporary rejections to 4xx. MUST be thread-safe.
type MessageSink interface {
	Submit(ctx context.Context, env Envelope, body []byte) (id string, err error)
}

// DnsblPolicy checks whether a peer IP is blacklisted (§6.2). May be absent (nil).
type DnsblPolicy interface {
	Check(ctx context.Context, ip string) (listed bool, err error)
}

// GreylistPolicy decides whether a given session is subject to greylisting (§6.2).
type GreylistPolicy interface {
	ShouldApply(s *Session) bool
}

// RateLimitPolicy computes the rate-limit bucket key for a session (§6.2).
type RateLimitPolicy interface {
	KeyFor(s *Session) string
}

// Deps bundles the external collaborators (C10) a Server/Session is wired
// against. Any nil field is filled with a NoOp default by NewServer.
type Deps struct {
	Auth      AuthBackend
	Sink      MessageSink
	Dnsbl     DnsblPolicy
	Greylist  GreylistPolicy
	RateLimit RateLimitPolicy
}

// ErrInvalidCredentials is returned by AuthBackend.Verify on a permanent
// authentication failure (wrong user/password).
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrTemporaryAuthFailure is returned by AuthBackend.Verify when verification
// could not complete (e.g. backend unreachable); mapped to a 4xx reply.
var ErrTemporaryAuthFailure = errors.New("temporary authentication failure")

// ErrRejectedPermanent is returned (optionally wrapped) by MessageSink.Submit
// to indicate a permanent rejection, mapped to 5xx.
var ErrRejectedPermanent = errors.New("message rejected")

// ErrRejectedTemporary is returned (optionally wrapped) by MessageSink.Submit
// to indicate a transient rejection, mapped to 4xx.
var ErrRejectedTemporary = errors.New("message temporarily rejected")

// NoOpAuthBackend rejects every credential pair. This is the default when no
// backend is wired: spec.md §9 Open Question (b) mandates 535, never a
// permissive accept.
type NoOpAuthBackend struct{}

func (NoOpAuthBackend) Verify(ctx context.Context, user, pass string) (string, error) {
	return "", ErrInvalidCredentials
}

// NoOpDnsblPolicy treats every IP as clean.
type NoOpDnsblPolicy struct{}

func (NoOpDnsblPolicy) Check(ctx context.Context, ip string) (bool, error) {
	return false, nil
}

// NoOpGreylistPolicy never applies greylisting.
type NoOpGreylistPolicy struct{}

func (NoOpGreylistPolicy) ShouldApply(s *Session) bool { return false }

// DefaultRateLimitPolicy keys on the principal ("user:<principal>") once the
// session is authenticated with a non-empty principal, and on the peer IP
// ("ip:<addr>") otherwise.
type DefaultRateLimitPolicy struct{}

func (DefaultRateLimitPolicy) KeyFor(s *Session) string {
	if s.authenticated && s.principal != "" {
		return "user:" + s.principal
	}
	return "ip:" + s.remoteIP
}

// NoOpMessageSink discards messages, accepting everything with a synthetic ID.
// Useful for tests and as a development default.
type NoOpMessageSink struct{}

func (NoOpMessageSink) Submit(ctx context.Context, env Envelope, body []byte) (string, error) {
	return "noop", nil
}
