package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/home-lang/esmtpd/internal/metrics"
)

// errAuthCancelled is returned when the client sends "*" during a
// continuation exchange, per RFC 4954 §4.
var errAuthCancelled = errors.New("authentication cancelled")

// handleAUTH dispatches AUTH <mechanism> [initial-response].
func (s *Session) handleAUTH(ctx context.Context, rw *responseWriter, lr *lineReader, arg string) error {
	if !s.cfg.EnableAuth {
		return rw.writeLine(CodeUnsupportedAuth, "Command not implemented")
	}
	if s.authenticated {
		return rw.writeLine(CodeBadSequence, "Already authenticated")
	}
	mech, rest, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(strings.TrimSpace(mech))
	rest = strings.TrimSpace(rest)

	var (
		user, pass string
		err        error
	)
	switch mech {
	case "PLAIN":
		user, pass, err = s.authPLAIN(rw, lr, rest)
	case "LOGIN":
		user, pass, err = s.authLOGIN(rw, lr, rest)
	default:
		return rw.writeLine(CodeUnsupportedAuth, "Unrecognized authentication mechanism")
	}
	if errors.Is(err, errAuthCancelled) {
		return rw.writeLine(CodeSyntaxErrorParams, "Authentication cancelled")
	}
	if err != nil {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}

	principal, verr := s.deps.Auth.Verify(ctx, user, pass)
	if verr != nil {
		if errors.Is(verr, ErrTemporaryAuthFailure) {
			metrics.SMTPAuthAttempts.WithLabelValues("temporary_failure").Inc()
			return rw.writeLine(CodeLocalError, "Temporary authentication failure")
		}
		metrics.SMTPAuthAttempts.WithLabelValues("rejected").Inc()
		return rw.writeLine(CodeAuthFailed, "Authentication failed")
	}

	metrics.SMTPAuthAttempts.WithLabelValues("success").Inc()
	s.authenticated = true
	s.principal = principal

	// Per-principal rate limit is checked immediately on AUTH success
	// (spec.md §4.6); a principal already over budget never reaches
	// StateAuthenticated.
	if !s.checkUserRateLimit() {
		metrics.SMTPRateLimitRejections.Inc()
		s.authenticated = false
		s.principal = ""
		return rw.writeLine(CodeServiceUnavailable, "Too many requests, try again later")
	}

	s.state = StateAuthenticated
	return rw.writeLine(CodeAuthSuccess, "Authentication successful")
}

// authPLAIN implements RFC 4616 SASL PLAIN: either an initial response is
// supplied inline, or the server issues a 334 continuation and reads the
// base64 blob on the next line. The decoded buffer is \0-separated
// authzid\0authcid\0passwd.
func (s *Session) authPLAIN(rw *responseWriter, lr *lineReader, initialResp string) (user, pass string, err error) {
	blob := initialResp
	if blob == "" {
		if err := rw.writeLine(334, ""); err != nil {
			return "", "", err
		}
		line, rerr := lr.readLine()
		if rerr != nil {
			return "", "", rerr
		}
		if line == "*" {
			return "", "", errAuthCancelled
		}
		blob = line
	}
	decoded, derr := base64.StdEncoding.DecodeString(blob)
	if derr != nil {
		return "", "", derr
	}
	parts := bytes.SplitN(decoded, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", errors.New("malformed PLAIN response")
	}
	return string(parts[1]), string(parts[2]), nil
}

// authLOGIN implements the common (non-standardized) AUTH LOGIN exchange:
// 334 base64("Username:"), read username, 334 base64("Password:"), read password.
func (s *Session) authLOGIN(rw *responseWriter, lr *lineReader, initialResp string) (user, pass string, err error) {
	readB64 := func(prompt string) (string, error) {
		if err := rw.writeLine(334, base64.StdEncoding.EncodeToString([]byte(prompt))); err != nil {
			return "", err
		}
		line, rerr := lr.readLine()
		if rerr != nil {
			return "", rerr
		}
		if line == "*" {
			return "", errAuthCancelled
		}
		dec, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return "", derr
		}
		return string(dec), nil
	}

	if initialResp != "" {
		dec, derr := base64.StdEncoding.DecodeString(initialResp)
		if derr != nil {
			return "", "", derr
		}
		user = string(dec)
	} else {
		user, err = readB64("Username:")
		if err != nil {
			return "", "", err
		}
	}
	pass, err = readB64("Password:")
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}
