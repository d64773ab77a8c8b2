package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/home-lang/esmtpd/internal/metrics"
)

// Session holds all per-connection state. One Session per accepted transport;
// it exclusively owns its conn.
type Session struct {
	conn net.Conn
	cfg  Config
	deps Deps

	tlsStaticConfig *tls.Config
	tlsSource       CertificateSource

	userRateLimiter *RateLimiter // per-principal bucket set; nil is a no-op

	state State

	remoteIP   string
	clientName string // EHLO/HELO argument

	tlsActive     bool
	authenticated bool
	principal     string

	env Envelope

	bdat struct {
		buf []byte
	}

	startTime time.Time
}

// NewSession constructs a Session around an accepted connection. remoteIP is
// the peer's textual address, already resolved by the listener (C1).
func NewSession(conn net.Conn, cfg Config, deps Deps, remoteIP string) *Session {
	return &Session{
		conn:            conn,
		cfg:             cfg,
		tlsStaticConfig: cfg.TLSConfig,
		state:           StateConnected,
		remoteIP:        remoteIP,
		startTime:       time.Now(),
		deps:            deps,
	}
}

// WithCertificateSource attaches an optional dynamic CertificateSource,
// consulted by STARTTLS ahead of the static certificate.
func (s *Session) WithCertificateSource(src CertificateSource) *Session {
	s.tlsSource = src
	return s
}

// WithRateLimiter attaches the per-principal rate limiter. Tests that
// construct a Session directly and skip this leave per-principal limiting
// disabled rather than nil-panicking.
func (s *Session) WithRateLimiter(rl *RateLimiter) *Session {
	s.userRateLimiter = rl
	return s
}

// checkUserRateLimit enforces the per-principal bucket: checked after AUTH
// succeeds and on each MAIL FROM while authenticated. A Session with no
// limiter wired (unit tests, or EnableAuth off) always allows.
func (s *Session) checkUserRateLimit() bool {
	if s.userRateLimiter == nil || s.deps.RateLimit == nil {
		return true
	}
	return s.userRateLimiter.CheckAndIncrement(s.deps.RateLimit.KeyFor(s))
}

// Run drives the session to completion: greeting, command loop, cleanup.
// Every command/data read is subject to the relevant timeout; a timer
// firing writes a best-effort reply and closes the transport without
// invoking MessageSink.submit.
func (s *Session) Run(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer s.conn.Close()

	lr := newLineReader(s.conn)
	rw := newResponseWriter(bufio.NewWriter(s.conn))

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.GreetingTimeout))
	if err := rw.writeLine(CodeServiceReady, fmt.Sprintf("%s ESMTP Service Ready", s.cfg.Hostname)); err != nil {
		return
	}

	for s.state != StateClosed {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.CommandTimeout))

		line, err := lr.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				_ = rw.writeLine(CodeSyntaxError, "Line too long")
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				_ = rw.writeLine(CodeServiceUnavailable, "Command timeout")
			}
			return
		}
		if line == "" {
			continue
		}

		cmd := parseCommand(line)
		if err := s.dispatch(ctx, rw, lr, logger, cmd); err != nil {
			if !errors.Is(err, errSessionClosed) {
				logger.Debug("session ending", "reason", err, "remote_ip", s.remoteIP)
			}
			return
		}
	}
}

// dispatch routes one parsed command to its handler. A returned error means
// the transport should be closed (QUIT, fatal I/O, STARTTLS failure,
// command-line overflow); ordinary SMTP-level rejections are handled inline
// by writing a reply and returning nil so the loop continues.
func (s *Session) dispatch(ctx context.Context, rw *responseWriter, lr *lineReader, logger *slog.Logger, cmd Command) error {
	// After STARTTLS, only EHLO/HELO/QUIT escape the 503 — unlike every
	// other "not allowed" state, NOOP/RSET are NOT excepted here.
	if s.state == StatePostSTARTTLS {
		switch cmd.Verb {
		case CmdHELO:
			return s.handleHELO(rw, cmd.Arg)
		case CmdEHLO:
			return s.handleEHLO(rw, cmd.Arg)
		case CmdQUIT:
			return s.handleQUIT(rw)
		default:
			return rw.writeLine(CodeBadSequence, "Bad sequence of commands; EHLO required after STARTTLS")
		}
	}

	if !isAllowedInState(cmd.Verb, s.state) {
		switch cmd.Verb {
		case CmdNOOP:
			return rw.writeLine(CodeOK, "OK")
		case CmdQUIT:
			return s.handleQUIT(rw)
		case CmdRSET:
			return s.handleRSET(rw)
		case CmdHELO, CmdEHLO, CmdMAIL, CmdRCPT, CmdDATA, CmdBDAT, CmdSTARTTLS, CmdAUTH:
			return rw.writeLine(CodeBadSequence, "Bad sequence of commands")
		default:
			return rw.writeLine(CodeSyntaxError, "Syntax error, command unrecognized")
		}
	}

	switch cmd.Verb {
	case CmdHELO:
		return s.handleHELO(rw, cmd.Arg)
	case CmdEHLO:
		return s.handleEHLO(rw, cmd.Arg)
	case CmdMAIL:
		return s.handleMAIL(rw, cmd.Arg)
	case CmdRCPT:
		return s.handleRCPT(rw, cmd.Arg)
	case CmdDATA:
		return s.handleDATA(ctx, rw, lr, logger)
	case CmdBDAT:
		return s.handleBDAT(ctx, rw, lr, logger, cmd.Arg)
	case CmdRSET:
		return s.handleRSET(rw)
	case CmdNOOP:
		return rw.writeLine(CodeOK, "OK")
	case CmdQUIT:
		return s.handleQUIT(rw)
	case CmdSTARTTLS:
		return s.handleSTARTTLS(ctx, rw, lr)
	case CmdAUTH:
		return s.handleAUTH(ctx, rw, lr, cmd.Arg)
	default:
		return rw.writeLine(CodeSyntaxError, "Syntax error, command unrecognized")
	}
}

func (s *Session) handleHELO(rw *responseWriter, arg string) error {
	if strings.TrimSpace(arg) == "" {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}
	s.clientName = strings.TrimSpace(arg)
	s.env.reset()
	s.state = s.postTransactionState()
	return rw.writeLine(CodeOK, s.cfg.Hostname)
}

func (s *Session) handleEHLO(rw *responseWriter, arg string) error {
	if strings.TrimSpace(arg) == "" {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}
	s.clientName = strings.TrimSpace(arg)
	s.env.reset()
	s.state = s.postTransactionState()

	lines := []string{
		s.cfg.Hostname,
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
		"8BITMIME",
		"PIPELINING",
	}
	if h := s.tlsHandler(); h != nil && h.Available() && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.EnableAuth {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "CHUNKING", "BINARYMIME")
	if s.cfg.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	lines = append(lines, "HELP")
	return rw.writeMulti(CodeOK, lines)
}

func (s *Session) handleMAIL(rw *responseWriter, arg string) error {
	addr, params, ok := parseReversePath(arg)
	if !ok {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}
	if s.cfg.EnableAuth && !s.authenticated {
		return rw.writeLine(CodeAuthRequired, "Authentication required")
	}
	if s.authenticated && !s.checkUserRateLimit() {
		metrics.SMTPRateLimitRejections.Inc()
		return rw.writeLine(CodeServiceUnavailable, "Too many requests, try again later")
	}
	if params.HasSize && params.Size > s.cfg.MaxMessageSize {
		return rw.writeLine(CodeMessageTooLarge, "Message size exceeds maximum allowed")
	}
	if addr != "" && !ValidateEmailAddress(addr) {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}

	s.env.reset()
	s.env.MailFrom = addr
	s.env.BodyType = params.Body
	s.env.SMTPUTF8 = params.SMTPUTF8
	s.env.DeclaredSize = params.Size
	s.state = StateMailFrom
	return rw.writeLine(CodeOK, "OK")
}

func (s *Session) handleRCPT(rw *responseWriter, arg string) error {
	addr, ok := parseForwardPath(arg)
	if !ok {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}
	if !ValidateEmailAddress(addr) {
		return rw.writeLine(CodeSyntaxErrorParams, "Syntax error in parameters")
	}
	if len(s.env.Recipients) >= s.cfg.MaxRecipients {
		return rw.writeLine(CodeInsufficientStorage, "Too many recipients")
	}

	if s.cfg.EnableGreylist && s.deps.Greylist != nil && s.deps.Greylist.ShouldApply(s) {
		if gl, ok := s.deps.Greylist.(tripletChecker); ok {
			if !gl.CheckTriplet(s.remoteIP, s.env.MailFrom, addr) {
				metrics.SMTPGreylistDeferrals.Inc()
				return rw.writeLine(CodeGreylisted, "Greylisted, try again later")
			}
		}
	}

	s.env.Recipients = append(s.env.Recipients, addr)
	s.state = StateRcptTo
	return rw.writeLine(CodeOK, "OK")
}

// tripletChecker lets a GreylistPolicy double as the triplet store (the
// shipped *Greylist implements both); a policy that's purely advisory need not.
type tripletChecker interface {
	CheckTriplet(ip, sender, recipient string) bool
}

func (s *Session) handleDATA(ctx context.Context, rw *responseWriter, lr *lineReader, logger *slog.Logger) error {
	if len(s.env.Recipients) == 0 {
		return rw.writeLine(CodeBadSequence, "Bad sequence of commands")
	}
	if err := rw.writeLine(CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	body, err := lr.readDataBody(s.cfg.MaxMessageSize)
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			s.env.reset()
			s.state = s.postTransactionState()
			return rw.writeLine(CodeMessageTooLarge, "Message size exceeds maximum allowed")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = rw.writeLine(CodeLocalError, "Data timeout")
		}
		return err
	}
	return s.finalizeMessage(ctx, rw, logger, body)
}

func (s *Session) handleBDAT(ctx context.Context, rw *responseWriter, lr *lineReader, logger *slog.Logger, arg string) error {
	if len(s.env.Recipients) == 0 {
		return rw.writeLine(CodeBadSequence, "Bad sequence of commands")
	}
	args, ok := parseBDAT(arg)
	if !ok {
		return rw.writeLine(CodeSyntaxError, "Syntax error in parameters")
	}
	if args.Size > s.cfg.MaxChunkSize {
		return rw.writeLine(CodeSyntaxError, "Chunk size exceeds maximum allowed")
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	chunk, err := lr.readExact(args.Size)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = rw.writeLine(CodeLocalError, "Data timeout")
		}
		return err
	}
	s.bdat.buf = append(s.bdat.buf, chunk...)
	if int64(len(s.bdat.buf)) > s.cfg.MaxMessageSize {
		s.bdat.buf = nil
		s.env.reset()
		s.state = s.postTransactionState()
		return rw.writeLine(CodeMessageTooLarge, "Message size exceeds maximum allowed")
	}

	if !args.Last {
		s.state = StateBDATing
		return rw.writeLine(CodeOK, fmt.Sprintf("%d bytes received", len(chunk)))
	}

	body := s.bdat.buf
	s.bdat.buf = nil
	return s.finalizeMessage(ctx, rw, logger, body)
}

// finalizeMessage submits a completed DATA/BDAT body to the MessageSink and
// resets the transaction state for the next MAIL FROM.
func (s *Session) finalizeMessage(ctx context.Context, rw *responseWriter, logger *slog.Logger, body []byte) error {
	env := s.env

	if err := validateBodyOctets(body, env.BodyType); err != nil {
		s.env.reset()
		s.bdat.buf = nil
		s.state = s.postTransactionState()
		logger.Debug("message rejected: body violates declared BODY type", "reason", err, "remote_ip", s.remoteIP)
		return rw.writeLine(CodeTransactionFailed, "Transaction failed: message body violates declared BODY type")
	}

	subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	id, err := s.deps.Sink.Submit(subCtx, env, body)
	s.env.reset()
	s.state = s.postTransactionState()

	if err != nil {
		reason := "temporary"
		if errors.Is(err, ErrRejectedPermanent) {
			reason = "permanent"
		}
		metrics.SMTPEmailsRejected.WithLabelValues(reason).Inc()
		if reason == "permanent" {
			return rw.writeLine(CodeTransactionFailed, "Transaction failed")
		}
		return rw.writeLine(CodeLocalError, "Requested action aborted: local error in processing")
	}
	if id == "" {
		id = uuid.NewString()
	}
	metrics.SMTPEmailsReceived.Inc()
	metrics.SMTPMessageSize.Observe(float64(len(body)))
	logger.Info("message accepted", "queue_id", id, "sender", env.MailFrom, "recipients", len(env.Recipients), "size", len(body))
	return rw.writeLine(CodeOK, fmt.Sprintf("OK: queued as %s", id))
}

func (s *Session) handleRSET(rw *responseWriter) error {
	s.env.reset()
	s.bdat.buf = nil
	s.state = s.postTransactionState()
	return rw.writeLine(CodeOK, "OK")
}

// errSessionClosed is a sentinel used internally to unwind Run's loop after
// QUIT without treating it as a transport failure.
var errSessionClosed = errors.New("session closed")

func (s *Session) handleQUIT(rw *responseWriter) error {
	_ = rw.writeLine(CodeServiceClosing, fmt.Sprintf("%s closing connection", s.cfg.Hostname))
	s.state = StateClosed
	return errSessionClosed
}

func (s *Session) handleSTARTTLS(ctx context.Context, rw *responseWriter, lr *lineReader) error {
	if s.tlsActive {
		return rw.writeLine(CodeBadSequence, "TLS already active")
	}
	h := s.tlsHandler()
	if h == nil || !h.Available() {
		return rw.writeLine(CodeTLSNotAvailable, "TLS not available")
	}
	if err := rw.writeLine(CodeServiceReady, "Ready to start TLS"); err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	newConn, err := h.Handshake(hsCtx, s.conn)
	if err != nil {
		metrics.SMTPTLSHandshakes.WithLabelValues("failure").Inc()
		return err // fatal: close the connection, the handshake cannot be retried
	}
	metrics.SMTPTLSHandshakes.WithLabelValues("success").Inc()

	// Ownership of the byte stream passes to the TLS transport; the plaintext
	// handle is dropped.
	s.conn = newConn
	*lr = *newLineReader(newConn)
	*rw = *newResponseWriter(bufio.NewWriter(newConn))

	s.tlsActive = true
	s.clientName = ""
	s.authenticated = false
	s.principal = ""
	s.env.reset()
	s.state = StatePostSTARTTLS // must re-EHLO before anything but QUIT
	return nil
}

func (s *Session) tlsHandler() *TLSHandler {
	if s.tlsStaticConfig == nil && s.tlsSource == nil {
		return nil
	}
	if s.tlsSource != nil {
		return NewTLSHandlerWithSource(s.tlsSource, s.tlsStaticConfig, nil)
	}
	return NewTLSHandler(s.tlsStaticConfig, nil)
}

// postTransactionState is the state a session returns to after a completed
// or reset transaction: Authenticated if a principal is set, and Connected if
// no EHLO/HELO has been issued yet, else Greeted.
func (s *Session) postTransactionState() State {
	if s.authenticated {
		return StateAuthenticated
	}
	if s.clientName == "" {
		return StateConnected
	}
	return StateGreeted
}
