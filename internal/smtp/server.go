package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/home-lang/esmtpd/internal/metrics"
)

// Server owns the listening socket and the shared admission-control state
// (C1): connection caps, per-IP rate limiting, DNSBL, greylist. Grounded on
// the teacher's internal/smtp/server.go.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	listener net.Listener

	rateLimiter     *RateLimiter
	userRateLimiter *RateLimiter
	greylist        *Greylist

	activeConns int64 // atomic

	ipMu    sync.RWMutex
	ipConns map[string]int

	running    atomic.Bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewServer wires a Server from Config and its collaborator Deps, filling in
// NoOp defaults for any unset interface (spec.md §9 Open Question (b): an
// unset AuthBackend must still exist as NoOpAuthBackend so AUTH rejects 535).
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Auth == nil {
		deps.Auth = NoOpAuthBackend{}
	}
	if deps.Sink == nil {
		deps.Sink = NoOpMessageSink{}
	}
	if deps.Dnsbl == nil {
		deps.Dnsbl = NoOpDnsblPolicy{}
	}
	if deps.RateLimit == nil {
		deps.RateLimit = DefaultRateLimitPolicy{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		ipConns:    make(map[string]int),
		shutdownCh: make(chan struct{}),
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitPerIP, cfg.RateLimitWindow, cfg.RateLimitCleanupEvery)
	// Separate bucket set from the per-IP admission limiter above: it's keyed
	// by deps.RateLimit.KeyFor (principal once authenticated) and consulted
	// from within the session, not at connection accept time (spec.md §4.6).
	s.userRateLimiter = NewRateLimiter(cfg.RateLimitPerUser, cfg.RateLimitWindow, cfg.RateLimitCleanupEvery)
	if cfg.EnableGreylist {
		gl := NewGreylist(cfg.GreylistInitialDelay, cfg.GreylistAutoWhitelistAfter, cfg.GreylistRetryWindow, cfg.GreylistCleanupEvery)
		s.greylist = gl
		if deps.Greylist == nil {
			s.deps.Greylist = &TripletGreylistPolicy{Greylist: gl}
		}
	} else if deps.Greylist == nil {
		s.deps.Greylist = NoOpGreylistPolicy{}
	}
	return s
}

// Start binds the listening socket and begins accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.running.Store(true)
	s.logger.Info("smtp server listening", "addr", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits (bounded) for in-flight sessions.
func (s *Server) Stop() error {
	s.running.Store(false)
	close(s.shutdownCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("shutdown grace period elapsed with sessions still active")
	}

	s.rateLimiter.Stop()
	s.userRateLimiter.Stop()
	if s.greylist != nil {
		s.greylist.Stop()
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection implements C1's five admission steps before handing off
// to a Session (spec.md §4.1).
func (s *Server) handleConnection(conn net.Conn) {
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if remoteIP == "" {
		remoteIP = conn.RemoteAddr().String()
	}

	for {
		n := atomic.LoadInt64(&s.activeConns)
		if n >= int64(s.cfg.MaxConnections) {
			s.reject(conn, CodeServiceUnavailable, "Too many connections, try again later")
			return
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, n, n+1) {
			break
		}
	}
	defer atomic.AddInt64(&s.activeConns, -1)

	ctx := context.Background()
	if s.cfg.EnableDNSBL && s.deps.Dnsbl != nil {
		if listed, err := s.deps.Dnsbl.Check(ctx, remoteIP); err == nil && listed {
			_ = conn.Close()
			return
		}
	}

	if !s.rateLimiter.CheckAndIncrement("ip:" + remoteIP) {
		metrics.SMTPRateLimitRejections.Inc()
		s.reject(conn, CodeServiceUnavailable, "Too many connections, try again later")
		return
	}

	if !s.acquireIPConnection(remoteIP) {
		s.reject(conn, CodeServiceUnavailable, "Too many connections from your address")
		return
	}
	defer s.releaseIPConnection(remoteIP)

	metrics.SMTPConnectionsTotal.Inc()
	metrics.SMTPConnectionsActive.Inc()
	defer metrics.SMTPConnectionsActive.Dec()

	sess := NewSession(conn, s.cfg, s.deps, remoteIP).WithRateLimiter(s.userRateLimiter)
	sess.Run(ctx, s.logger)
}

func (s *Server) reject(conn net.Conn, code int, msg string) {
	_, _ = fmt.Fprintf(conn, "%d %s\r\n", code, msg)
	_ = conn.Close()
}

func (s *Server) acquireIPConnection(ip string) bool {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConns[ip] >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[ip]++
	return true
}

func (s *Server) releaseIPConnection(ip string) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConns[ip] > 0 {
		s.ipConns[ip]--
		if s.ipConns[ip] == 0 {
			delete(s.ipConns, ip)
		}
	}
}

// ActiveConnections reports the current number of in-flight sessions.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
