package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webrana/inbound-smtpd/internal/metrics"
)

// Server is the C10 Listener/Supervisor: binds listener sockets, admits new
// connections against the session cap, and spawns one Session task per
// accepted socket. The rate limit is not checked here; sessions consult it
// once per delivery. Graceful shutdown stops accepting, waits up to
// GracePeriod for in-flight sessions to end, then force-closes the rest.
type Server struct {
	deps SessionDeps

	listeners []net.Listener
	admission *AdmissionController

	running  atomic.Bool
	wg       sync.WaitGroup
	shutdown chan struct{}
	gcStop   chan struct{}
	logger   *slog.Logger

	sessMu   sync.Mutex
	sessions map[*SMTPSession]struct{}
}

func NewServer(deps SessionDeps) *Server {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:      deps,
		admission: NewAdmissionController(deps.Config.MaxConns),
		shutdown:  make(chan struct{}),
		gcStop:    make(chan struct{}),
		logger:    logger,
		sessions:  make(map[*SMTPSession]struct{}),
	}
}

// Start binds every configured listen address and begins accepting.
func (s *Server) Start() error {
	addrs := s.deps.Config.ListenAddrs
	if len(addrs) == 0 {
		addrs = []string{":25"}
	}

	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}

	s.running.Store(true)

	if gcable, ok := s.deps.RateLimiter.(*InMemoryRateLimiter); ok {
		go gcable.RunGC(s.deps.Config.RateLimitWindow, s.gcStop)
	}

	for _, ln := range s.listeners {
		ln := ln
		go s.acceptLoop(ln)
	}

	s.logger.Info("smtp server started", "addrs", addrs)
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Error("accept error", "error", err)
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.wg.Add(1)
	defer s.wg.Done()

	if !s.admission.TryAcquire() {
		metrics.SMTPConnectionsRefused.Inc()
		writeBanner(conn, 421, "4.3.2", "Too many connections")
		conn.Close()
		return
	}
	defer s.admission.Release()

	metrics.SMTPConnectionsTotal.Inc()
	metrics.SMTPConnectionsActive.Inc()
	defer metrics.SMTPConnectionsActive.Dec()

	ip := hostIP(conn.RemoteAddr())
	s.logger.Info("connection accepted", "remote_ip", ip.String())

	session := NewSMTPSession(conn, s.deps)
	s.trackSession(session)
	defer s.untrackSession(session)
	session.Run()
}

func (s *Server) trackSession(sess *SMTPSession) {
	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()
}

func (s *Server) untrackSession(sess *SMTPSession) {
	s.sessMu.Lock()
	delete(s.sessions, sess)
	s.sessMu.Unlock()
}

// forceCloseSessions signals every still-tracked session to terminate at its
// next safe transition and forces any blocked read/write to fail, used once
// the graceful-shutdown grace period has elapsed.
func (s *Server) forceCloseSessions() {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for sess := range s.sessions {
		sess.Shutdown()
	}
}

func writeBanner(conn net.Conn, code int, enhanced, text string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "%d %s %s\r\n", code, enhanced, text)
}

// Stop stops accepting new connections and waits up to GracePeriod for
// in-flight sessions to finish. Past the grace period it force-closes the
// remaining sessions and waits for them to end, returning ctx's error if
// ctx is done first.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.gcStop)
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.deps.Config.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case <-done:
		s.logger.Info("smtp server stopped gracefully")
		return nil
	case <-time.After(grace):
		s.logger.Warn("smtp server shutdown grace period exceeded, force-closing remaining sessions")
		s.forceCloseSessions()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the current open-session count.
func (s *Server) ActiveSessions() int64 {
	return s.admission.Active()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
