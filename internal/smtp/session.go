package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/webrana/inbound-smtpd/internal/metrics"
)

// SessionDeps are the shared, construction-time collaborators a Session
// needs beyond its own connection: config plus the four external
// boundaries (C4, C6, C7, C8). All are safe for concurrent use by many
// sessions.
type SessionDeps struct {
	Config      ServerConfig
	RateLimiter RateLimiter
	Users       UserStore
	TLS         TlsProvider
	Sink        Sink
	Clock       Clock
	Logger      *slog.Logger
}

// SMTPSession drives one connection through the FSM described by the
// state table: reads via LineReader, dispatches via ParseLine, replies via
// ReplyWriter, and calls Sink.Deliver on a completed transaction.
type SMTPSession struct {
	deps SessionDeps

	conn   net.Conn
	connMu sync.Mutex
	lr     *LineReader
	rw     *ReplyWriter
	logger *slog.Logger

	sess *Session

	// shutdown is closed by Shutdown to signal that the session should
	// terminate at its next safe transition (the top of the command loop).
	shutdown     chan struct{}
	shutdownOnce sync.Once
	// closePending is set whenever a queued or sent error's Kind mandates
	// closing the connection; the command loop checks it after dispatch.
	closePending bool
}

// NewSMTPSession constructs a session bound to an already-accepted
// connection. The client IP used for rate limiting is taken from
// conn.RemoteAddr().
func NewSMTPSession(conn net.Conn, deps SessionDeps) *SMTPSession {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connID := GenerateQueueID()
	logger = logger.With("conn_id", connID)

	return &SMTPSession{
		deps:     deps,
		conn:     conn,
		lr:       NewLineReader(conn, deps.Config.MaxLineLength),
		rw:       NewReplyWriter(conn),
		logger:   logger,
		shutdown: make(chan struct{}),
		sess: &Session{
			ConnID:       connID,
			ClientAddr:   conn.RemoteAddr(),
			StartTime:    deps.Clock.Now(),
			LastActivity: deps.Clock.Now(),
			State:        StateGreeted,
		},
	}
}

// Run drives the session to completion: greeting, command loop, teardown.
// It always closes conn before returning.
func (s *SMTPSession) Run() {
	defer s.conn.Close()

	s.rw.SendLine(220, "2.0.0", fmt.Sprintf("%s ESMTP ready", s.deps.Config.Hostname))

	for s.sess.State != StateQuit {
		select {
		case <-s.shutdown:
			s.sendErr(NewSessionError(KindShutdown, ""))
			return
		default:
		}

		deadline := s.commandDeadline()
		line, err := s.lr.ReadCommandLine(deadline)
		if err != nil {
			s.handleReadError(err)
			return
		}

		if line == "" {
			continue
		}

		cmd, perr := ParseLine(line)
		if perr != nil {
			s.rw.SendError(perr.(*SessionError))
			continue
		}

		quit := s.dispatch(cmd)

		// A pipelinable command whose reply was only queued (not flushed)
		// stays unflushed as long as the client has already sent more
		// input without waiting — that's the batch RFC 2920 describes.
		// Anything else flushes now, either because the command can't be
		// pipelined or because the client is about to block on our reply.
		if !(PipelinableVerbs[cmd.Verb] && s.lr.Buffered() > 0) {
			if ferr := s.rw.Flush(); ferr != nil {
				return
			}
		}

		if quit {
			return
		}
	}
}

// Shutdown signals the session to terminate at its next safe transition and
// forces any currently blocked read/write to fail immediately. Called by the
// server when its graceful-shutdown grace period has expired.
func (s *SMTPSession) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	conn.SetDeadline(time.Now())
}

// sendErr sends a SessionError's reply immediately and marks the session
// for termination when the Kind mandates closing the connection.
func (s *SMTPSession) sendErr(err *SessionError) {
	if s.rw.SendError(err) {
		s.closePending = true
	}
}

// queueErr queues a SessionError's reply for a pipelinable command without
// flushing; the command loop in Run decides when the batch is sent. It
// marks the session for termination when the Kind mandates closing.
func (s *SMTPSession) queueErr(err *SessionError) {
	if s.rw.QueueError(err) {
		s.closePending = true
	}
}

// requiresTLS reports whether verb must be rejected in plaintext when the
// server is configured with TLSStartTLSRequired and TLS hasn't been
// negotiated yet.
func requiresTLS(verb string) bool {
	switch verb {
	case "MAIL", "RCPT", "DATA", "BDAT", "AUTH":
		return true
	default:
		return false
	}
}

func (s *SMTPSession) commandDeadline() time.Time {
	return s.deps.Clock.Now().Add(s.deps.Config.IdleTimeout)
}

func (s *SMTPSession) handleReadError(err error) {
	if se, ok := err.(*SessionError); ok {
		s.rw.SendError(se)
		return
	}
	// connection closed or a transport error: nothing to reply to.
}

// dispatch routes one parsed command through the FSM and returns true iff
// the session should terminate (QUIT or an unrecoverable error).
func (s *SMTPSession) dispatch(cmd Command) bool {
	s.sess.LastActivity = s.deps.Clock.Now()
	defer func() { metrics.SMTPCommandsTotal.WithLabelValues(cmd.Verb, s.sess.State.String()).Inc() }()

	if s.deps.Config.TLSMode == TLSStartTLSRequired && !s.sess.TLSActive && requiresTLS(cmd.Verb) {
		s.queueErr(NewSessionError(KindTLSRequired, ""))
		return s.closePending
	}

	switch cmd.Verb {
	case "HELO":
		s.handleHELO(cmd.Args)
	case "EHLO":
		s.handleEHLO(cmd.Args)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(cmd.Args)
	case "MAIL":
		s.handleMAIL(cmd.Args)
	case "RCPT":
		s.handleRCPT(cmd.Args)
	case "DATA":
		s.handleDATA()
	case "BDAT":
		s.handleBDAT(cmd.Args)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.rw.Line(250, "2.0.0", "OK")
	case "VRFY", "EXPN":
		s.rw.Line(252, "2.5.2", "Cannot VRFY user, but will accept message")
	case "QUIT":
		s.rw.SendLine(221, "2.0.0", "Bye")
		s.sess.State = StateQuit
		return true
	default:
		s.sendErr(NewSessionError(KindUnknownVerb, ""))
	}
	return s.closePending
}

func (s *SMTPSession) handleHELO(domain string) {
	if strings.TrimSpace(domain) == "" {
		s.queueErr(NewSessionError(KindMalformed, "HELO requires a domain"))
		return
	}
	s.sess.Extended = false
	s.sess.ResetTransaction()
	s.sess.State = StateHeloReceived
	s.rw.Line(250, "2.0.0", fmt.Sprintf("%s greets %s", s.deps.Config.Hostname, domain))
}

func (s *SMTPSession) handleEHLO(domain string) {
	if strings.TrimSpace(domain) == "" {
		s.queueErr(NewSessionError(KindMalformed, "EHLO requires a domain"))
		return
	}
	s.sess.Extended = true
	s.sess.ResetTransaction()
	s.sess.State = StateHeloReceived

	lines := JoinCapabilities(fmt.Sprintf("%s greets %s", s.deps.Config.Hostname, domain), s.capabilities())
	s.rw.MultiLine(250, "", lines)
}

func (s *SMTPSession) capabilities() []string {
	caps := []string{
		fmt.Sprintf("SIZE %d", s.deps.Config.MaxMessageSize),
		"8BITMIME",
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
		"SMTPUTF8",
		"CHUNKING",
		"DSN",
	}
	if s.deps.Config.TLSMode != TLSDisabled && !s.sess.TLSActive && s.deps.TLS != nil && s.deps.TLS.Available() {
		caps = append(caps, "STARTTLS")
	}
	if s.sess.TLSActive || s.deps.Config.AllowPlainWithoutTLS {
		caps = append(caps, "AUTH PLAIN LOGIN")
	}
	caps = append(caps, "HELP")
	return caps
}

func (s *SMTPSession) handleSTARTTLS() {
	if s.sess.TLSActive {
		s.sendErr(NewSessionError(KindTLSAlreadyActive, ""))
		return
	}
	if s.deps.TLS == nil || !s.deps.TLS.Available() {
		s.sendErr(NewSessionError(KindTLSUnavailable, ""))
		return
	}

	if err := s.rw.SendLine(220, "2.0.0", "Ready to start TLS"); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	upgraded, err := s.deps.TLS.Upgrade(ctx, s.conn)
	if err != nil {
		metrics.SMTPTLSUpgradesTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("starttls handshake failed", "error", err)
		return
	}
	metrics.SMTPTLSUpgradesTotal.WithLabelValues("ok").Inc()

	s.connMu.Lock()
	s.conn = upgraded
	s.connMu.Unlock()
	s.lr.Rebind(upgraded)
	s.rw.Rebind(upgraded)
	s.sess.ResetForSTARTTLS()
	s.sess.TLSActive = true
}

func (s *SMTPSession) handleAUTH(args string) {
	if s.sess.State == StateGreeted {
		s.sendErr(NewSessionError(KindBadSequence, ""))
		return
	}
	if s.sess.IsAuthenticated() {
		s.sendErr(NewSessionError(KindAuthAlreadyDone, ""))
		return
	}
	if !s.sess.TLSActive && !s.deps.Config.AllowPlainWithoutTLS {
		s.sendErr(NewSessionError(KindAuthCleartextDisallowed, ""))
		return
	}

	mech, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	mech = strings.ToUpper(mech)

	switch mech {
	case "PLAIN":
		s.authPlain(strings.TrimSpace(rest))
	case "LOGIN":
		s.authLoginStart(strings.TrimSpace(rest))
	default:
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(strings.ToLower(mech), "unsupported").Inc()
		s.sendErr(NewSessionError(KindAuthMechUnsupported, ""))
	}
}

func (s *SMTPSession) authPlain(initial string) {
	blob := initial
	if blob == "" {
		if err := s.rw.SendLine(334, "", ""); err != nil {
			return
		}
		line, err := s.lr.ReadCommandLine(s.commandDeadline())
		if err != nil {
			return
		}
		blob = line
	}

	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		s.sendErr(NewSessionError(KindMalformed, "invalid base64"))
		return
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		s.sendErr(NewSessionError(KindMalformed, "invalid PLAIN response"))
		return
	}
	s.completeAuth("plain", parts[1], parts[2])
}

func (s *SMTPSession) authLoginStart(initial string) {
	username := initial
	if username == "" {
		if err := s.rw.SendLine(334, "", base64.StdEncoding.EncodeToString([]byte("Username:"))); err != nil {
			return
		}
		line, err := s.lr.ReadCommandLine(s.commandDeadline())
		if err != nil {
			return
		}
		username = line
	}
	decodedUser, err := base64.StdEncoding.DecodeString(username)
	if err != nil {
		s.sendErr(NewSessionError(KindMalformed, "invalid base64"))
		return
	}

	if err := s.rw.SendLine(334, "", base64.StdEncoding.EncodeToString([]byte("Password:"))); err != nil {
		return
	}
	passLine, err := s.lr.ReadCommandLine(s.commandDeadline())
	if err != nil {
		return
	}
	decodedPass, err := base64.StdEncoding.DecodeString(passLine)
	if err != nil {
		s.sendErr(NewSessionError(KindMalformed, "invalid base64"))
		return
	}

	s.completeAuth("login", string(decodedUser), string(decodedPass))
}

func (s *SMTPSession) completeAuth(mechanism, username, password string) {
	if s.deps.Users == nil {
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(mechanism, "unavailable").Inc()
		s.sendErr(NewSessionError(KindAuthUnavailable, ""))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := s.deps.Users.Verify(ctx, username, password)
	if err != nil {
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(mechanism, "unavailable").Inc()
		s.logger.Error("user store verify failed", "error", err)
		s.sendErr(NewSessionError(KindAuthUnavailable, ""))
		return
	}

	switch outcome {
	case AuthVerified:
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(mechanism, "verified").Inc()
		s.sess.AuthUser = username
		s.rw.SendLine(235, "2.7.0", "Authentication successful")
	case AuthBadCredentials:
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(mechanism, "bad_credentials").Inc()
		s.sendErr(NewSessionError(KindAuthBadCredentials, ""))
	default:
		metrics.SMTPAuthAttemptsTotal.WithLabelValues(mechanism, "unavailable").Inc()
		s.sendErr(NewSessionError(KindAuthUnavailable, ""))
	}
}

func (s *SMTPSession) handleMAIL(args string) {
	if s.sess.State == StateGreeted {
		s.queueErr(NewSessionError(KindBadSequence, ""))
		return
	}
	if s.deps.Config.AuthRequired && !s.sess.IsAuthenticated() {
		s.queueErr(NewSessionError(KindAuthRequired, ""))
		return
	}

	params, err := ParseMailFrom(args)
	if err != nil {
		s.queueErr(err.(*SessionError))
		return
	}

	if params.HasSize && s.deps.Config.MaxMessageSize > 0 && params.Size > s.deps.Config.MaxMessageSize {
		s.queueErr(NewSessionError(KindSizeDeclaredOverLimit, ""))
		return
	}

	if params.ReversePath != "" && !ValidateMailbox(params.ReversePath, params.SMTPUTF8) {
		s.queueErr(NewSessionError(KindMalformed, "invalid sender address"))
		return
	}

	s.sess.Envelope.Reset()
	s.sess.Envelope.HasReversePath = true
	s.sess.Envelope.ReversePath = params.ReversePath
	s.sess.Envelope.HasSize = params.HasSize
	s.sess.Envelope.DeclaredSize = params.Size
	s.sess.Envelope.BodyType = params.BodyType
	s.sess.Envelope.SMTPUTF8 = params.SMTPUTF8
	s.sess.Envelope.DSNEnvID = params.EnvID
	s.sess.Envelope.DSNRet = params.Ret
	s.sess.Envelope.DeliverBy = params.DeliverBy
	s.sess.State = StateMailReceived

	s.rw.Line(250, "2.1.0", "OK")
}

func (s *SMTPSession) handleRCPT(args string) {
	if s.sess.State != StateMailReceived && s.sess.State != StateRcptReceived {
		s.queueErr(NewSessionError(KindBadSequence, ""))
		return
	}

	if len(s.sess.Envelope.ForwardPaths) >= s.deps.Config.MaxRecipients {
		s.queueErr(NewSessionError(KindTooManyRecipients, ""))
		return
	}

	params, err := ParseRcptTo(args)
	if err != nil {
		s.queueErr(err.(*SessionError))
		return
	}

	if !ValidateMailbox(params.ForwardPath, s.sess.Envelope.SMTPUTF8) {
		s.queueErr(NewSessionError(KindMalformed, "invalid recipient address"))
		return
	}

	s.sess.Envelope.ForwardPaths = append(s.sess.Envelope.ForwardPaths, params.ForwardPath)
	s.sess.State = StateRcptReceived
	s.rw.Line(250, "2.1.5", "OK")
}

func (s *SMTPSession) handleDATA() {
	if s.sess.State != StateRcptReceived {
		s.sendErr(NewSessionError(KindBadSequence, ""))
		return
	}
	if s.sess.Envelope.BodyType == BodyBinaryMIME {
		s.sendErr(NewSessionError(KindBadSequence, "BINARYMIME requires BDAT"))
		return
	}

	if err := s.rw.SendLine(354, "", "End data with <CR><LF>.<CR><LF>"); err != nil {
		return
	}

	s.sess.State = StateData
	deadline := s.deps.Clock.Now().Add(s.deps.Config.DataTimeout)
	body, err := s.lr.ReadBodyDot(deadline, s.deps.Config.MaxMessageSize)
	if err != nil {
		if se, ok := err.(*SessionError); ok {
			s.sendErr(se)
			s.sess.ResetTransaction()
		}
		return
	}

	s.completeDelivery(body)
}

func (s *SMTPSession) handleBDAT(args string) {
	if s.sess.State != StateMailReceived && s.sess.State != StateRcptReceived && s.sess.State != StateBdat {
		s.sendErr(NewSessionError(KindBadSequence, ""))
		return
	}
	if s.sess.State != StateBdat && len(s.sess.Envelope.ForwardPaths) == 0 {
		s.sendErr(NewSessionError(KindBadSequence, "RCPT TO required before BDAT"))
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		s.sendErr(NewSessionError(KindMalformed, "BDAT requires a chunk size"))
		return
	}
	n, perr := strconv.ParseInt(fields[0], 10, 64)
	if perr != nil || n < 0 {
		s.sendErr(NewSessionError(KindMalformed, "invalid BDAT chunk size"))
		return
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	s.sess.State = StateBdat
	s.sess.Bdat.SawFirst = true
	metrics.SMTPBDATChunksTotal.Inc()

	if n > 0 {
		deadline := s.deps.Clock.Now().Add(s.deps.Config.DataTimeout)
		chunk, err := s.lr.ReadOctets(deadline, n)
		if err != nil {
			if se, ok := err.(*SessionError); ok {
				s.sendErr(se)
			}
			return
		}
		s.sess.Bdat.Buf = append(s.sess.Bdat.Buf, chunk...)
	}

	if s.deps.Config.MaxMessageSize > 0 && int64(len(s.sess.Bdat.Buf)) > s.deps.Config.MaxMessageSize {
		s.sendErr(NewSessionError(KindMessageTooLarge, ""))
		s.sess.ResetTransaction()
		return
	}

	if !last {
		s.rw.SendLine(250, "2.0.0", fmt.Sprintf("%d octets received", n))
		return
	}

	s.sess.Bdat.SawLast = true
	body := s.sess.Bdat.Buf
	s.completeDelivery(body)
}

// completeDelivery applies the rate limit then calls the Sink, mapping its
// result to a reply, and returns the session to Greeted either way.
func (s *SMTPSession) completeDelivery(body []byte) {
	ip := hostIP(s.sess.ClientAddr)

	if s.deps.RateLimiter != nil && !s.deps.RateLimiter.Allow(ip) {
		metrics.SMTPRateLimitedTotal.Inc()
		s.sendErr(NewSessionError(KindRateLimited, ""))
		s.sess.ResetTransaction()
		s.sess.State = StateGreeted
		return
	}

	var result DeliverResult
	if s.deps.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		result = s.deps.Sink.Deliver(ctx, s.sess.Envelope, body)
		cancel()
	} else {
		result = Accepted(GenerateQueueID())
	}

	switch result.Kind {
	case DeliverAccepted:
		metrics.SMTPEmailsReceived.Inc()
		metrics.SMTPMessageBytesTotal.Add(float64(len(body)))
		s.rw.SendLine(250, "2.0.0", fmt.Sprintf("Message accepted: %s", result.ID))
	case DeliverRejected:
		metrics.SMTPEmailsRejected.WithLabelValues("rejected").Inc()
		s.rw.SendLine(result.Code, result.Enhanced, result.Text)
	case DeliverDeferred:
		metrics.SMTPEmailsRejected.WithLabelValues("deferred").Inc()
		s.rw.SendLine(result.Code, result.Enhanced, result.Text)
	}

	s.sess.ResetTransaction()
	s.sess.State = StateGreeted
}

func (s *SMTPSession) handleRSET() {
	s.sess.ResetTransaction()
	if s.sess.Extended || s.sess.State != StateGreeted {
		s.sess.State = StateHeloReceived
	}
	s.rw.Line(250, "2.0.0", "OK")
}

// hostIP extracts the bare IP from a net.Addr, falling back to the zero IP.
func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}

// GenerateQueueID produces an opaque per-connection/per-message identifier.
// Format: hex timestamp, unique enough for log correlation without being a
// real queue/database key (the Sink assigns its own durable id).
func GenerateQueueID() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
