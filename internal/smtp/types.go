package smtp

import (
	"net"
	"time"
)

// BodyType is the ESMTP BODY= parameter value negotiated for a transaction.
type BodyType int

const (
	Body7Bit BodyType = iota
	Body8BitMIME
	BodyBinaryMIME
)

func (b BodyType) String() string {
	switch b {
	case Body8BitMIME:
		return "8BITMIME"
	case BodyBinaryMIME:
		return "BINARYMIME"
	default:
		return "7BIT"
	}
}

// State is a position in the session FSM.
type State int

const (
	StateGreeted State = iota
	StateHeloReceived
	StateMailReceived
	StateRcptReceived
	StateData
	StateBdat
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateGreeted:
		return "Greeted"
	case StateHeloReceived:
		return "HeloReceived"
	case StateMailReceived:
		return "MailReceived"
	case StateRcptReceived:
		return "RcptReceived"
	case StateData:
		return "Data"
	case StateBdat:
		return "Bdat"
	case StateQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// Envelope is the mutable per-transaction sender/recipient/ESMTP-parameter
// set. It is created on MAIL FROM and erased by RSET, QUIT, or a completed
// DATA/BDAT LAST.
type Envelope struct {
	ReversePath    string
	HasReversePath bool // true once MAIL FROM has run, even for the null sender "<>"
	ForwardPaths   []string
	DeclaredSize   int64
	HasSize        bool
	BodyType       BodyType
	SMTPUTF8       bool
	DSNEnvID       string
	DSNRet         string
	DeliverBy      string
}

// Reset clears the envelope back to its zero transaction state.
func (e *Envelope) Reset() {
	*e = Envelope{}
}

// BdatAccumulator holds the in-progress body for a CHUNKING (BDAT) transfer.
type BdatAccumulator struct {
	Buf      []byte
	SawFirst bool
	SawLast  bool
}

func (b *BdatAccumulator) Reset() {
	b.Buf = nil
	b.SawFirst = false
	b.SawLast = false
}

// Session is the full mutable state of one SMTP conversation. It is owned
// exclusively by the goroutine driving that connection.
type Session struct {
	ConnID       string
	ClientAddr   net.Addr
	StartTime    time.Time
	LastActivity time.Time

	State State

	TLSActive bool
	AuthUser  string // empty means not authenticated
	Extended  bool   // true iff the client said EHLO (not HELO)

	Envelope Envelope
	Bdat     BdatAccumulator
}

// IsAuthenticated reports whether AUTH has succeeded for this session.
func (s *Session) IsAuthenticated() bool {
	return s.AuthUser != ""
}

// ResetTransaction clears the envelope and BDAT buffer (RSET / post-delivery),
// preserving HELO/EHLO, TLS and auth state.
func (s *Session) ResetTransaction() {
	s.Envelope.Reset()
	s.Bdat.Reset()
	if s.State != StateGreeted {
		s.State = StateHeloReceived
	}
}

// ResetForSTARTTLS implements the STARTTLS transition invariant: after a
// successful handshake the session returns to Greeted, drops its envelope,
// clears authentication, and forgets that EHLO was ever sent (the client
// MUST re-greet).
func (s *Session) ResetForSTARTTLS() {
	s.State = StateGreeted
	s.Envelope.Reset()
	s.Bdat.Reset()
	s.AuthUser = ""
	s.Extended = false
}

// TLSMode controls whether/how STARTTLS is offered.
type TLSMode int

const (
	TLSDisabled TLSMode = iota
	TLSStartTLSOffered
	TLSStartTLSRequired
)

// ServerConfig is the core's immutable, construction-time configuration.
type ServerConfig struct {
	Hostname             string
	ListenAddrs          []string
	MaxConns             int
	MaxRecipients        int
	MaxMessageSize       int64
	MaxLineLength        int
	IdleTimeout          time.Duration
	DataTimeout          time.Duration
	RateLimitWindow      time.Duration
	RateLimitCount       int
	TLSMode              TLSMode
	AuthRequired         bool
	AllowPlainWithoutTLS bool
	GracePeriod          time.Duration
}

// DefaultServerConfig returns sane production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Hostname:             "localhost",
		MaxConns:             1000,
		MaxRecipients:        100,
		MaxMessageSize:       25 * 1024 * 1024,
		MaxLineLength:        1000,
		IdleTimeout:          5 * time.Minute,
		DataTimeout:          10 * time.Minute,
		RateLimitWindow:      time.Minute,
		RateLimitCount:       60,
		TLSMode:              TLSStartTLSOffered,
		AuthRequired:         false,
		AllowPlainWithoutTLS: false,
		GracePeriod:          10 * time.Second,
	}
}

// DeliverResult is what a Sink returns for a completed transaction.
type DeliverResultKind int

const (
	DeliverAccepted DeliverResultKind = iota
	DeliverRejected
	DeliverDeferred
)

type DeliverResult struct {
	Kind     DeliverResultKind
	ID       string // opaque id, set when Kind == DeliverAccepted
	Code     int    // set when Kind != DeliverAccepted
	Enhanced string
	Text     string
}
