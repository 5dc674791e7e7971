package smtp

import "fmt"

// Kind identifies an internal error category and carries its own wire
// mapping, per the reply table the session dispatcher consults on every
// recoverable failure.
type Kind int

const (
	KindNone Kind = iota
	KindLineTooLong
	KindMalformed
	KindBadSequence
	KindUnknownVerb
	KindUnknownParam
	KindSizeDeclaredOverLimit
	KindMessageTooLarge
	KindTooManyRecipients
	KindRateLimited
	KindAuthCleartextDisallowed
	KindAuthBadCredentials
	KindAuthUnavailable
	KindAuthAlreadyDone
	KindAuthMechUnsupported
	KindTLSUnavailable
	KindTLSAlreadyActive
	KindTLSRequired
	KindAuthRequired
	KindTimeout
	KindShutdown
	KindAdmissionFull
	KindSinkDeferred
	KindSinkRejected
	KindInternal
)

// wireReply is the fixed (code, enhanced status, text) triple for a Kind
// that doesn't need per-call detail. Sink results carry their own text and
// bypass this table.
type wireReply struct {
	code      int
	enhanced  string
	text      string
	closeConn bool
}

var kindReplies = map[Kind]wireReply{
	KindLineTooLong:             {500, "5.5.2", "Line too long", true},
	KindMalformed:               {500, "5.5.2", "Syntax error", false},
	KindBadSequence:             {503, "5.5.1", "Bad sequence of commands", false},
	KindUnknownVerb:             {500, "5.5.2", "Command unrecognized", false},
	KindUnknownParam:            {555, "5.5.4", "Unsupported parameter", false},
	KindSizeDeclaredOverLimit:   {552, "5.3.4", "Message size exceeds fixed limit", false},
	KindMessageTooLarge:         {552, "5.3.4", "Message size exceeds fixed limit", false},
	KindTooManyRecipients:       {452, "4.5.3", "Too many recipients", false},
	KindRateLimited:             {450, "4.7.0", "Rate limit exceeded", false},
	KindAuthCleartextDisallowed: {538, "5.7.11", "Encryption required", false},
	KindAuthBadCredentials:      {535, "5.7.8", "Authentication credentials invalid", false},
	KindAuthUnavailable:         {454, "4.7.0", "Temporary authentication failure", false},
	KindAuthAlreadyDone:         {503, "5.5.1", "Already authenticated", false},
	KindAuthMechUnsupported:     {504, "5.5.4", "Unrecognized authentication mechanism", false},
	KindTLSUnavailable:          {454, "5.7.0", "TLS not available", false},
	KindTLSAlreadyActive:        {503, "5.5.1", "Already in TLS mode", false},
	KindTLSRequired:             {530, "5.7.0", "Must issue a STARTTLS command first", false},
	KindAuthRequired:            {530, "5.7.0", "Authentication required", false},
	KindTimeout:                 {421, "4.4.2", "Timeout", true},
	KindShutdown:                {421, "4.3.0", "Server shutting down", true},
	KindAdmissionFull:           {421, "4.3.2", "Too many connections", true},
	KindInternal:                {451, "4.3.0", "Internal error", false},
}

// SessionError wraps a Kind with optional contextual detail; it implements
// error so it can flow through normal Go error handling while still
// carrying enough information to produce the correct wire reply.
type SessionError struct {
	Kind   Kind
	Detail string
}

func (e *SessionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("smtp: %v", e.Kind)
	}
	return fmt.Sprintf("smtp: %v: %s", e.Kind, e.Detail)
}

func NewSessionError(k Kind, detail string) *SessionError {
	return &SessionError{Kind: k, Detail: detail}
}

// Reply renders the Kind's wire mapping, substituting Detail for the
// table's default text when present.
func (e *SessionError) Reply() (code int, enhanced, text string, closeConn bool) {
	r, ok := kindReplies[e.Kind]
	if !ok {
		r = kindReplies[KindInternal]
	}
	text = r.text
	if e.Detail != "" {
		text = e.Detail
	}
	return r.code, r.enhanced, text, r.closeConn
}
