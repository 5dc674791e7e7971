package smtp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// ReplyWriter formats and batches SMTP replies. It buffers lines for a
// pipelined group of commands and flushes them in one Write call so the
// client sees them back-to-back, the way RFC 2920 pipelining expects.
type ReplyWriter struct {
	conn            net.Conn
	bw              *bufio.Writer
	enhancedEnabled bool
}

func NewReplyWriter(conn net.Conn) *ReplyWriter {
	return &ReplyWriter{conn: conn, bw: bufio.NewWriterSize(conn, 4096), enhancedEnabled: true}
}

func (w *ReplyWriter) Rebind(conn net.Conn) {
	w.conn = conn
	w.bw = bufio.NewWriterSize(conn, 4096)
}

// Line queues a single-line reply without flushing.
func (w *ReplyWriter) Line(code int, enhanced, text string) {
	w.bw.WriteString(w.format(code, enhanced, text, false))
}

// MultiLine queues a full multi-line reply (all lines but the last use
// "code-", the last uses "code ") without flushing.
func (w *ReplyWriter) MultiLine(code int, enhanced string, lines []string) {
	for i, l := range lines {
		last := i == len(lines)-1
		w.bw.WriteString(w.format(code, enhanced, l, !last))
	}
}

// Flush sends everything queued so far in as few writes as bufio permits.
func (w *ReplyWriter) Flush() error {
	return w.bw.Flush()
}

// SendLine queues then immediately flushes a single-line reply — used for
// non-pipelinable commands, which must see their reply before any further
// buffered input is processed.
func (w *ReplyWriter) SendLine(code int, enhanced, text string) error {
	w.Line(code, enhanced, text)
	return w.Flush()
}

// SendMultiLine queues then immediately flushes a multi-line reply.
func (w *ReplyWriter) SendMultiLine(code int, enhanced string, lines []string) error {
	w.MultiLine(code, enhanced, lines)
	return w.Flush()
}

// SendError renders a SessionError's wire mapping and flushes it
// immediately, reporting whether the Kind mandates closing the connection.
func (w *ReplyWriter) SendError(err *SessionError) bool {
	code, enhanced, text, closeConn := err.Reply()
	w.SendLine(code, enhanced, text)
	return closeConn
}

// QueueError queues a SessionError's wire mapping without flushing, for use
// inside a pipelined command group where the dispatch loop decides when to
// flush. It reports whether the Kind mandates closing the connection.
func (w *ReplyWriter) QueueError(err *SessionError) bool {
	code, enhanced, text, closeConn := err.Reply()
	w.Line(code, enhanced, text)
	return closeConn
}

func (w *ReplyWriter) format(code int, enhanced, text string, continued bool) string {
	sep := " "
	if continued {
		sep = "-"
	}
	if w.enhancedEnabled && enhanced != "" {
		return fmt.Sprintf("%d%s%s %s\r\n", code, sep, enhanced, text)
	}
	return fmt.Sprintf("%d%s%s\r\n", code, sep, text)
}

// SetEnhancedEnabled toggles RFC 3463 enhanced-status-code rendering; the
// core always advertises ENHANCEDSTATUSCODES so this defaults to true, but
// the switch exists for parity with the error table's optional field.
func (w *ReplyWriter) SetEnhancedEnabled(v bool) {
	w.enhancedEnabled = v
}

// JoinCapabilities renders the EHLO multi-line capability list body (the
// text after the code on each line), hostname first.
func JoinCapabilities(hostname string, caps []string) []string {
	lines := make([]string, 0, len(caps)+1)
	lines = append(lines, hostname)
	lines = append(lines, caps...)
	return lines
}

// capsString is a small helper for tests that want a flattened view of an
// EHLO response.
func capsString(lines []string) string {
	return strings.Join(lines, "|")
}
