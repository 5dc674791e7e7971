package smtp_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webrana/inbound-smtpd/internal/sink"
	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// countingConn wraps a net.Conn and counts Write calls, used to observe how
// many times the session actually flushed to the wire.
type countingConn struct {
	net.Conn
	writes *int32
}

func (c *countingConn) Write(p []byte) (int, error) {
	atomic.AddInt32(c.writes, 1)
	return c.Conn.Write(p)
}

func newTestDeps(messageSink smtp.Sink) smtp.SessionDeps {
	return smtp.SessionDeps{
		Config: smtp.ServerConfig{
			Hostname:        "mail.test",
			MaxRecipients:   10,
			MaxMessageSize:  1024 * 1024,
			MaxLineLength:   1000,
			IdleTimeout:     5 * time.Second,
			DataTimeout:     5 * time.Second,
			RateLimitWindow: time.Minute,
			RateLimitCount:  60,
			TLSMode:         smtp.TLSDisabled,
		},
		RateLimiter: smtp.NewInMemoryRateLimiter(time.Minute, 60, nil),
		Sink:        messageSink,
	}
}

// readReply reads until it sees a line whose 4th byte is a space
// rather than a dash, i.e. the final line of a (possibly multiline) reply.
func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read reply: %v", err)
		}
		lines = append(lines, line)
		if len(line) > 3 && line[3] == ' ' {
			break
		}
	}
	return strings.Join(lines, "")
}

func TestSMTPSessionHappyPathDelivers(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := smtp.NewSMTPSession(serverConn, newTestDeps(messageSink))
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)

	if reply := readReply(t, client); !strings.HasPrefix(reply, "220 ") {
		t.Fatalf("expected 220 greeting, got %q", reply)
	}

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}
	if reply := send("MAIL FROM:<alice@example.com>"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for MAIL FROM, got %q", reply)
	}
	if reply := send("RCPT TO:<bob@example.com>"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for RCPT TO, got %q", reply)
	}
	if reply := send("DATA"); !strings.HasPrefix(reply, "354") {
		t.Fatalf("expected 354 for DATA, got %q", reply)
	}
	if reply := send("Subject: hi\r\n\r\nhello world\r\n."); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 after message body, got %q", reply)
	}
	if reply := send("QUIT"); !strings.HasPrefix(reply, "221") {
		t.Fatalf("expected 221 for QUIT, got %q", reply)
	}

	<-done

	stored := messageSink.Messages()
	if len(stored) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(stored))
	}
	if stored[0].Envelope.ReversePath != "alice@example.com" {
		t.Fatalf("unexpected reverse path: %q", stored[0].Envelope.ReversePath)
	}
	if len(stored[0].Envelope.ForwardPaths) != 1 || stored[0].Envelope.ForwardPaths[0] != "bob@example.com" {
		t.Fatalf("unexpected forward paths: %v", stored[0].Envelope.ForwardPaths)
	}
	if !strings.Contains(string(stored[0].Body), "hello world") {
		t.Fatalf("unexpected stored body: %q", stored[0].Body)
	}
}

func TestSMTPSessionRejectsOutOfOrderRcpt(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := smtp.NewSMTPSession(serverConn, newTestDeps(messageSink))
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)
	readReply(t, client) // greeting

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}
	if reply := send("RCPT TO:<bob@example.com>"); !strings.HasPrefix(reply, "503") {
		t.Fatalf("expected 503 bad sequence for RCPT before MAIL, got %q", reply)
	}
	send("QUIT")
	<-done

	if len(messageSink.Messages()) != 0 {
		t.Fatal("no message should have been delivered")
	}
}

// TestSMTPSessionPipelinedCommandsBatchReplies verifies that when a client
// sends MAIL FROM and RCPT TO back-to-back in a single write (without
// waiting for MAIL's reply), the session batches both replies into a
// single flush rather than writing to the wire once per command.
func TestSMTPSessionPipelinedCommandsBatchReplies(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	var writes int32
	wrapped := &countingConn{Conn: serverConn, writes: &writes}

	sess := smtp.NewSMTPSession(wrapped, newTestDeps(messageSink))
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)
	readReply(t, client) // greeting

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}

	before := atomic.LoadInt32(&writes)

	batch := "MAIL FROM:<alice@example.com>\r\nRCPT TO:<bob@example.com>\r\n"
	if _, err := clientConn.Write([]byte(batch)); err != nil {
		t.Fatalf("pipelined write failed: %v", err)
	}

	if reply := readReply(t, client); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for MAIL FROM, got %q", reply)
	}
	if reply := readReply(t, client); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for RCPT TO, got %q", reply)
	}

	if got := atomic.LoadInt32(&writes) - before; got != 1 {
		t.Fatalf("expected the pipelined MAIL+RCPT batch to flush in exactly 1 write, got %d", got)
	}

	send("QUIT")
	<-done
}

// TestSMTPSessionBDATChunkedDelivery drives a CHUNKING (BDAT) transaction
// across two chunks and checks the reassembled body is delivered.
func TestSMTPSessionBDATChunkedDelivery(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := smtp.NewSMTPSession(serverConn, newTestDeps(messageSink))
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)
	readReply(t, client) // greeting

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}
	sendRaw := func(raw string) string {
		if _, err := clientConn.Write([]byte(raw)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}
	if reply := send("MAIL FROM:<alice@example.com>"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for MAIL FROM, got %q", reply)
	}
	if reply := send("RCPT TO:<bob@example.com>"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for RCPT TO, got %q", reply)
	}

	chunk1 := "Subject: hi\r\n\r\nhello "
	if reply := sendRaw(fmt.Sprintf("BDAT %d\r\n%s\r\n", len(chunk1), chunk1)); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for first BDAT chunk, got %q", reply)
	}

	chunk2 := "world"
	if reply := sendRaw(fmt.Sprintf("BDAT %d LAST\r\n%s\r\n", len(chunk2), chunk2)); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for final BDAT chunk, got %q", reply)
	}

	send("QUIT")
	<-done

	stored := messageSink.Messages()
	if len(stored) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(stored))
	}
	if !strings.Contains(string(stored[0].Body), "hello world") {
		t.Fatalf("unexpected stored body: %q", stored[0].Body)
	}
}

// TestSMTPSessionRejectsMailBeforeAuthWhenRequired checks the AuthRequired
// server mode: MAIL FROM must be rejected until AUTH has succeeded.
func TestSMTPSessionRejectsMailBeforeAuthWhenRequired(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	deps := newTestDeps(messageSink)
	deps.Config.AuthRequired = true
	deps.Config.AllowPlainWithoutTLS = true

	sess := smtp.NewSMTPSession(serverConn, deps)
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)
	readReply(t, client) // greeting

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}
	if reply := send("MAIL FROM:<alice@example.com>"); !strings.HasPrefix(reply, "530") {
		t.Fatalf("expected 530 auth required before MAIL, got %q", reply)
	}

	send("QUIT")
	<-done

	if len(messageSink.Messages()) != 0 {
		t.Fatal("no message should have been delivered")
	}
}

// TestSMTPSessionRejectsPlaintextMailWhenTLSRequired checks that a server
// configured with TLSStartTLSRequired refuses MAIL before STARTTLS.
func TestSMTPSessionRejectsPlaintextMailWhenTLSRequired(t *testing.T) {
	messageSink := sink.NewMemorySink()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	deps := newTestDeps(messageSink)
	deps.Config.TLSMode = smtp.TLSStartTLSRequired

	sess := smtp.NewSMTPSession(serverConn, deps)
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	client := bufio.NewReader(clientConn)
	readReply(t, client) // greeting

	send := func(line string) string {
		if _, err := clientConn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		return readReply(t, client)
	}

	if reply := send("EHLO client.test"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected 250 for EHLO, got %q", reply)
	}
	if reply := send("MAIL FROM:<alice@example.com>"); !strings.HasPrefix(reply, "530") {
		t.Fatalf("expected 530 TLS required before MAIL, got %q", reply)
	}

	send("QUIT")
	<-done

	if len(messageSink.Messages()) != 0 {
		t.Fatal("no message should have been delivered")
	}
}
