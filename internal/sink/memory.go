// Package sink provides smtp.Sink implementations: an in-memory sink for
// development and tests, a Postgres+blob-store sink for production, and a
// ComposeSink that layers policy hooks (DKIM/SPF/antivirus placeholders)
// in front of either.
package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// StoredMessage is one accepted message as MemorySink retains it.
type StoredMessage struct {
	ID       string
	Envelope smtp.Envelope
	Body     []byte
}

// MemorySink accepts every delivery and keeps it in a slice, guarded by a
// mutex. It never rejects or defers, so it is only suitable for local
// development and the package's own tests.
type MemorySink struct {
	mu       sync.Mutex
	messages []StoredMessage
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Deliver implements smtp.Sink.
func (m *MemorySink) Deliver(_ context.Context, env smtp.Envelope, body []byte) smtp.DeliverResult {
	id := uuid.New().String()

	stored := make([]byte, len(body))
	copy(stored, body)

	m.mu.Lock()
	m.messages = append(m.messages, StoredMessage{ID: id, Envelope: env, Body: stored})
	m.mu.Unlock()

	return smtp.Accepted(id)
}

// Messages returns a snapshot of everything accepted so far.
func (m *MemorySink) Messages() []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

var _ smtp.Sink = (*MemorySink)(nil)
