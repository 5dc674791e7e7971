package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

func TestMemorySinkDeliverAccepted(t *testing.T) {
	m := NewMemorySink()
	env := smtp.Envelope{ReversePath: "alice@example.com", ForwardPaths: []string{"bob@example.com"}}

	result := m.Deliver(context.Background(), env, []byte("hello"))
	if result.Kind != smtp.DeliverAccepted {
		t.Fatalf("expected DeliverAccepted, got %v", result.Kind)
	}
	if result.ID == "" {
		t.Fatal("expected a non-empty message id")
	}

	stored := m.Messages()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
	if stored[0].ID != result.ID {
		t.Fatalf("stored id %q does not match returned id %q", stored[0].ID, result.ID)
	}
	if string(stored[0].Body) != "hello" {
		t.Fatalf("unexpected stored body: %q", stored[0].Body)
	}
}

func TestMemorySinkBodyIsCopied(t *testing.T) {
	m := NewMemorySink()
	body := []byte("original")
	m.Deliver(context.Background(), smtp.Envelope{}, body)

	body[0] = 'X'

	stored := m.Messages()
	if string(stored[0].Body) != "original" {
		t.Fatalf("MemorySink must defensively copy the body, got %q", stored[0].Body)
	}
}

func TestMemorySinkMessagesIsASnapshot(t *testing.T) {
	m := NewMemorySink()
	m.Deliver(context.Background(), smtp.Envelope{}, []byte("one"))

	snapshot := m.Messages()
	m.Deliver(context.Background(), smtp.Envelope{}, []byte("two"))

	if len(snapshot) != 1 {
		t.Fatalf("snapshot should not observe deliveries made after it was taken, got %d entries", len(snapshot))
	}
	if len(m.Messages()) != 2 {
		t.Fatalf("expected 2 messages after second delivery, got %d", len(m.Messages()))
	}
}

type stubHookSink struct {
	delivered smtp.Envelope
	body      []byte
}

func (s *stubHookSink) Deliver(_ context.Context, env smtp.Envelope, body []byte) smtp.DeliverResult {
	s.delivered = env
	s.body = body
	return smtp.Accepted("stub-id")
}

func TestComposeSinkRunsHooksBeforeBase(t *testing.T) {
	base := &stubHookSink{}
	var ranOrder []string
	hookA := func(_ context.Context, _ smtp.Envelope, _ []byte) error {
		ranOrder = append(ranOrder, "a")
		return nil
	}
	hookB := func(_ context.Context, _ smtp.Envelope, _ []byte) error {
		ranOrder = append(ranOrder, "b")
		return nil
	}

	c := NewComposeSink(base, hookA, hookB)
	result := c.Deliver(context.Background(), smtp.Envelope{ReversePath: "a@b.com"}, []byte("body"))

	if result.Kind != smtp.DeliverAccepted {
		t.Fatalf("expected DeliverAccepted, got %v", result.Kind)
	}
	if len(ranOrder) != 2 || ranOrder[0] != "a" || ranOrder[1] != "b" {
		t.Fatalf("expected hooks to run in order [a b], got %v", ranOrder)
	}
	if base.delivered.ReversePath != "a@b.com" {
		t.Fatal("expected base sink to receive the envelope after hooks passed")
	}
}

func TestComposeSinkDefersOnHookFailure(t *testing.T) {
	base := &stubHookSink{}
	failingHook := func(_ context.Context, _ smtp.Envelope, _ []byte) error {
		return errors.New("policy check failed")
	}

	c := NewComposeSink(base, failingHook)
	result := c.Deliver(context.Background(), smtp.Envelope{}, []byte("body"))

	if result.Kind != smtp.DeliverDeferred {
		t.Fatalf("expected DeliverDeferred when a hook errors, got %v", result.Kind)
	}
	if base.delivered.ReversePath != "" || base.body != nil {
		t.Fatal("base sink must not be called once a hook rejects the message")
	}
}
