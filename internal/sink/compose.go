package sink

import (
	"context"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// PolicyHook inspects an accepted envelope and body before it reaches the
// base Sink. Returning an error defers the message rather than rejecting
// it outright, since policy failures (a DKIM lookup timeout, an antivirus
// scanner being unreachable) are usually transient.
type PolicyHook func(ctx context.Context, env smtp.Envelope, body []byte) error

// ComposeSink runs every hook in order, then delegates to Base. A failing
// hook short-circuits the remaining hooks and Base.Deliver is not called.
type ComposeSink struct {
	Base  smtp.Sink
	Hooks []PolicyHook
}

func NewComposeSink(base smtp.Sink, hooks ...PolicyHook) *ComposeSink {
	return &ComposeSink{Base: base, Hooks: hooks}
}

// Deliver implements smtp.Sink.
func (c *ComposeSink) Deliver(ctx context.Context, env smtp.Envelope, body []byte) smtp.DeliverResult {
	for _, hook := range c.Hooks {
		if err := hook(ctx, env, body); err != nil {
			return smtp.Deferred(451, "4.7.1", "policy check failed, try again later")
		}
	}
	return c.Base.Deliver(ctx, env, body)
}

var _ smtp.Sink = (*ComposeSink)(nil)
