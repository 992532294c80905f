package email

import (
	"context"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/pkg/circuitbreaker"
)

// Sender hands one email to a provider. Every error is treated as transient
// by callers; permanent problems with the address are caught before sending.
type Sender interface {
	Send(ctx context.Context, to model.SubscriberEmail, subject, htmlBody, textBody string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to model.SubscriberEmail, subject, htmlBody, textBody string) error

func (f SenderFunc) Send(ctx context.Context, to model.SubscriberEmail, subject, htmlBody, textBody string) error {
	return f(ctx, to, subject, htmlBody, textBody)
}

type breakerSender struct {
	next Sender
	cb   *circuitbreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling next while the provider keeps failing.
// Rejected sends surface as ordinary errors and get rescheduled like any
// other failed send.
func WithCircuitBreaker(next Sender, cb *circuitbreaker.CircuitBreaker) Sender {
	return &breakerSender{next: next, cb: cb}
}

func (s *breakerSender) Send(ctx context.Context, to model.SubscriberEmail, subject, htmlBody, textBody string) error {
	return s.cb.Execute(func() error {
		return s.next.Send(ctx, to, subject, htmlBody, textBody)
	})
}
