package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/newsletter-api/internal/model"
)

type SMTPSender struct {
	from string
	send func(*gomail.Message) error
}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	dialer := gomail.NewDialer(host, port, username, password)
	return &SMTPSender{
		from: from,
		send: func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}
}

// Send gives up waiting when ctx ends; gomail itself cannot be interrupted so
// the dial may still finish in the background.
func (s *SMTPSender) Send(ctx context.Context, to model.SubscriberEmail, subject, htmlBody, textBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := s.message(to, subject, htmlBody, textBody)

	done := make(chan error, 1)
	go func() { done <- s.send(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email via smtp: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPSender) message(to model.SubscriberEmail, subject, htmlBody, textBody string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to.String())
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	m.AddAlternative("text/html", htmlBody)
	return m
}
