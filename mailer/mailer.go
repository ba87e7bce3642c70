// Package mailer sends the gateway's outbound email.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrRejected means the mail provider accepted the request but refused to
// deliver the message.
var ErrRejected = errors.New("message rejected by mail provider")

// Message is a single email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// VerificationCode builds the message carrying a one-time email code.
func VerificationCode(from, to, product, code string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: fmt.Sprintf("%s is your %s verification code", code, product),
		HTML:    fmt.Sprintf("<html><body>Your verification code for %s is: <b>%s</b>.</body></html>", product, code),
		Text:    fmt.Sprintf("Your verification code for %s is: %s", product, code),
	}
}

// LogSender writes messages to a logger instead of delivering them. It is
// meant for development.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not sent (log mailer)", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}
