// Package transport declares the outbound delivery collaborator. The engine
// only decides when and whether to send; actual delivery (SMTP, an HTTP
// relay, a stub in tests) is plugged in behind Mailer.
package transport

import "context"

// Mailer delivers one rendered message to a set of recipients. Implementations
// must respect ctx cancellation; the engine wraps every call in a timeout.
type Mailer interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, recipients []string, subject, body string) error

func (f MailerFunc) Send(ctx context.Context, recipients []string, subject, body string) error {
	return f(ctx, recipients, subject, body)
}
