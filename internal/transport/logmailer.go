package transport

import (
	"context"

	logx "digestd/pkg/logx"
)

// LogMailer writes deliveries to the log instead of a real transport.
// Useful as the default wiring until an SMTP or relay implementation is
// plugged in, and for dry runs.
func LogMailer(log logx.Logger) Mailer {
	return MailerFunc(func(ctx context.Context, recipients []string, subject, body string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("message delivered (log transport)",
			logx.Int("recipients", len(recipients)),
			logx.String("subject", subject),
			logx.Int("body_bytes", len(body)))
		return nil
	})
}
