// Package mailer defines the outbound email contract. Delivery is
// best-effort from the engine's perspective: failures are logged by
// the caller and never fail the surrounding operation.
package mailer

import (
	"context"
	"log"

	"golang.org/x/time/rate"
)

// Sender delivers a single HTML email.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// LogSender writes a delivery line to the process log instead of
// sending. Intended for development and tests; never logs the body,
// which may carry one-time codes.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, to, subject, _ string) error {
	log.Printf("keygate: mail to=%s subject=%q", to, subject)
	return nil
}

// Throttled wraps a Sender with a token-bucket limiter so flows that
// trigger email (OTP, verification, reset) cannot be driven into an
// outbound flood. Send blocks until a slot is available or ctx ends.
type Throttled struct {
	inner   Sender
	limiter *rate.Limiter
}

// NewThrottled returns a Throttled sender allowing perSecond sends
// with the given burst.
func NewThrottled(inner Sender, perSecond float64, burst int) *Throttled {
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send implements Sender.
func (t *Throttled) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Send(ctx, to, subject, htmlBody)
}
