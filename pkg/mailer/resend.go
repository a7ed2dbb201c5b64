package mailer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/resend/resend-go/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// emailAPI is the part of the Resend client used for delivery.
type emailAPI interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendSender delivers through Resend, rate limited and behind a circuit breaker
// so a provider outage fails fast instead of stalling every pass.
type ResendSender struct {
	emails  emailAPI
	from    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  Logger
}

// NewResendSender builds a sender for apiKey. ratePerSecond <= 0 disables limiting.
func NewResendSender(apiKey, from string, ratePerSecond float64, logger Logger) *ResendSender {
	return newResendSender(resend.NewClient(apiKey).Emails, from, ratePerSecond, logger)
}

func newResendSender(emails emailAPI, from string, ratePerSecond float64, logger Logger) *ResendSender {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	settings := gobreaker.Settings{
		Name:        "resend",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}
	return &ResendSender{
		emails:  emails,
		from:    from,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrEmptyRecipient
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for send slot")
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.emails.Send(&resend.SendEmailRequest{
			From:    s.from,
			To:      []string{msg.To},
			Subject: msg.Subject,
			Html:    msg.HTML,
		})
	})
	if err != nil {
		return errors.Wrapf(err, "sending email to %s", msg.To)
	}
	s.logger.Infof("Sent email to %s: %q", msg.To, msg.Subject)
	return nil
}
