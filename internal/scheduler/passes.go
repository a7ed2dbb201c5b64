package scheduler

import (
	"context"
	"time"

	"github.com/ignatij/autoflow/pkg/lock"
	"github.com/ignatij/autoflow/pkg/service"
	"github.com/pkg/errors"
)

type Advancer interface {
	Advance(ctx context.Context) (service.AdvanceReport, error)
}

type EmailRunner interface {
	RunDue(ctx context.Context) (service.ScheduledRunReport, error)
}

type InvoiceScanner interface {
	Scan(ctx context.Context, now time.Time) (service.ScanReport, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrPassRunning is returned when another process or goroutine holds the pass lock.
var ErrPassRunning = errors.New("pass already running")

const (
	AdvancePass        = "advance"
	ScheduledEmailPass = "scheduled-emails"
	InvoiceScanPass    = "invoice-scan"

	// Locks outlive a crashed holder by at most this long.
	lockTTL = 10 * time.Minute
)

// Passes runs each engine pass under a named lock so that the cron loop, the HTTP cron
// endpoints and the CLI never run the same pass concurrently.
type Passes struct {
	advancer Advancer
	emails   EmailRunner
	scanner  InvoiceScanner
	locker   lock.Locker
	logger   Logger
	now      func() time.Time
}

func NewPasses(advancer Advancer, emails EmailRunner, scanner InvoiceScanner, locker lock.Locker, logger Logger) *Passes {
	return &Passes{
		advancer: advancer,
		emails:   emails,
		scanner:  scanner,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Passes) Advance(ctx context.Context) (report service.AdvanceReport, err error) {
	err = p.guard(ctx, AdvancePass, func(ctx context.Context) error {
		report, err = p.advancer.Advance(ctx)
		return err
	})
	return report, err
}

func (p *Passes) SendScheduled(ctx context.Context) (report service.ScheduledRunReport, err error) {
	err = p.guard(ctx, ScheduledEmailPass, func(ctx context.Context) error {
		report, err = p.emails.RunDue(ctx)
		return err
	})
	return report, err
}

func (p *Passes) ScanInvoices(ctx context.Context) (report service.ScanReport, err error) {
	err = p.guard(ctx, InvoiceScanPass, func(ctx context.Context) error {
		report, err = p.scanner.Scan(ctx, p.now())
		return err
	})
	return report, err
}

func (p *Passes) guard(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, ok, err := p.locker.TryLock(ctx, name, lockTTL)
	if err != nil {
		return errors.Wrapf(err, "lock %s pass", name)
	}
	if !ok {
		p.logger.Warnf("Skipping %s pass: another run holds the lock", name)
		return ErrPassRunning
	}
	defer release()
	return fn(ctx)
}
