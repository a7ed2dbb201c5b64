package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Config controls how often each pass runs.
type Config struct {
	Tick            time.Duration
	InvoiceScanSpec string // standard 5-field cron expression; empty disables the scan
	PassTimeout     time.Duration
}

// Scheduler replaces an external poller: it runs the advancer and the scheduled email
// runner every Tick and the invoice scan on its cron spec.
type Scheduler struct {
	cron    *cron.Cron
	passes  *Passes
	logger  Logger
	timeout time.Duration
}

type printfLogger interface {
	Printf(format string, args ...interface{})
}

// New registers the jobs. cronLogger receives the cron library's own messages.
func New(cfg Config, passes *Passes, logger Logger, cronLogger printfLogger) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		return nil, errors.New("scheduler tick must be positive")
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 5 * time.Minute
	}
	cl := cron.PrintfLogger(cronLogger)
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
		passes:  passes,
		logger:  logger,
		timeout: cfg.PassTimeout,
	}

	every := fmt.Sprintf("@every %s", cfg.Tick)
	if _, err := s.cron.AddFunc(every, s.job(AdvancePass, func(ctx context.Context) error {
		report, err := passes.Advance(ctx)
		if err == nil {
			logger.Infof("Advance pass: %s", report)
		}
		return err
	})); err != nil {
		return nil, errors.Wrap(err, "add advance job")
	}
	if _, err := s.cron.AddFunc(every, s.job(ScheduledEmailPass, func(ctx context.Context) error {
		_, err := passes.SendScheduled(ctx)
		return err
	})); err != nil {
		return nil, errors.Wrap(err, "add scheduled email job")
	}
	if cfg.InvoiceScanSpec != "" {
		if _, err := cron.ParseStandard(cfg.InvoiceScanSpec); err != nil {
			return nil, errors.Wrapf(err, "invalid invoice scan spec %q", cfg.InvoiceScanSpec)
		}
		if _, err := s.cron.AddFunc(cfg.InvoiceScanSpec, s.job(InvoiceScanPass, func(ctx context.Context) error {
			_, err := passes.ScanInvoices(ctx)
			return err
		})); err != nil {
			return nil, errors.Wrap(err, "add invoice scan job")
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := run(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
			s.logger.Errorf("%s pass failed: %v", name, err)
		}
	}
}

// Run starts the jobs and blocks until ctx is done, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.logger.Infof("Scheduler started with %d job(s)", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Infof("Scheduler stopped")
}
