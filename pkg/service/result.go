package service

import (
	"context"
	"time"

	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the engine services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Result is what the public entry points report to their callers. They never return a raw error.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Triggered int    `json:"triggered,omitempty"`
}

var (
	ErrInvalidTrigger           = errors.New("invalid trigger type")
	ErrInvalidOwner             = errors.New("owner id must be positive")
	ErrWorkflowNotFound         = errors.New("workflow not found")
	ErrWorkflowRunning          = errors.New("workflow is still running")
	ErrScheduledEmailNotFound   = errors.New("scheduled email not found")
	ErrScheduledEmailNotPending = errors.New("scheduled email is no longer pending")
	ErrTemplateNotFound         = errors.New("email template not found")
	ErrNoRecipients             = errors.New("no recipients resolved")
	ErrInvalidWorkflow          = errors.New("invalid workflow")
	ErrInvalidSchedule          = errors.New("invalid scheduled email")
)

type options struct {
	now func() time.Time
}

// Option customizes a service.
type Option func(*options)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// inTx runs fn against a transaction-bound store, committing on success and rolling back on error.
func inTx(ctx context.Context, store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

func int64Ptr(v int64) *int64 {
	return &v
}
