package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/metrics"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// AdvanceReport summarizes one advancer pass.
type AdvanceReport struct {
	PassID    string `json:"pass_id"`
	Resumed   int    `json:"resumed"`   // wait steps whose time came
	Processed int    `json:"processed"` // pending steps claimed and executed
	Completed int    `json:"completed"`
	Waiting   int    `json:"waiting"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"` // claimed by a concurrent pass
}

func (r AdvanceReport) String() string {
	return fmt.Sprintf("resumed=%d processed=%d completed=%d waiting=%d failed=%d skipped=%d",
		r.Resumed, r.Processed, r.Completed, r.Waiting, r.Failed, r.Skipped)
}

// Advancer moves activated workflows forward one step at a time.
type Advancer struct {
	store  storage.Store
	sender mailer.Sender
	logger Logger
	opts   options
}

func NewAdvancer(store storage.Store, sender mailer.Sender, logger Logger, opts ...Option) *Advancer {
	return &Advancer{store: store, sender: sender, logger: logger, opts: buildOptions(opts)}
}

type outcome int

const (
	stepDone outcome = iota
	stepWaiting
)

// Advance runs one pass: finished waits are completed first, then every pending step is executed
// in workflow and step order. A failing step is marked failed and the pass moves on; only errors
// that prevent the pass from reading its work are returned.
func (a *Advancer) Advance(ctx context.Context) (AdvanceReport, error) {
	report := AdvanceReport{PassID: uuid.NewString()}
	began := time.Now()
	defer func() {
		metrics.PassDuration.WithLabelValues("advance").Observe(time.Since(began).Seconds())
	}()

	waits, err := a.store.ExpiredWaits(ctx, a.opts.now())
	if err != nil {
		return report, errors.Wrap(err, "load expired waits")
	}
	for _, step := range waits {
		if err := a.resume(ctx, step); err != nil {
			a.logger.Errorf("[pass %s] Failed to resume wait step %d: %v", report.PassID, step.ID, err)
			continue
		}
		report.Resumed++
	}

	steps, err := a.store.PendingSteps(ctx)
	if err != nil {
		return report, errors.Wrap(err, "load pending steps")
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := a.opts.now()
		claimed, err := a.store.ClaimStep(ctx, step.ID, now)
		if err != nil {
			a.logger.Errorf("[pass %s] Failed to claim step %d: %v", report.PassID, step.ID, err)
			report.Skipped++
			continue
		}
		if !claimed {
			report.Skipped++
			continue
		}
		report.Processed++

		result, err := a.execute(ctx, step, now)
		if err != nil {
			report.Failed++
			metrics.StepsProcessed.WithLabelValues(string(step.ActionType), metrics.ResultFailure).Inc()
			a.logger.Errorf("[pass %s] Step %d (%s) of workflow %d failed: %v",
				report.PassID, step.ID, step.ActionType, step.WorkflowID, err)
			a.fail(ctx, step, err)
			continue
		}
		metrics.StepsProcessed.WithLabelValues(string(step.ActionType), metrics.ResultSuccess).Inc()
		if result == stepWaiting {
			report.Waiting++
			continue
		}
		if err := a.store.UpdateStepStatus(ctx, step.ID, models.CompletedStepStatus); err != nil {
			a.logger.Errorf("[pass %s] Failed to complete step %d: %v", report.PassID, step.ID, err)
			continue
		}
		report.Completed++
		if err := a.promote(ctx, step); err != nil {
			a.logger.Errorf("[pass %s] Failed to promote after step %d: %v", report.PassID, step.ID, err)
		}
	}

	a.logger.Infof("[pass %s] Advance finished: %s", report.PassID, report)
	return report, nil
}

// resume completes a wait step whose execution time has passed and promotes its successor.
func (a *Advancer) resume(ctx context.Context, step models.PendingStep) error {
	if err := a.store.UpdateStepStatus(ctx, step.ID, models.CompletedStepStatus); err != nil {
		return err
	}
	if err := a.store.SaveLog(ctx, models.WorkflowLog{
		WorkflowID: int64Ptr(step.WorkflowID),
		StepID:     int64Ptr(step.ID),
		Action:     string(models.WaitActionType),
		Status:     models.SuccessLogStatus,
		Message:    "Wait finished",
	}); err != nil {
		return err
	}
	return a.promote(ctx, step)
}

// promote makes the next step pending for the same run, or finishes the run when step was the last one.
func (a *Advancer) promote(ctx context.Context, step models.PendingStep) error {
	next, err := a.store.StepByOrder(ctx, step.WorkflowID, step.StepOrder+1)
	if errors.Is(err, storage.ErrNotFound) {
		return a.finish(ctx, step)
	}
	if err != nil {
		return err
	}
	return a.store.ActivateStep(ctx, next.ID, step.TriggerID)
}

func (a *Advancer) finish(ctx context.Context, step models.PendingStep) error {
	a.logger.Infof("Workflow %d (%s) finished", step.WorkflowID, step.WorkflowName)
	if !step.TestMode() || step.TriggerID == nil {
		return nil
	}
	if err := a.store.UpdateTriggerStatus(ctx, *step.TriggerID, models.CompletedTriggerStatus); err != nil {
		return err
	}
	return a.store.SaveLog(ctx, models.WorkflowLog{
		WorkflowID: int64Ptr(step.WorkflowID),
		Action:     models.TestCompleteLogAction,
		Status:     models.SuccessLogStatus,
		Message:    "Test run complete",
	})
}

// fail marks the step failed and records why. The workflow stops here.
func (a *Advancer) fail(ctx context.Context, step models.PendingStep, cause error) {
	if err := a.store.UpdateStepStatus(ctx, step.ID, models.FailedStepStatus); err != nil {
		a.logger.Errorf("Failed to mark step %d failed: %v", step.ID, err)
	}
	if err := a.store.SaveLog(ctx, models.WorkflowLog{
		WorkflowID: int64Ptr(step.WorkflowID),
		StepID:     int64Ptr(step.ID),
		Action:     string(step.ActionType),
		Status:     models.FailureLogStatus,
		Message:    cause.Error(),
	}); err != nil {
		a.logger.Errorf("Failed to log failure of step %d: %v", step.ID, err)
	}
}

func (a *Advancer) logStep(ctx context.Context, step models.PendingStep, message string) error {
	return a.store.SaveLog(ctx, models.WorkflowLog{
		WorkflowID: int64Ptr(step.WorkflowID),
		StepID:     int64Ptr(step.ID),
		Action:     string(step.ActionType),
		Status:     models.SuccessLogStatus,
		Message:    message,
	})
}
