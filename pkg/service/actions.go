package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// execute dispatches a claimed step to its action. Steps of a test run are only logged.
func (a *Advancer) execute(ctx context.Context, step models.PendingStep, now time.Time) (outcome, error) {
	action, err := step.Action()
	if err != nil {
		return stepDone, err
	}
	test := step.TestMode()

	switch act := action.(type) {
	case models.SendEmailAction:
		if test {
			return stepDone, a.logStep(ctx, step,
				fmt.Sprintf("Test mode: would send template %d to %s recipient(s)", act.TemplateID, act.RecipientType))
		}
		return stepDone, a.sendEmail(ctx, step, act)

	case models.WaitAction:
		if test {
			return stepDone, a.logStep(ctx, step, "Test mode: "+describeWait(act)+" skipped")
		}
		until, err := a.waitUntil(ctx, step, act, now)
		if err != nil {
			return stepDone, err
		}
		if err := a.store.SetStepExecutionTime(ctx, step.ID, until); err != nil {
			return stepDone, errors.Wrap(err, "schedule wait")
		}
		if err := a.logStep(ctx, step, fmt.Sprintf("Waiting until %s", until.Format(time.RFC3339))); err != nil {
			return stepDone, err
		}
		return stepWaiting, nil

	case models.UpdateStatusAction:
		entityID, ok := statusEntity(step, act)
		if test {
			target := "no " + act.EntityType
			if ok {
				target = fmt.Sprintf("%s %d", act.EntityType, entityID)
			}
			return stepDone, a.logStep(ctx, step, fmt.Sprintf("Test mode: would set %s status to %q", target, act.Status))
		}
		if !ok {
			return stepDone, a.logStep(ctx, step, fmt.Sprintf("No %s to update; status %q not applied", act.EntityType, act.Status))
		}
		if err := a.checkEntityOwner(ctx, step, act.EntityType, entityID); err != nil {
			return stepDone, err
		}
		if err := a.store.UpdateEntityStatus(ctx, act.EntityType, entityID, act.Status); err != nil {
			return stepDone, errors.Wrapf(err, "update %s %d", act.EntityType, entityID)
		}
		return stepDone, a.logStep(ctx, step, fmt.Sprintf("Set %s %d status to %q", act.EntityType, entityID, act.Status))

	case models.NotifyAction:
		a.logger.Infof("Workflow %d (%s) notification: %s", step.WorkflowID, step.WorkflowName, act.Message)
		if test {
			return stepDone, a.logStep(ctx, step, "Test mode: notification "+act.Message)
		}
		return stepDone, a.logStep(ctx, step, act.Message)
	}
	return stepDone, errors.Errorf("unsupported action type %q", step.ActionType)
}

func describeWait(act models.WaitAction) string {
	if act.Days != nil {
		return fmt.Sprintf("wait of %d day(s)", *act.Days)
	}
	return fmt.Sprintf("wait until %d day(s) before due date", *act.DaysBeforeDue)
}

// waitUntil computes when a wait step may resume. It is never earlier than now.
func (a *Advancer) waitUntil(ctx context.Context, step models.PendingStep, act models.WaitAction, now time.Time) (time.Time, error) {
	if act.Days != nil {
		return now.AddDate(0, 0, *act.Days), nil
	}
	if step.TriggerType == nil || step.TriggerType.EntityType() != models.EntityInvoice || step.TriggerEntityID == nil {
		return time.Time{}, errors.New("days_before_due requires a run triggered by an invoice")
	}
	inv, err := a.ownedInvoice(ctx, step.OwnerID, *step.TriggerEntityID)
	if err != nil {
		return time.Time{}, err
	}
	until := inv.DueDate.AddDate(0, 0, -*act.DaysBeforeDue)
	if until.Before(now) {
		return now, nil
	}
	return until, nil
}

// statusEntity picks the entity an update_status step writes: its own entity_id,
// or the entity of the trigger when the types match.
func statusEntity(step models.PendingStep, act models.UpdateStatusAction) (int64, bool) {
	switch {
	case act.EntityID != nil:
		return *act.EntityID, true
	case step.TriggerType != nil && step.TriggerType.EntityType() == act.EntityType && step.TriggerEntityID != nil:
		return *step.TriggerEntityID, true
	}
	return 0, false
}

// checkEntityOwner fails unless the invoice or client id belongs to the workflow owner.
func (a *Advancer) checkEntityOwner(ctx context.Context, step models.PendingStep, entityType string, id int64) error {
	var owner int64
	switch entityType {
	case models.EntityInvoice:
		inv, err := a.store.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err, "invoice %d", id)
		}
		owner = inv.CreatedBy
	case models.EntityClient:
		c, err := a.store.GetClient(ctx, id)
		if err != nil {
			return notFound(err, "client %d", id)
		}
		owner = c.CreatedBy
	default:
		return errors.Errorf("unsupported entity type %q", entityType)
	}
	if owner != step.OwnerID {
		return errors.Errorf("%s %d not found", entityType, id)
	}
	return nil
}

func (a *Advancer) ownedInvoice(ctx context.Context, ownerID, id int64) (models.Invoice, error) {
	inv, err := a.store.GetInvoice(ctx, id)
	if err != nil {
		return models.Invoice{}, notFound(err, "invoice %d", id)
	}
	if inv.CreatedBy != ownerID {
		return models.Invoice{}, errors.Errorf("invoice %d not found", id)
	}
	return inv, nil
}

// notFound rewords storage.ErrNotFound for step logs and wraps everything else.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Errorf(format+" not found", args...)
	}
	return errors.Wrapf(err, "load "+format, args...)
}
