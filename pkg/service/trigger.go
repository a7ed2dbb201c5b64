package service

import (
	"context"
	"fmt"
	"maps"

	"github.com/ignatij/autoflow/pkg/metrics"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// TriggerService turns business events into activated workflows.
type TriggerService struct {
	store  storage.Store
	logger Logger
	opts   options
}

func NewTriggerService(store storage.Store, logger Logger, opts ...Option) *TriggerService {
	return &TriggerService{store: store, logger: logger, opts: buildOptions(opts)}
}

// Trigger activates the first step of every active workflow of ownerID listening for triggerType.
// eventData is stored with each trigger; its "entity_id" names the invoice or client involved.
func (s *TriggerService) Trigger(ctx context.Context, triggerType models.TriggerType, ownerID int64, eventData map[string]interface{}) Result {
	if !triggerType.Valid() {
		return Result{Success: false, Message: fmt.Sprintf("Invalid trigger type %q", triggerType)}
	}
	if ownerID <= 0 {
		return Result{Success: false, Message: ErrInvalidOwner.Error()}
	}

	workflows, err := s.store.ActiveWorkflows(ctx, triggerType, ownerID)
	if err != nil {
		s.logger.Errorf("Failed to load workflows for trigger %s: %v", triggerType, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to load workflows: %v", err)}
	}
	if len(workflows) == 0 {
		return Result{Success: true, Message: fmt.Sprintf("No active workflows found for trigger %s", triggerType)}
	}

	triggered, skipped := 0, 0
	for _, wf := range workflows {
		err := s.activate(ctx, wf, triggerType, eventData)
		if errors.Is(err, ErrWorkflowRunning) {
			s.logger.Warnf("Workflow %d (%s) is still running; trigger %s skipped", wf.ID, wf.Name, triggerType)
			s.logSkipped(ctx, wf, triggerType)
			skipped++
			continue
		}
		if err != nil {
			s.logger.Errorf("Failed to trigger workflow %d: %v", wf.ID, err)
			return Result{
				Success:   false,
				Message:   fmt.Sprintf("Failed to trigger workflow %d: %v", wf.ID, err),
				Triggered: triggered,
			}
		}
		triggered++
	}
	s.logger.Infof("Trigger %s for owner %d activated %d workflow(s)", triggerType, ownerID, triggered)
	msg := fmt.Sprintf("Triggered %d workflow(s)", triggered)
	if skipped > 0 {
		msg += fmt.Sprintf(", skipped %d still running", skipped)
	}
	return Result{Success: true, Message: msg, Triggered: triggered}
}

// logSkipped records a trigger that found its workflow mid-run, so it shows up among recent failures.
func (s *TriggerService) logSkipped(ctx context.Context, wf models.Workflow, triggerType models.TriggerType) {
	if err := s.store.SaveLog(ctx, models.WorkflowLog{
		WorkflowID: int64Ptr(wf.ID),
		Action:     models.TriggerLogAction,
		Status:     models.FailureLogStatus,
		Message:    fmt.Sprintf("Trigger %s skipped: the previous run has not finished", triggerType),
	}); err != nil {
		s.logger.Errorf("Failed to log skipped trigger of workflow %d: %v", wf.ID, err)
	}
}

// RunWorkflow starts a single workflow on demand, whether or not it is active.
// With testMode every action of the run is simulated and only logged.
func (s *TriggerService) RunWorkflow(ctx context.Context, workflowID, ownerID int64, eventData map[string]interface{}, testMode bool) (Result, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && wf.CreatedBy != ownerID) {
		return Result{Success: false, Message: ErrWorkflowNotFound.Error()}, ErrWorkflowNotFound
	}
	if err != nil {
		s.logger.Errorf("Failed to load workflow %d: %v", workflowID, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to load workflow: %v", err)}, err
	}
	if len(wf.Steps) == 0 {
		return Result{Success: false, Message: "Workflow has no steps"}, errors.Wrap(ErrInvalidWorkflow, "workflow has no steps")
	}

	data := make(map[string]interface{}, len(eventData)+1)
	maps.Copy(data, eventData)
	if testMode {
		data[models.TestModeKey] = true
	}
	err = s.activate(ctx, wf, wf.TriggerType, data)
	if errors.Is(err, ErrWorkflowRunning) {
		s.logger.Warnf("Workflow %d (%s) is still running; run request refused", wf.ID, wf.Name)
		return Result{Success: false, Message: "Workflow is still running; wait for it to finish"}, err
	}
	if err != nil {
		s.logger.Errorf("Failed to run workflow %d: %v", wf.ID, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to run workflow: %v", err)}, err
	}
	msg := fmt.Sprintf("Workflow %q started", wf.Name)
	if testMode {
		msg = fmt.Sprintf("Test run of workflow %q started", wf.Name)
	}
	return Result{Success: true, Message: msg, Triggered: 1}, nil
}

// activate records the trigger and makes the first step runnable for it, in one transaction.
// A workflow with a step still pending or in progress is left alone and ErrWorkflowRunning returned.
func (s *TriggerService) activate(ctx context.Context, wf models.Workflow, triggerType models.TriggerType, eventData map[string]interface{}) error {
	data := models.JSONMap(eventData)
	trigger := models.WorkflowTrigger{
		WorkflowID:  wf.ID,
		TriggerType: triggerType,
		TriggerData: data,
		Status:      models.TriggeredTriggerStatus,
		CreatedAt:   s.opts.now(),
	}
	if id, ok := data.Int64(models.EntityIDKey); ok {
		trigger.EntityID = &id
	}

	err := inTx(ctx, s.store, s.logger, func(tx storage.Store) error {
		running, err := tx.WorkflowRunning(ctx, wf.ID)
		if err != nil {
			return errors.Wrap(err, "lock workflow")
		}
		if running {
			return ErrWorkflowRunning
		}
		triggerID, err := tx.SaveTrigger(ctx, trigger)
		if err != nil {
			return errors.Wrap(err, "save trigger")
		}
		message := fmt.Sprintf("Workflow triggered by %s", triggerType)
		if data.Bool(models.TestModeKey) {
			message = fmt.Sprintf("Test run triggered for %s", triggerType)
		}

		first, err := tx.FirstStep(ctx, wf.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.logger.Warnf("Workflow %d (%s) has no steps; nothing to run", wf.ID, wf.Name)
			message += " (no steps)"
		case err != nil:
			return errors.Wrap(err, "load first step")
		default:
			if err := tx.ActivateStep(ctx, first.ID, &triggerID); err != nil {
				return errors.Wrap(err, "activate first step")
			}
		}

		return tx.SaveLog(ctx, models.WorkflowLog{
			WorkflowID: int64Ptr(wf.ID),
			Action:     models.TriggerLogAction,
			Status:     models.SuccessLogStatus,
			Message:    message,
		})
	})
	if err != nil {
		return err
	}
	metrics.TriggersFired.WithLabelValues(string(triggerType)).Inc()
	return nil
}
