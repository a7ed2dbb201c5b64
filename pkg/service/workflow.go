package service

import (
	"context"
	"time"

	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// NewWorkflow is the definition a user submits: a name, the event it listens for and its steps in order.
type NewWorkflow struct {
	Name        string             `json:"name" validate:"required,max=100"`
	Description string             `json:"description"`
	TriggerType models.TriggerType `json:"trigger_type" validate:"required,oneof=invoice_created invoice_due invoice_overdue client_added"`
	IsActive    bool               `json:"is_active"`
	OwnerID     int64              `json:"-" validate:"gt=0"`
	Steps       []NewStep          `json:"steps" validate:"required,min=1,dive"`
}

type NewStep struct {
	ActionType models.ActionType `json:"action_type" validate:"required"`
	ActionData models.RawJSON    `json:"action_data"`
}

const defaultHistoryLimit = 50

// WorkflowService manages workflow definitions and their execution history.
type WorkflowService struct {
	store  storage.Store
	logger Logger
	opts   options
}

func NewWorkflowService(store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	return &WorkflowService{store: store, logger: logger, opts: buildOptions(opts)}
}

// CreateWorkflow validates every step payload and stores the workflow with its steps in one
// transaction. Steps are numbered from 1 in the given order and start idle.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, nw NewWorkflow) (id int64, err error) {
	if err := models.Validate(nw); err != nil {
		return 0, errors.Wrap(ErrInvalidWorkflow, err.Error())
	}
	for i, st := range nw.Steps {
		if _, err := models.ParseAction(st.ActionType, st.ActionData); err != nil {
			return 0, errors.Wrapf(ErrInvalidWorkflow, "step %d: %v", i+1, err)
		}
	}

	err = inTx(ctx, s.store, s.logger, func(tx storage.Store) error {
		id, err = tx.SaveWorkflow(ctx, models.Workflow{
			Name:        nw.Name,
			Description: nw.Description,
			TriggerType: nw.TriggerType,
			IsActive:    nw.IsActive,
			CreatedBy:   nw.OwnerID,
			CreatedAt:   s.opts.now(),
		})
		if err != nil {
			return err
		}
		for i, st := range nw.Steps {
			data := st.ActionData
			if len(data) == 0 {
				data = models.RawJSON("{}")
			}
			if _, err := tx.SaveStep(ctx, models.WorkflowStep{
				WorkflowID: id,
				StepOrder:  i + 1,
				ActionType: st.ActionType,
				ActionData: data,
				Status:     models.IdleStepStatus,
			}); err != nil {
				return errors.Wrapf(err, "save step %d", i+1)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Created workflow '%s' with ID %d and %d step(s)", nw.Name, id, len(nw.Steps))
	return id, nil
}

// GetWorkflow returns the workflow with its steps when ownerID owns it.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id, ownerID int64) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && wf.CreatedBy != ownerID) {
		return models.Workflow{}, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *WorkflowService) ListWorkflows(ctx context.Context, ownerID int64) ([]models.Workflow, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidOwner
	}
	return s.store.ListWorkflows(ctx, ownerID)
}

// SetActive turns a workflow on or off. Only active workflows are picked up by triggers.
func (s *WorkflowService) SetActive(ctx context.Context, id, ownerID int64, active bool) error {
	if _, err := s.GetWorkflow(ctx, id, ownerID); err != nil {
		return err
	}
	if err := s.store.SetWorkflowActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Infof("Set workflow %d active=%t", id, active)
	return nil
}

// DeleteWorkflow removes the workflow together with its steps, triggers and logs.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, id, ownerID int64) error {
	if _, err := s.GetWorkflow(ctx, id, ownerID); err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	s.logger.Infof("Deleted workflow %d", id)
	return nil
}

// History returns the newest log entries of a workflow. limit <= 0 means the default of 50.
func (s *WorkflowService) History(ctx context.Context, id, ownerID int64, limit int) ([]models.WorkflowLog, error) {
	if _, err := s.GetWorkflow(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.store.ListLogs(ctx, id, limit)
}

// RecentFailures returns failures of the owner's workflows logged after since.
func (s *WorkflowService) RecentFailures(ctx context.Context, ownerID int64, since time.Time) ([]models.WorkflowLog, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidOwner
	}
	return s.store.FailuresSince(ctx, ownerID, since)
}
