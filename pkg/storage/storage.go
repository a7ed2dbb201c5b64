package storage

import (
	"context"
	"time"

	"github.com/ignatij/autoflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for AutoFlow.
type Store interface {
	// Transaction operations
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	WorkflowStore
	StepStore
	TriggerStore
	LogStore
	ScheduledEmailStore
	DirectoryStore
}

type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error)
	// GetWorkflow returns the workflow with its steps ordered by step_order.
	GetWorkflow(ctx context.Context, id int64) (models.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID int64) ([]models.Workflow, error)
	ActiveWorkflows(ctx context.Context, triggerType models.TriggerType, ownerID int64) ([]models.Workflow, error)
	SetWorkflowActive(ctx context.Context, id int64, active bool) error
	// WorkflowRunning locks the workflow for the rest of the transaction and reports
	// whether any of its steps is pending or in progress.
	WorkflowRunning(ctx context.Context, id int64) (bool, error)
	DeleteWorkflow(ctx context.Context, id int64) error
}

type StepStore interface {
	SaveStep(ctx context.Context, s models.WorkflowStep) (int64, error)
	GetStep(ctx context.Context, id int64) (models.WorkflowStep, error)
	// FirstStep returns the step with the lowest step_order.
	FirstStep(ctx context.Context, workflowID int64) (models.WorkflowStep, error)
	StepByOrder(ctx context.Context, workflowID int64, order int) (models.WorkflowStep, error)
	// PendingSteps returns every pending step ordered by workflow_id, step_order.
	PendingSteps(ctx context.Context) ([]models.PendingStep, error)
	// ExpiredWaits returns in-progress wait steps whose execution_time is not after now.
	ExpiredWaits(ctx context.Context, now time.Time) ([]models.PendingStep, error)
	// ClaimStep moves a pending step to in_progress. It reports false when the step was no longer pending.
	ClaimStep(ctx context.Context, id int64, now time.Time) (bool, error)
	// ActivateStep sets a step to pending for the run of triggerID and clears its execution_time.
	ActivateStep(ctx context.Context, id int64, triggerID *int64) error
	UpdateStepStatus(ctx context.Context, id int64, status models.StepStatus) error
	SetStepExecutionTime(ctx context.Context, id int64, t time.Time) error
}

type TriggerStore interface {
	SaveTrigger(ctx context.Context, t models.WorkflowTrigger) (int64, error)
	GetTrigger(ctx context.Context, id int64) (models.WorkflowTrigger, error)
	UpdateTriggerStatus(ctx context.Context, id int64, status models.TriggerStatus) error
}

type LogStore interface {
	SaveLog(ctx context.Context, l models.WorkflowLog) error
	// ListLogs returns the newest entries first.
	ListLogs(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowLog, error)
	// FailuresSince returns failure entries of the owner's workflows and scheduled emails created after since.
	FailuresSince(ctx context.Context, ownerID int64, since time.Time) ([]models.WorkflowLog, error)
}

type ScheduledEmailStore interface {
	SaveScheduledEmail(ctx context.Context, e models.ScheduledEmail) (int64, error)
	GetScheduledEmail(ctx context.Context, id int64) (models.ScheduledEmail, error)
	ListScheduledEmails(ctx context.Context, ownerID int64) ([]models.ScheduledEmail, error)
	DueScheduledEmails(ctx context.Context, now time.Time) ([]models.ScheduledEmail, error)
	MarkScheduledEmailSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkScheduledEmailFailed(ctx context.Context, id int64, errMsg string) error
	// DeleteScheduledEmail removes the row only while it is still scheduled and reports whether it did.
	DeleteScheduledEmail(ctx context.Context, id int64) (bool, error)
}

// DirectoryStore reads and updates the business records the engine acts on.
type DirectoryStore interface {
	GetTemplate(ctx context.Context, id int64) (models.EmailTemplate, error)
	GetClient(ctx context.Context, id int64) (models.Client, error)
	GroupClients(ctx context.Context, groupID int64) ([]models.Client, error)
	OwnerClients(ctx context.Context, ownerID int64) ([]models.Client, error)
	GetInvoice(ctx context.Context, id int64) (models.Invoice, error)
	// InvoicesDueBetween returns invoices in one of statuses whose due date is in [from, to).
	InvoicesDueBetween(ctx context.Context, from, to time.Time, statuses []string) ([]models.Invoice, error)
	// UpdateEntityStatus writes the status column of an invoice or client.
	UpdateEntityStatus(ctx context.Context, entityType string, id int64, status string) error
}
