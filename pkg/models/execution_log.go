package models

import "time"

type LogStatus string

const (
	SuccessLogStatus LogStatus = "success"
	FailureLogStatus LogStatus = "failure"
)

// WorkflowLog is an append-only audit row shown in the execution history.
type WorkflowLog struct {
	ID               int64     `json:"id" db:"id"`
	WorkflowID       *int64    `json:"workflow_id,omitempty" db:"workflow_id"` // Nil for scheduled email rows
	StepID           *int64    `json:"step_id,omitempty" db:"step_id"`
	ScheduledEmailID *int64    `json:"scheduled_email_id,omitempty" db:"scheduled_email_id"`
	Action           string    `json:"action" db:"action"`   // Action type, or "trigger", "test_complete", "scheduled_email"
	Status           LogStatus `json:"status" db:"status"`   // success or failure
	Message          string    `json:"message" db:"message"` // Details (e.g., error or recipient count)
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Log actions that are not step action types.
const (
	TriggerLogAction        = "trigger"
	TestCompleteLogAction   = "test_complete"
	ScheduledEmailLogAction = "scheduled_email"
)
