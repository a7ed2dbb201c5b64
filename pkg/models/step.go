package models

import "time"

type StepStatus string

const (
	// IdleStepStatus marks a step that has not been activated by any trigger yet.
	IdleStepStatus       StepStatus = "idle"
	PendingStepStatus    StepStatus = "pending"
	InProgressStepStatus StepStatus = "in_progress"
	CompletedStepStatus  StepStatus = "completed"
	FailedStepStatus     StepStatus = "failed"
)

func (s StepStatus) Terminal() bool {
	return s == CompletedStepStatus || s == FailedStepStatus
}

type ActionType string

const (
	SendEmailActionType    ActionType = "send_email"
	WaitActionType         ActionType = "wait"
	UpdateStatusActionType ActionType = "update_status"
	NotifyActionType       ActionType = "notify"
)

// WorkflowStep is one ordered action of a workflow.
type WorkflowStep struct {
	ID            int64      `json:"id" db:"id"`
	WorkflowID    int64      `json:"workflow_id" db:"workflow_id"`
	StepOrder     int        `json:"step_order" db:"step_order"`
	ActionType    ActionType `json:"action_type" db:"action_type"`
	ActionData    RawJSON    `json:"action_data" db:"action_data"`
	Status        StepStatus `json:"status" db:"status"`
	ExecutionTime *time.Time `json:"execution_time,omitempty" db:"execution_time"` // Only used by wait steps
	TriggerID     *int64     `json:"trigger_id,omitempty" db:"trigger_id"`         // Run that last activated the step
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Action decodes the step payload into its typed variant.
func (s WorkflowStep) Action() (Action, error) {
	return ParseAction(s.ActionType, s.ActionData)
}

// PendingStep is a step joined with its workflow and the trigger that activated it.
type PendingStep struct {
	WorkflowStep
	WorkflowName    string       `db:"workflow_name"`
	OwnerID         int64        `db:"owner_id"`
	TriggerType     *TriggerType `db:"trigger_type"`
	TriggerEntityID *int64       `db:"trigger_entity_id"`
	TriggerData     JSONMap      `db:"trigger_data"`
}

// TestMode reports whether the run that activated this step is a simulated one.
func (p PendingStep) TestMode() bool {
	return p.TriggerData.Bool(TestModeKey)
}
