package models

import "time"

type TriggerStatus string

const (
	TriggeredTriggerStatus TriggerStatus = "triggered"
	CompletedTriggerStatus TriggerStatus = "completed"
)

const (
	// TestModeKey in trigger data turns every action of the run into a logged simulation.
	TestModeKey = "test_mode"
	// EntityIDKey in trigger data names the business object that caused the event.
	EntityIDKey = "entity_id"
)

// WorkflowTrigger records one firing of an event for one matching workflow.
type WorkflowTrigger struct {
	ID          int64         `json:"id" db:"id"`
	WorkflowID  int64         `json:"workflow_id" db:"workflow_id"`
	TriggerType TriggerType   `json:"trigger_type" db:"trigger_type"`
	EntityID    *int64        `json:"entity_id,omitempty" db:"entity_id"`
	TriggerData JSONMap       `json:"trigger_data" db:"trigger_data"`
	Status      TriggerStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}
