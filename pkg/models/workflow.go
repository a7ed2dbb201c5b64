package models

import "time"

type TriggerType string

const (
	InvoiceCreatedTrigger TriggerType = "invoice_created"
	InvoiceDueTrigger     TriggerType = "invoice_due"
	InvoiceOverdueTrigger TriggerType = "invoice_overdue"
	ClientAddedTrigger    TriggerType = "client_added"
)

// Valid reports whether t is one of the known business events.
func (t TriggerType) Valid() bool {
	switch t {
	case InvoiceCreatedTrigger, InvoiceDueTrigger, InvoiceOverdueTrigger, ClientAddedTrigger:
		return true
	}
	return false
}

// EntityType is the kind of business object the trigger's entity_id refers to.
func (t TriggerType) EntityType() string {
	switch t {
	case InvoiceCreatedTrigger, InvoiceDueTrigger, InvoiceOverdueTrigger:
		return EntityInvoice
	case ClientAddedTrigger:
		return EntityClient
	}
	return ""
}

// Workflow is a user-defined automation: an ordered list of steps run when TriggerType fires.
type Workflow struct {
	ID          int64          `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	TriggerType TriggerType    `json:"trigger_type" db:"trigger_type"`
	IsActive    bool           `json:"is_active" db:"is_active"`
	CreatedBy   int64          `json:"created_by" db:"created_by"` // Owner
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	Steps       []WorkflowStep `json:"steps,omitempty" db:"-"` // Populated at runtime
}
