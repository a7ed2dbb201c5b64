package models

import "time"

type ScheduledEmailStatus string

const (
	ScheduledEmailStatusScheduled ScheduledEmailStatus = "scheduled"
	ScheduledEmailStatusSent      ScheduledEmailStatus = "sent"
	ScheduledEmailStatusFailed    ScheduledEmailStatus = "failed"
)

// ScheduledEmail is a one-off send whose subject and body were captured when it was scheduled.
type ScheduledEmail struct {
	ID              int64                `json:"id" db:"id"`
	EmailTemplateID *int64               `json:"email_template_id,omitempty" db:"email_template_id"`
	Recipient       *string              `json:"recipient,omitempty" db:"recipient"` // Direct address, wins over RecipientType
	RecipientType   RecipientType        `json:"recipient_type" db:"recipient_type"`
	RecipientData   JSONMap              `json:"recipient_data,omitempty" db:"recipient_data"` // client_id or group_id
	Subject         string               `json:"subject" db:"subject"`
	Body            string               `json:"body" db:"body"`
	ScheduledDate   time.Time            `json:"scheduled_date" db:"scheduled_date"`
	Status          ScheduledEmailStatus `json:"status" db:"status"`
	SentDate        *time.Time           `json:"sent_date,omitempty" db:"sent_date"`
	ErrorMessage    *string              `json:"error_message,omitempty" db:"error_message"`
	CreatedBy       int64                `json:"created_by" db:"created_by"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
}
