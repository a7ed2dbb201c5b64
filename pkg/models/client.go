package models

import "time"

// Client is a customer of the business owner; the usual email recipient.
type Client struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Company   string    `json:"company" db:"company"`
	Status    string    `json:"status" db:"status"`
	CreatedBy int64     `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ClientGroup struct {
	ID        int64  `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	CreatedBy int64  `json:"created_by" db:"created_by"`
}

type EmailTemplate struct {
	ID        int64  `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Subject   string `json:"subject" db:"subject"`
	Body      string `json:"body" db:"body"`
	CreatedBy int64  `json:"created_by" db:"created_by"`
}

const (
	InvoiceStatusDraft     = "draft"
	InvoiceStatusSent      = "sent"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusOverdue   = "overdue"
	InvoiceStatusCancelled = "cancelled"
)

type Invoice struct {
	ID        int64     `json:"id" db:"id"`
	ClientID  int64     `json:"client_id" db:"client_id"`
	Number    string    `json:"invoice_number" db:"invoice_number"`
	Status    string    `json:"status" db:"status"`
	DueDate   time.Time `json:"due_date" db:"due_date"`
	CreatedBy int64     `json:"created_by" db:"created_by"`
}
