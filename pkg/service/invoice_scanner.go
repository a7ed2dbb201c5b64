package service

import (
	"context"
	"time"

	"github.com/ignatij/autoflow/pkg/metrics"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// ScanReport counts the invoice events fired by one scan.
type ScanReport struct {
	DueSoon int `json:"due_soon"`
	Overdue int `json:"overdue"`
	Failed  int `json:"failed"`
}

// InvoiceScanner produces the time based invoice events: invoice_due for invoices due in
// DueSoonDays days and invoice_overdue for unpaid invoices past their due date.
type InvoiceScanner struct {
	store       storage.Store
	triggers    *TriggerService
	dueSoonDays int
	logger      Logger
}

func NewInvoiceScanner(store storage.Store, triggers *TriggerService, dueSoonDays int, logger Logger) *InvoiceScanner {
	return &InvoiceScanner{store: store, triggers: triggers, dueSoonDays: dueSoonDays, logger: logger}
}

// Invoices that were issued and are still waiting for payment.
var unpaidStatuses = []string{models.InvoiceStatusSent, "unpaid"}

// Scan fires the events for the day containing now. Overdue invoices are moved to the
// overdue status first, so each one fires invoice_overdue once.
func (s *InvoiceScanner) Scan(ctx context.Context, now time.Time) (ScanReport, error) {
	var report ScanReport
	began := time.Now()
	defer func() {
		metrics.PassDuration.WithLabelValues("invoice_scan").Observe(time.Since(began).Seconds())
	}()

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	from := today.AddDate(0, 0, s.dueSoonDays)
	dueSoon, err := s.store.InvoicesDueBetween(ctx, from, from.AddDate(0, 0, 1), unpaidStatuses)
	if err != nil {
		return report, errors.Wrap(err, "load invoices due soon")
	}
	for _, inv := range dueSoon {
		if res := s.fire(ctx, models.InvoiceDueTrigger, inv); !res.Success {
			report.Failed++
			continue
		}
		report.DueSoon++
	}

	overdue, err := s.store.InvoicesDueBetween(ctx, time.Time{}, today, unpaidStatuses)
	if err != nil {
		return report, errors.Wrap(err, "load overdue invoices")
	}
	for _, inv := range overdue {
		if err := s.store.UpdateEntityStatus(ctx, models.EntityInvoice, inv.ID, models.InvoiceStatusOverdue); err != nil {
			s.logger.Errorf("Failed to mark invoice %d overdue: %v", inv.ID, err)
			report.Failed++
			continue
		}
		if res := s.fire(ctx, models.InvoiceOverdueTrigger, inv); !res.Success {
			report.Failed++
			continue
		}
		report.Overdue++
	}
	s.logger.Infof("Invoice scan finished: due_soon=%d overdue=%d failed=%d", report.DueSoon, report.Overdue, report.Failed)
	return report, nil
}

func (s *InvoiceScanner) fire(ctx context.Context, tt models.TriggerType, inv models.Invoice) Result {
	res := s.triggers.Trigger(ctx, tt, inv.CreatedBy, map[string]interface{}{
		models.EntityIDKey: inv.ID,
		"entity_type":      models.EntityInvoice,
		"invoice_number":   inv.Number,
		"due_date":         inv.DueDate.Format("2006-01-02"),
	})
	if !res.Success {
		s.logger.Errorf("Failed to fire %s for invoice %d: %s", tt, inv.ID, res.Message)
	}
	return res
}
