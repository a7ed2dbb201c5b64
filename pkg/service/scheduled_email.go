package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/metrics"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// ScheduledRunReport summarizes one pass over due scheduled emails.
type ScheduledRunReport struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// ScheduleRequest asks for a template to be sent at a later time. Recipient, when set,
// is a direct address and takes precedence over RecipientType.
type ScheduleRequest struct {
	OwnerID       int64                `json:"-" validate:"gt=0"`
	TemplateID    int64                `json:"template_id" validate:"required,gt=0"`
	Recipient     string               `json:"recipient,omitempty" validate:"omitempty,email,max=255"`
	RecipientType models.RecipientType `json:"recipient_type,omitempty" validate:"omitempty,oneof=client client_group all"`
	ClientID      *int64               `json:"client_id,omitempty" validate:"omitempty,gt=0"`
	GroupID       *int64               `json:"group_id,omitempty" validate:"omitempty,gt=0"`
	ScheduledDate time.Time            `json:"scheduled_date" validate:"required"`
}

// ScheduledEmailService schedules one-off emails and delivers them when due.
type ScheduledEmailService struct {
	store  storage.Store
	sender mailer.Sender
	logger Logger
	opts   options
}

func NewScheduledEmailService(store storage.Store, sender mailer.Sender, logger Logger, opts ...Option) *ScheduledEmailService {
	return &ScheduledEmailService{store: store, sender: sender, logger: logger, opts: buildOptions(opts)}
}

// RunDue sends every scheduled email whose date has come. A failed row is marked failed
// and logged, and the pass continues with the next one.
func (s *ScheduledEmailService) RunDue(ctx context.Context) (ScheduledRunReport, error) {
	var report ScheduledRunReport
	began := time.Now()
	defer func() {
		metrics.PassDuration.WithLabelValues("scheduled_emails").Observe(time.Since(began).Seconds())
	}()

	due, err := s.store.DueScheduledEmails(ctx, s.opts.now())
	if err != nil {
		return report, errors.Wrap(err, "load due scheduled emails")
	}
	for _, email := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++
		if err := s.deliver(ctx, email); err != nil {
			report.Failed++
			metrics.ScheduledEmails.WithLabelValues(metrics.ResultFailure).Inc()
			s.logger.Errorf("Scheduled email %d failed: %v", email.ID, err)
			s.markFailed(ctx, email, err)
			continue
		}
		if err := s.store.MarkScheduledEmailSent(ctx, email.ID, s.opts.now()); err != nil {
			s.logger.Errorf("Failed to mark scheduled email %d sent: %v", email.ID, err)
			continue
		}
		report.Sent++
		metrics.ScheduledEmails.WithLabelValues(metrics.ResultSuccess).Inc()
	}
	s.logger.Infof("Scheduled email pass finished: processed=%d sent=%d failed=%d", report.Processed, report.Sent, report.Failed)
	return report, nil
}

func (s *ScheduledEmailService) deliver(ctx context.Context, email models.ScheduledEmail) error {
	var recipients []models.Client
	if email.Recipient != nil && strings.TrimSpace(*email.Recipient) != "" {
		addr := strings.TrimSpace(*email.Recipient)
		recipients = []models.Client{{Name: addr, Email: addr, CreatedBy: email.CreatedBy}}
	} else {
		clientID, _ := email.RecipientData.Int64("client_id")
		groupID, _ := email.RecipientData.Int64("group_id")
		var err error
		recipients, err = resolveRecipients(ctx, s.store, email.CreatedBy, email.RecipientType,
			optionalID(clientID), optionalID(groupID))
		if err != nil {
			return err
		}
	}

	for i, c := range recipients {
		if err := s.sender.Send(ctx, renderFor(email.Subject, email.Body, c, nil)); err != nil {
			metrics.EmailsSent.WithLabelValues(metrics.SourceScheduled, metrics.ResultFailure).Inc()
			return errors.Wrapf(err, "send to %s (%d of %d)", c.Email, i+1, len(recipients))
		}
		metrics.EmailsSent.WithLabelValues(metrics.SourceScheduled, metrics.ResultSuccess).Inc()
	}
	return nil
}

func (s *ScheduledEmailService) markFailed(ctx context.Context, email models.ScheduledEmail, cause error) {
	if err := s.store.MarkScheduledEmailFailed(ctx, email.ID, cause.Error()); err != nil {
		s.logger.Errorf("Failed to mark scheduled email %d failed: %v", email.ID, err)
	}
	if err := s.store.SaveLog(ctx, models.WorkflowLog{
		ScheduledEmailID: int64Ptr(email.ID),
		Action:           models.ScheduledEmailLogAction,
		Status:           models.FailureLogStatus,
		Message:          fmt.Sprintf("Scheduled email %d (%q) failed: %v", email.ID, email.Subject, cause),
	}); err != nil {
		s.logger.Errorf("Failed to log scheduled email %d failure: %v", email.ID, err)
	}
}

func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

// Schedule snapshots the template's subject and body and stores the email for later delivery.
func (s *ScheduledEmailService) Schedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	if err := models.Validate(req); err != nil {
		return 0, errors.Wrap(ErrInvalidSchedule, err.Error())
	}
	email := models.ScheduledEmail{
		EmailTemplateID: int64Ptr(req.TemplateID),
		RecipientType:   models.ClientRecipient,
		ScheduledDate:   req.ScheduledDate,
		Status:          models.ScheduledEmailStatusScheduled,
		CreatedBy:       req.OwnerID,
	}
	switch {
	case req.Recipient != "":
		email.Recipient = &req.Recipient
	case req.RecipientType == models.ClientRecipient && req.ClientID != nil:
		email.RecipientData = models.JSONMap{"client_id": *req.ClientID}
	case req.RecipientType == models.ClientGroupRecipient && req.GroupID != nil:
		email.RecipientType = models.ClientGroupRecipient
		email.RecipientData = models.JSONMap{"group_id": *req.GroupID}
	case req.RecipientType == models.AllClientsRecipient:
		email.RecipientType = models.AllClientsRecipient
	default:
		return 0, errors.Wrap(ErrInvalidSchedule, "a recipient address, client_id, group_id or recipient_type all is required")
	}

	tmpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && tmpl.CreatedBy != req.OwnerID) {
		return 0, errors.Wrapf(ErrTemplateNotFound, "template %d", req.TemplateID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "load template %d", req.TemplateID)
	}
	email.Subject = tmpl.Subject
	email.Body = tmpl.Body

	id, err := s.store.SaveScheduledEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Scheduled email %d (%q) for %s", id, tmpl.Name, req.ScheduledDate.Format(time.RFC3339))
	return id, nil
}

// Cancel deletes a scheduled email of ownerID. Emails already sent or failed are left untouched.
func (s *ScheduledEmailService) Cancel(ctx context.Context, id, ownerID int64) (Result, error) {
	email, err := s.store.GetScheduledEmail(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && email.CreatedBy != ownerID) {
		return Result{Success: false, Message: ErrScheduledEmailNotFound.Error()}, ErrScheduledEmailNotFound
	}
	if err != nil {
		s.logger.Errorf("Failed to load scheduled email %d: %v", id, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to load scheduled email: %v", err)}, err
	}
	if email.Status != models.ScheduledEmailStatusScheduled {
		err := errors.Wrapf(ErrScheduledEmailNotPending, "email is %s", email.Status)
		return Result{Success: false, Message: fmt.Sprintf("Cannot cancel an email that is %s", email.Status)}, err
	}

	deleted, err := s.store.DeleteScheduledEmail(ctx, id)
	if err != nil {
		s.logger.Errorf("Failed to delete scheduled email %d: %v", id, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to cancel scheduled email: %v", err)}, err
	}
	if !deleted {
		// Sent by a concurrent pass between the read and the delete.
		return Result{Success: false, Message: "Scheduled email is no longer pending"}, ErrScheduledEmailNotPending
	}
	s.logger.Infof("Cancelled scheduled email %d", id)
	return Result{Success: true, Message: "Scheduled email cancelled"}, nil
}

func (s *ScheduledEmailService) List(ctx context.Context, ownerID int64) ([]models.ScheduledEmail, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidOwner
	}
	return s.store.ListScheduledEmails(ctx, ownerID)
}
