package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping checks the connection, used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

// SaveWorkflow creates a new workflow and returns its ID (steps are saved separately)
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO automation_workflows (name, description, trigger_type, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		w.Name, w.Description, w.TriggerType, w.IsActive, w.CreatedBy, w.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

// GetWorkflow retrieves a workflow by ID, including its steps
func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.GetContext(ctx, &wf, `
		SELECT id, name, description, trigger_type, is_active, created_by, created_at
		FROM automation_workflows WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}

	err = s.db.SelectContext(ctx, &wf.Steps, `
		SELECT `+stepColumns+`
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order, id`, id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, ownerID int64) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.SelectContext(ctx, &workflows, `
		SELECT id, name, description, trigger_type, is_active, created_by, created_at
		FROM automation_workflows WHERE created_by = $1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) ActiveWorkflows(ctx context.Context, triggerType models.TriggerType, ownerID int64) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.SelectContext(ctx, &workflows, `
		SELECT id, name, description, trigger_type, is_active, created_by, created_at
		FROM automation_workflows
		WHERE trigger_type = $1 AND is_active = TRUE AND created_by = $2
		ORDER BY id`, triggerType, ownerID)
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE automation_workflows SET is_active = $1 WHERE id = $2", active, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) WorkflowRunning(ctx context.Context, id int64) (bool, error) {
	var locked int64
	err := s.db.QueryRowxContext(ctx, "SELECT id FROM automation_workflows WHERE id = $1 FOR UPDATE", id).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, errors.Wrapf(err, "lock workflow %d", id)
	}
	var running bool
	err = s.db.QueryRowxContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_steps
			WHERE workflow_id = $1 AND status IN ('pending', 'in_progress'))`, id).Scan(&running)
	if err != nil {
		return false, errors.Wrapf(err, "check steps of workflow %d", id)
	}
	return running, nil
}

// DeleteWorkflow removes the workflow; steps, triggers and logs cascade.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM automation_workflows WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveStep(ctx context.Context, st models.WorkflowStep) (int64, error) {
	if st.Status == "" {
		st.Status = models.IdleStepStatus
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_order, action_type, action_data, status, execution_time, trigger_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		st.WorkflowID, st.StepOrder, st.ActionType, st.ActionData, st.Status, st.ExecutionTime, st.TriggerID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save step: %w", err)
	}
	return id, nil
}

const stepColumns = "id, workflow_id, step_order, action_type, action_data, status, execution_time, trigger_id, created_at"

func (s *PostgresStore) GetStep(ctx context.Context, id int64) (models.WorkflowStep, error) {
	return s.getStep(ctx, "SELECT "+stepColumns+" FROM workflow_steps WHERE id = $1", id)
}

func (s *PostgresStore) FirstStep(ctx context.Context, workflowID int64) (models.WorkflowStep, error) {
	return s.getStep(ctx, "SELECT "+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 ORDER BY step_order, id LIMIT 1`, workflowID)
}

func (s *PostgresStore) StepByOrder(ctx context.Context, workflowID int64, order int) (models.WorkflowStep, error) {
	return s.getStep(ctx, "SELECT "+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 AND step_order = $2 ORDER BY id LIMIT 1`, workflowID, order)
}

func (s *PostgresStore) getStep(ctx context.Context, query string, args ...interface{}) (models.WorkflowStep, error) {
	var st models.WorkflowStep
	err := s.db.GetContext(ctx, &st, query, args...)
	if err == sql.ErrNoRows {
		return models.WorkflowStep{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowStep{}, err
	}
	return st, nil
}

// pendingStepQuery joins each step with its workflow and the trigger that activated it.
const pendingStepQuery = `
	SELECT s.id, s.workflow_id, s.step_order, s.action_type, s.action_data, s.status, s.execution_time,
		s.trigger_id, s.created_at,
		w.name AS workflow_name, w.created_by AS owner_id,
		t.trigger_type, t.entity_id AS trigger_entity_id, t.trigger_data
	FROM workflow_steps s
	JOIN automation_workflows w ON w.id = s.workflow_id
	LEFT JOIN workflow_triggers t ON t.id = s.trigger_id`

func (s *PostgresStore) PendingSteps(ctx context.Context) ([]models.PendingStep, error) {
	steps := []models.PendingStep{}
	err := s.db.SelectContext(ctx, &steps, pendingStepQuery+`
		WHERE s.status = 'pending'
		ORDER BY s.workflow_id, s.step_order, s.id`)
	if err != nil {
		return nil, errors.Wrap(err, "select pending steps")
	}
	return steps, nil
}

func (s *PostgresStore) ExpiredWaits(ctx context.Context, now time.Time) ([]models.PendingStep, error) {
	steps := []models.PendingStep{}
	err := s.db.SelectContext(ctx, &steps, pendingStepQuery+`
		WHERE s.status = 'in_progress' AND s.action_type = 'wait'
			AND s.execution_time IS NOT NULL AND s.execution_time <= $1
		ORDER BY s.workflow_id, s.step_order, s.id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "select expired waits")
	}
	return steps, nil
}

func (s *PostgresStore) ClaimStep(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status = 'in_progress', execution_time = $1
		WHERE id = $2 AND status = 'pending'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ActivateStep(ctx context.Context, id int64, triggerID *int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_steps SET status = 'pending', execution_time = NULL, trigger_id = $1 WHERE id = $2", triggerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateStepStatus(ctx context.Context, id int64, status models.StepStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflow_steps SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SetStepExecutionTime(ctx context.Context, id int64, t time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflow_steps SET execution_time = $1 WHERE id = $2", t, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveTrigger(ctx context.Context, t models.WorkflowTrigger) (int64, error) {
	if t.Status == "" {
		t.Status = models.TriggeredTriggerStatus
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO workflow_triggers (workflow_id, trigger_type, entity_id, trigger_data, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		t.WorkflowID, t.TriggerType, t.EntityID, t.TriggerData, t.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save trigger: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetTrigger(ctx context.Context, id int64) (models.WorkflowTrigger, error) {
	var t models.WorkflowTrigger
	err := s.db.GetContext(ctx, &t, `
		SELECT id, workflow_id, trigger_type, entity_id, trigger_data, status, created_at
		FROM workflow_triggers WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.WorkflowTrigger{}, storage.ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) UpdateTriggerStatus(ctx context.Context, id int64, status models.TriggerStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflow_triggers SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveLog(ctx context.Context, l models.WorkflowLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_logs (workflow_id, step_id, scheduled_email_id, action, status, message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.WorkflowID, l.StepID, l.ScheduledEmailID, l.Action, l.Status, l.Message)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowLog, error) {
	logs := []models.WorkflowLog{}
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, workflow_id, step_id, scheduled_email_id, action, status, message, created_at
		FROM workflow_logs WHERE workflow_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *PostgresStore) FailuresSince(ctx context.Context, ownerID int64, since time.Time) ([]models.WorkflowLog, error) {
	logs := []models.WorkflowLog{}
	err := s.db.SelectContext(ctx, &logs, `
		SELECT l.id, l.workflow_id, l.step_id, l.scheduled_email_id, l.action, l.status, l.message, l.created_at
		FROM workflow_logs l
		LEFT JOIN automation_workflows w ON w.id = l.workflow_id
		LEFT JOIN scheduled_emails e ON e.id = l.scheduled_email_id
		WHERE COALESCE(w.created_by, e.created_by) = $1 AND l.status = 'failure' AND l.created_at > $2
		ORDER BY l.created_at DESC, l.id DESC`, ownerID, since)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

const scheduledEmailColumns = `id, email_template_id, recipient, recipient_type, recipient_data, subject, body,
	scheduled_date, status, sent_date, error_message, created_by, created_at`

func (s *PostgresStore) SaveScheduledEmail(ctx context.Context, e models.ScheduledEmail) (int64, error) {
	if e.Status == "" {
		e.Status = models.ScheduledEmailStatusScheduled
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO scheduled_emails
			(email_template_id, recipient, recipient_type, recipient_data, subject, body, scheduled_date, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.EmailTemplateID, e.Recipient, e.RecipientType, e.RecipientData, e.Subject, e.Body,
		e.ScheduledDate, e.Status, e.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save scheduled email: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetScheduledEmail(ctx context.Context, id int64) (models.ScheduledEmail, error) {
	var e models.ScheduledEmail
	err := s.db.GetContext(ctx, &e, "SELECT "+scheduledEmailColumns+" FROM scheduled_emails WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ScheduledEmail{}, storage.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListScheduledEmails(ctx context.Context, ownerID int64) ([]models.ScheduledEmail, error) {
	emails := []models.ScheduledEmail{}
	err := s.db.SelectContext(ctx, &emails, "SELECT "+scheduledEmailColumns+`
		FROM scheduled_emails WHERE created_by = $1 ORDER BY scheduled_date DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return emails, nil
}

func (s *PostgresStore) DueScheduledEmails(ctx context.Context, now time.Time) ([]models.ScheduledEmail, error) {
	emails := []models.ScheduledEmail{}
	err := s.db.SelectContext(ctx, &emails, "SELECT "+scheduledEmailColumns+`
		FROM scheduled_emails WHERE status = 'scheduled' AND scheduled_date <= $1
		ORDER BY scheduled_date, id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "select due scheduled emails")
	}
	return emails, nil
}

func (s *PostgresStore) MarkScheduledEmailSent(ctx context.Context, id int64, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_emails SET status = 'sent', sent_date = $1, error_message = NULL WHERE id = $2`, sentAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkScheduledEmailFailed(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_emails SET status = 'failed', error_message = $1 WHERE id = $2", errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteScheduledEmail(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_emails WHERE id = $1 AND status = 'scheduled'", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id int64) (models.EmailTemplate, error) {
	var t models.EmailTemplate
	err := s.db.GetContext(ctx, &t, "SELECT id, name, subject, body, created_by FROM email_templates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.EmailTemplate{}, storage.ErrNotFound
	}
	return t, err
}

const clientColumns = "c.id, c.name, c.email, c.company, c.status, c.created_by, c.created_at"

func (s *PostgresStore) GetClient(ctx context.Context, id int64) (models.Client, error) {
	var c models.Client
	err := s.db.GetContext(ctx, &c, "SELECT "+clientColumns+" FROM clients c WHERE c.id = $1", id)
	if err == sql.ErrNoRows {
		return models.Client{}, storage.ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) GroupClients(ctx context.Context, groupID int64) ([]models.Client, error) {
	clients := []models.Client{}
	err := s.db.SelectContext(ctx, &clients, "SELECT "+clientColumns+`
		FROM clients c JOIN client_group_members m ON m.client_id = c.id
		WHERE m.group_id = $1 ORDER BY c.id`, groupID)
	if err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *PostgresStore) OwnerClients(ctx context.Context, ownerID int64) ([]models.Client, error) {
	clients := []models.Client{}
	err := s.db.SelectContext(ctx, &clients, "SELECT "+clientColumns+" FROM clients c WHERE c.created_by = $1 ORDER BY c.id", ownerID)
	if err != nil {
		return nil, err
	}
	return clients, nil
}

const invoiceColumns = "id, client_id, invoice_number, status, due_date, created_by"

func (s *PostgresStore) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	var inv models.Invoice
	err := s.db.GetContext(ctx, &inv, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Invoice{}, storage.ErrNotFound
	}
	return inv, err
}

func (s *PostgresStore) InvoicesDueBetween(ctx context.Context, from, to time.Time, statuses []string) ([]models.Invoice, error) {
	invoices := []models.Invoice{}
	err := s.db.SelectContext(ctx, &invoices, "SELECT "+invoiceColumns+`
		FROM invoices WHERE due_date >= $1 AND due_date < $2 AND status = ANY($3)
		ORDER BY due_date, id`, from, to, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *PostgresStore) UpdateEntityStatus(ctx context.Context, entityType string, id int64, status string) error {
	var query string
	switch entityType {
	case models.EntityInvoice:
		query = "UPDATE invoices SET status = $1 WHERE id = $2"
	case models.EntityClient:
		query = "UPDATE clients SET status = $1 WHERE id = $2"
	default:
		return fmt.Errorf("unsupported entity type %q", entityType)
	}
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
