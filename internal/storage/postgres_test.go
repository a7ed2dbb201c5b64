package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	internal_storage "github.com/ignatij/autoflow/internal/storage"
	"github.com/ignatij/autoflow/internal/testutil"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtures struct {
	ownerID    int64
	otherOwner int64
	clientIDs  []int64
	groupID    int64
	templateID int64
	invoiceIDs []int64
}

// seed writes the business rows the workflow tables reference. They are committed
// once; every subtest works inside its own rolled back transaction.
func seed(t *testing.T, testDB *testutil.TestDB, now time.Time) fixtures {
	t.Helper()
	var f fixtures
	db := testDB.DB

	require.NoError(t, db.QueryRow(`INSERT INTO users (email, name) VALUES ('owner@example.com', 'Owner') RETURNING id`).Scan(&f.ownerID))
	require.NoError(t, db.QueryRow(`INSERT INTO users (email, name) VALUES ('other@example.com', 'Other') RETURNING id`).Scan(&f.otherOwner))

	for _, c := range []struct{ name, email string }{
		{"Ada", "ada@example.com"},
		{"Grace", "grace@example.com"},
	} {
		var id int64
		require.NoError(t, db.QueryRow(`INSERT INTO clients (name, email, company, created_by)
			VALUES ($1, $2, 'Acme', $3) RETURNING id`, c.name, c.email, f.ownerID).Scan(&id))
		f.clientIDs = append(f.clientIDs, id)
	}

	require.NoError(t, db.QueryRow(`INSERT INTO client_groups (name, created_by) VALUES ('vip', $1) RETURNING id`, f.ownerID).Scan(&f.groupID))
	_, err := db.Exec(`INSERT INTO client_group_members (group_id, client_id) VALUES ($1, $2)`, f.groupID, f.clientIDs[1])
	require.NoError(t, err)

	require.NoError(t, db.QueryRow(`INSERT INTO email_templates (name, subject, body, created_by)
		VALUES ('reminder', 'Hi {{name}}', 'Invoice {{invoice_number}}', $1) RETURNING id`, f.ownerID).Scan(&f.templateID))

	for i, inv := range []struct {
		status string
		due    time.Time
	}{
		{models.InvoiceStatusSent, now.Add(48 * time.Hour)},
		{models.InvoiceStatusPaid, now.Add(24 * time.Hour)},
		{models.InvoiceStatusSent, now.Add(-72 * time.Hour)},
	} {
		var id int64
		require.NoError(t, db.QueryRow(`INSERT INTO invoices (client_id, invoice_number, status, due_date, created_by)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			f.clientIDs[0], fmt.Sprintf("INV-%03d", i+1), inv.status, inv.due, f.ownerID).Scan(&id))
		f.invoiceIDs = append(f.invoiceIDs, id)
	}
	return f
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	f := seed(t, testDB, now)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		txStore, err := store.Begin(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	saveWorkflow := func(t *testing.T, store storage.Store, name string, tt models.TriggerType, active bool, createdAt time.Time) int64 {
		id, err := store.SaveWorkflow(ctx, models.Workflow{
			Name:        name,
			TriggerType: tt,
			IsActive:    active,
			CreatedBy:   f.ownerID,
			CreatedAt:   createdAt,
		})
		require.NoError(t, err)
		return id
	}

	saveStep := func(t *testing.T, store storage.Store, wfID int64, order int, at models.ActionType, data string) int64 {
		id, err := store.SaveStep(ctx, models.WorkflowStep{
			WorkflowID: wfID,
			StepOrder:  order,
			ActionType: at,
			ActionData: models.RawJSON(data),
		})
		require.NoError(t, err)
		return id
	}

	t.Run("Ping", func(t *testing.T) {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("SaveWorkflow", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "Reminders", models.InvoiceDueTrigger, true, now)
		assert.Greater(t, wfID, int64(0))

		saved, err := store.GetWorkflow(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, "Reminders", saved.Name)
		assert.Equal(t, models.InvoiceDueTrigger, saved.TriggerType)
		assert.True(t, saved.IsActive)
		assert.Equal(t, f.ownerID, saved.CreatedBy)
		assert.WithinDuration(t, now, saved.CreatedAt, time.Second)
		assert.Empty(t, saved.Steps)
	})

	t.Run("GetWorkflow returns steps in order", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "Ordered", models.InvoiceCreatedTrigger, true, now)
		second := saveStep(t, store, wfID, 2, models.NotifyActionType, `{"message":"done"}`)
		first := saveStep(t, store, wfID, 1, models.WaitActionType, `{"days":1}`)

		wf, err := store.GetWorkflow(ctx, wfID)
		require.NoError(t, err)
		require.Len(t, wf.Steps, 2)
		assert.Equal(t, first, wf.Steps[0].ID)
		assert.Equal(t, second, wf.Steps[1].ID)
		assert.Equal(t, models.IdleStepStatus, wf.Steps[0].Status)
		assert.JSONEq(t, `{"days":1}`, string(wf.Steps[0].ActionData))
		assert.Nil(t, wf.Steps[0].ExecutionTime)
	})

	t.Run("GetNonExistingWorkflow", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetWorkflow(ctx, 123456)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListWorkflows returns empty list when no workflows exist", func(t *testing.T) {
		store := newTxStore(t)
		workflows, err := store.ListWorkflows(ctx, f.otherOwner)
		require.NoError(t, err)
		assert.NotNil(t, workflows)
		assert.Empty(t, workflows)
	})

	t.Run("ListWorkflows returns newest first", func(t *testing.T) {
		store := newTxStore(t)
		id1 := saveWorkflow(t, store, "Workflow 1", models.InvoiceCreatedTrigger, false, now.Add(-2*time.Hour))
		id2 := saveWorkflow(t, store, "Workflow 2", models.InvoiceCreatedTrigger, true, now.Add(-1*time.Hour))
		id3 := saveWorkflow(t, store, "Workflow 3", models.ClientAddedTrigger, true, now)

		workflows, err := store.ListWorkflows(ctx, f.ownerID)
		require.NoError(t, err)
		require.Len(t, workflows, 3)
		assert.Equal(t, []int64{id3, id2, id1}, []int64{workflows[0].ID, workflows[1].ID, workflows[2].ID})
	})

	t.Run("ActiveWorkflows filters by trigger, owner and flag", func(t *testing.T) {
		store := newTxStore(t)
		inactive := saveWorkflow(t, store, "off", models.InvoiceCreatedTrigger, false, now)
		active := saveWorkflow(t, store, "on", models.InvoiceCreatedTrigger, true, now)
		saveWorkflow(t, store, "other trigger", models.ClientAddedTrigger, true, now)

		workflows, err := store.ActiveWorkflows(ctx, models.InvoiceCreatedTrigger, f.ownerID)
		require.NoError(t, err)
		require.Len(t, workflows, 1)
		assert.Equal(t, active, workflows[0].ID)

		require.NoError(t, store.SetWorkflowActive(ctx, inactive, true))
		workflows, err = store.ActiveWorkflows(ctx, models.InvoiceCreatedTrigger, f.ownerID)
		require.NoError(t, err)
		assert.Len(t, workflows, 2)

		none, err := store.ActiveWorkflows(ctx, models.InvoiceCreatedTrigger, f.otherOwner)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("SetWorkflowActive on missing workflow", func(t *testing.T) {
		store := newTxStore(t)
		assert.ErrorIs(t, store.SetWorkflowActive(ctx, 999999, true), storage.ErrNotFound)
	})

	t.Run("DeleteWorkflow cascades", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "doomed", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.NotifyActionType, `{"message":"x"}`)
		_, err := store.SaveTrigger(ctx, models.WorkflowTrigger{WorkflowID: wfID, TriggerType: models.InvoiceCreatedTrigger})
		require.NoError(t, err)
		require.NoError(t, store.SaveLog(ctx, models.WorkflowLog{
			WorkflowID: &wfID, Action: models.TriggerLogAction, Status: models.SuccessLogStatus,
		}))

		require.NoError(t, store.DeleteWorkflow(ctx, wfID))
		_, err = store.GetStep(ctx, stepID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		logs, err := store.ListLogs(ctx, wfID, 10)
		require.NoError(t, err)
		assert.Empty(t, logs)
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, wfID), storage.ErrNotFound)
	})

	t.Run("FirstStep and StepByOrder", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "steps", models.InvoiceCreatedTrigger, true, now)
		first := saveStep(t, store, wfID, 1, models.WaitActionType, `{"days":2}`)
		second := saveStep(t, store, wfID, 2, models.NotifyActionType, `{"message":"hi"}`)

		st, err := store.FirstStep(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, first, st.ID)

		st, err = store.StepByOrder(ctx, wfID, 2)
		require.NoError(t, err)
		assert.Equal(t, second, st.ID)

		_, err = store.StepByOrder(ctx, wfID, 3)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		empty := saveWorkflow(t, store, "empty", models.InvoiceCreatedTrigger, true, now)
		_, err = store.FirstStep(ctx, empty)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PendingSteps joins the activating trigger", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "joined", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.NotifyActionType, `{"message":"hi"}`)
		saveStep(t, store, wfID, 2, models.NotifyActionType, `{"message":"bye"}`)

		liveEntity := f.invoiceIDs[0]
		live, err := store.SaveTrigger(ctx, models.WorkflowTrigger{
			WorkflowID: wfID, TriggerType: models.InvoiceCreatedTrigger, EntityID: &liveEntity,
			TriggerData: models.JSONMap{"entity_id": liveEntity},
		})
		require.NoError(t, err)
		testEntity := f.invoiceIDs[2]
		_, err = store.SaveTrigger(ctx, models.WorkflowTrigger{
			WorkflowID: wfID, TriggerType: models.InvoiceCreatedTrigger, EntityID: &testEntity,
			TriggerData: models.JSONMap{"entity_id": testEntity, models.TestModeKey: true},
		})
		require.NoError(t, err)

		pending, err := store.PendingSteps(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		require.NoError(t, store.ActivateStep(ctx, stepID, &live))
		pending, err = store.PendingSteps(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		p := pending[0]
		assert.Equal(t, stepID, p.ID)
		assert.Equal(t, "joined", p.WorkflowName)
		assert.Equal(t, f.ownerID, p.OwnerID)
		require.NotNil(t, p.TriggerID)
		assert.Equal(t, live, *p.TriggerID, "a newer trigger of the workflow does not take over the step")
		require.NotNil(t, p.TriggerEntityID)
		assert.Equal(t, liveEntity, *p.TriggerEntityID)
		assert.False(t, p.TestMode())
		id, ok := p.TriggerData.Int64(models.EntityIDKey)
		assert.True(t, ok)
		assert.Equal(t, liveEntity, id)

		st, err := store.GetStep(ctx, stepID)
		require.NoError(t, err)
		require.NotNil(t, st.TriggerID)
		assert.Equal(t, live, *st.TriggerID)
	})

	t.Run("WorkflowRunning", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "running", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.WaitActionType, `{"days":1}`)

		running, err := store.WorkflowRunning(ctx, wfID)
		require.NoError(t, err)
		assert.False(t, running, "idle steps")

		require.NoError(t, store.ActivateStep(ctx, stepID, nil))
		running, err = store.WorkflowRunning(ctx, wfID)
		require.NoError(t, err)
		assert.True(t, running)

		require.NoError(t, store.UpdateStepStatus(ctx, stepID, models.CompletedStepStatus))
		running, err = store.WorkflowRunning(ctx, wfID)
		require.NoError(t, err)
		assert.False(t, running)

		_, err = store.WorkflowRunning(ctx, 999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ClaimStep succeeds once", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "claim", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.NotifyActionType, `{"message":"hi"}`)

		ok, err := store.ClaimStep(ctx, stepID, now)
		require.NoError(t, err)
		assert.False(t, ok, "idle steps cannot be claimed")

		require.NoError(t, store.ActivateStep(ctx, stepID, nil))
		ok, err = store.ClaimStep(ctx, stepID, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ClaimStep(ctx, stepID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		st, err := store.GetStep(ctx, stepID)
		require.NoError(t, err)
		assert.Equal(t, models.InProgressStepStatus, st.Status)
		require.NotNil(t, st.ExecutionTime)
		assert.WithinDuration(t, now, *st.ExecutionTime, time.Second)
	})

	t.Run("ExpiredWaits returns only elapsed in-progress waits", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "waits", models.InvoiceCreatedTrigger, true, now)
		elapsed := saveStep(t, store, wfID, 1, models.WaitActionType, `{"days":1}`)
		future := saveStep(t, store, wfID, 2, models.WaitActionType, `{"days":5}`)
		notify := saveStep(t, store, wfID, 3, models.NotifyActionType, `{"message":"hi"}`)

		for _, id := range []int64{elapsed, future, notify} {
			require.NoError(t, store.ActivateStep(ctx, id, nil))
			ok, err := store.ClaimStep(ctx, id, now)
			require.NoError(t, err)
			require.True(t, ok)
		}
		require.NoError(t, store.SetStepExecutionTime(ctx, elapsed, now.Add(-time.Minute)))
		require.NoError(t, store.SetStepExecutionTime(ctx, future, now.Add(time.Hour)))

		waits, err := store.ExpiredWaits(ctx, now)
		require.NoError(t, err)
		require.Len(t, waits, 1)
		assert.Equal(t, elapsed, waits[0].ID)
		assert.Nil(t, waits[0].TriggerID)
	})

	t.Run("UpdateStepStatus", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "status", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.NotifyActionType, `{"message":"hi"}`)

		require.NoError(t, store.UpdateStepStatus(ctx, stepID, models.FailedStepStatus))
		st, err := store.GetStep(ctx, stepID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedStepStatus, st.Status)
		assert.ErrorIs(t, store.UpdateStepStatus(ctx, 999999, models.FailedStepStatus), storage.ErrNotFound)
	})

	t.Run("Triggers", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "triggers", models.InvoiceCreatedTrigger, true, now)
		id, err := store.SaveTrigger(ctx, models.WorkflowTrigger{
			WorkflowID:  wfID,
			TriggerType: models.InvoiceCreatedTrigger,
			TriggerData: models.JSONMap{"invoice_number": "INV-001"},
		})
		require.NoError(t, err)

		tr, err := store.GetTrigger(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TriggeredTriggerStatus, tr.Status)
		assert.Nil(t, tr.EntityID)
		assert.Equal(t, "INV-001", tr.TriggerData["invoice_number"])

		require.NoError(t, store.UpdateTriggerStatus(ctx, id, models.CompletedTriggerStatus))
		tr, err = store.GetTrigger(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTriggerStatus, tr.Status)

		_, err = store.GetTrigger(ctx, 999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Logs and failures", func(t *testing.T) {
		store := newTxStore(t)
		wfID := saveWorkflow(t, store, "logs", models.InvoiceCreatedTrigger, true, now)
		stepID := saveStep(t, store, wfID, 1, models.SendEmailActionType, `{"template_id":1,"recipient_type":"all"}`)

		require.NoError(t, store.SaveLog(ctx, models.WorkflowLog{
			WorkflowID: &wfID, Action: models.TriggerLogAction, Status: models.SuccessLogStatus, Message: "triggered",
		}))
		require.NoError(t, store.SaveLog(ctx, models.WorkflowLog{
			WorkflowID: &wfID, StepID: &stepID, Action: string(models.SendEmailActionType),
			Status: models.FailureLogStatus, Message: "no recipients",
		}))
		require.NoError(t, store.SaveLog(ctx, models.WorkflowLog{
			Action: models.ScheduledEmailLogAction, Status: models.FailureLogStatus, Message: "orphan",
		}))
		emailID, err := store.SaveScheduledEmail(ctx, models.ScheduledEmail{
			EmailTemplateID: &f.templateID,
			RecipientType:   models.AllClientsRecipient,
			Subject:         "Hello",
			Body:            "<p>Hi</p>",
			ScheduledDate:   now,
			CreatedBy:       f.ownerID,
		})
		require.NoError(t, err)
		require.NoError(t, store.SaveLog(ctx, models.WorkflowLog{
			ScheduledEmailID: &emailID, Action: models.ScheduledEmailLogAction,
			Status: models.FailureLogStatus, Message: "bounced",
		}))

		logs, err := store.ListLogs(ctx, wfID, 10)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "no recipients", logs[0].Message)
		require.NotNil(t, logs[0].StepID)
		assert.Equal(t, stepID, *logs[0].StepID)

		limited, err := store.ListLogs(ctx, wfID, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		failures, err := store.FailuresSince(ctx, f.ownerID, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, failures, 2)
		messages := []string{failures[0].Message, failures[1].Message}
		assert.ElementsMatch(t, []string{"no recipients", "bounced"}, messages)
		for _, l := range failures {
			if l.Message == "bounced" {
				require.NotNil(t, l.ScheduledEmailID)
				assert.Equal(t, emailID, *l.ScheduledEmailID)
			}
		}

		failures, err = store.FailuresSince(ctx, f.ownerID+1000, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, failures)
	})

	t.Run("Scheduled emails", func(t *testing.T) {
		store := newTxStore(t)
		recipient := "ada@example.com"
		due, err := store.SaveScheduledEmail(ctx, models.ScheduledEmail{
			EmailTemplateID: &f.templateID,
			Recipient:       &recipient,
			RecipientType:   models.ClientRecipient,
			Subject:         "Hello",
			Body:            "<p>Hi</p>",
			ScheduledDate:   now.Add(-time.Minute),
			CreatedBy:       f.ownerID,
		})
		require.NoError(t, err)
		later, err := store.SaveScheduledEmail(ctx, models.ScheduledEmail{
			RecipientType: models.ClientGroupRecipient,
			RecipientData: models.JSONMap{"group_id": f.groupID},
			Subject:       "Later",
			Body:          "<p>Later</p>",
			ScheduledDate: now.Add(time.Hour),
			CreatedBy:     f.ownerID,
		})
		require.NoError(t, err)

		dueEmails, err := store.DueScheduledEmails(ctx, now)
		require.NoError(t, err)
		require.Len(t, dueEmails, 1)
		assert.Equal(t, due, dueEmails[0].ID)
		assert.Equal(t, models.ScheduledEmailStatusScheduled, dueEmails[0].Status)

		require.NoError(t, store.MarkScheduledEmailSent(ctx, due, now))
		sent, err := store.GetScheduledEmail(ctx, due)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusSent, sent.Status)
		require.NotNil(t, sent.SentDate)

		// Only scheduled rows can be deleted.
		ok, err := store.DeleteScheduledEmail(ctx, due)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkScheduledEmailFailed(ctx, later, "smtp down"))
		failed, err := store.GetScheduledEmail(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusFailed, failed.Status)
		require.NotNil(t, failed.ErrorMessage)
		assert.Equal(t, "smtp down", *failed.ErrorMessage)
		groupID, ok := failed.RecipientData.Int64("group_id")
		assert.True(t, ok)
		assert.Equal(t, f.groupID, groupID)

		list, err := store.ListScheduledEmails(ctx, f.ownerID)
		require.NoError(t, err)
		assert.Len(t, list, 2)
		assert.Equal(t, later, list[0].ID)

		_, err = store.GetScheduledEmail(ctx, 999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteScheduledEmail removes scheduled rows", func(t *testing.T) {
		store := newTxStore(t)
		id, err := store.SaveScheduledEmail(ctx, models.ScheduledEmail{
			RecipientType: models.AllClientsRecipient,
			Subject:       "News",
			Body:          "<p>News</p>",
			ScheduledDate: now.Add(time.Hour),
			CreatedBy:     f.ownerID,
		})
		require.NoError(t, err)

		ok, err := store.DeleteScheduledEmail(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = store.GetScheduledEmail(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Directory lookups", func(t *testing.T) {
		store := newTxStore(t)

		tmpl, err := store.GetTemplate(ctx, f.templateID)
		require.NoError(t, err)
		assert.Equal(t, "Hi {{name}}", tmpl.Subject)
		_, err = store.GetTemplate(ctx, 999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		client, err := store.GetClient(ctx, f.clientIDs[0])
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", client.Email)
		assert.Equal(t, "active", client.Status)

		members, err := store.GroupClients(ctx, f.groupID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, f.clientIDs[1], members[0].ID)

		all, err := store.OwnerClients(ctx, f.ownerID)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		none, err := store.OwnerClients(ctx, f.otherOwner)
		require.NoError(t, err)
		assert.Empty(t, none)

		inv, err := store.GetInvoice(ctx, f.invoiceIDs[0])
		require.NoError(t, err)
		assert.Equal(t, "INV-001", inv.Number)
		assert.Equal(t, f.clientIDs[0], inv.ClientID)
	})

	t.Run("InvoicesDueBetween", func(t *testing.T) {
		store := newTxStore(t)
		statuses := []string{models.InvoiceStatusSent}

		soon, err := store.InvoicesDueBetween(ctx, now, now.Add(72*time.Hour), statuses)
		require.NoError(t, err)
		require.Len(t, soon, 1)
		assert.Equal(t, f.invoiceIDs[0], soon[0].ID)

		overdue, err := store.InvoicesDueBetween(ctx, now.Add(-30*24*time.Hour), now, statuses)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, f.invoiceIDs[2], overdue[0].ID)
	})

	t.Run("UpdateEntityStatus", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.UpdateEntityStatus(ctx, models.EntityInvoice, f.invoiceIDs[2], models.InvoiceStatusOverdue))
		inv, err := store.GetInvoice(ctx, f.invoiceIDs[2])
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusOverdue, inv.Status)

		require.NoError(t, store.UpdateEntityStatus(ctx, models.EntityClient, f.clientIDs[1], "inactive"))
		client, err := store.GetClient(ctx, f.clientIDs[1])
		require.NoError(t, err)
		assert.Equal(t, "inactive", client.Status)

		assert.Error(t, store.UpdateEntityStatus(ctx, "project", 1, "done"))
		assert.ErrorIs(t, store.UpdateEntityStatus(ctx, models.EntityInvoice, 999999, "paid"), storage.ErrNotFound)
	})

	t.Run("Rollback discards writes", func(t *testing.T) {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		wfID := saveWorkflow(t, tx, "temporary", models.InvoiceCreatedTrigger, true, now)
		require.NoError(t, tx.Rollback())

		_, err = store.GetWorkflow(ctx, wfID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Error(t, store.Commit(), "commit outside a transaction")
	})
}
