package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestScheduledEmailService_Schedule(t *testing.T) {
	ctx := context.Background()

	t.Run("SnapshotsTemplate", func(t *testing.T) {
		e := newEngine(t)
		client := e.addClient("Ada", "ada@example.com")
		tmpl := e.addTemplate("Reminder")

		id, err := e.scheduled.Schedule(ctx, service.ScheduleRequest{
			OwnerID: owner, TemplateID: tmpl, RecipientType: models.ClientRecipient, ClientID: id64(client),
			ScheduledDate: e.now.Add(time.Hour),
		})
		require.NoError(t, err)

		got, err := e.store.GetScheduledEmail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusScheduled, got.Status)
		assert.Equal(t, "Hello {{name}}", got.Subject)
		assert.Equal(t, "<p>Hi {{name}}</p>", got.Body)
		v, ok := got.RecipientData.Int64("client_id")
		assert.True(t, ok)
		assert.Equal(t, client, v)
	})

	t.Run("Validation", func(t *testing.T) {
		e := newEngine(t)
		tmpl := e.addTemplate("Reminder")
		cases := map[string]service.ScheduleRequest{
			"MissingDate":      {OwnerID: owner, TemplateID: tmpl, Recipient: "a@example.com"},
			"BadAddress":       {OwnerID: owner, TemplateID: tmpl, Recipient: "not-an-address", ScheduledDate: e.now},
			"NoRecipient":      {OwnerID: owner, TemplateID: tmpl, ScheduledDate: e.now},
			"GroupWithoutID":   {OwnerID: owner, TemplateID: tmpl, RecipientType: models.ClientGroupRecipient, ScheduledDate: e.now},
			"UnknownRecipient": {OwnerID: owner, TemplateID: tmpl, RecipientType: "everyone", ScheduledDate: e.now},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := e.scheduled.Schedule(ctx, req)
				assert.ErrorIs(t, err, service.ErrInvalidSchedule)
			})
		}
	})

	t.Run("ForeignTemplate", func(t *testing.T) {
		e := newEngine(t)
		tmpl := e.store.AddTemplate(models.EmailTemplate{Name: "Foreign", CreatedBy: owner + 1})
		_, err := e.scheduled.Schedule(ctx, service.ScheduleRequest{
			OwnerID: owner, TemplateID: tmpl, Recipient: "a@example.com", ScheduledDate: e.now,
		})
		assert.ErrorIs(t, err, service.ErrTemplateNotFound)
	})
}

func TestScheduledEmailService_RunDue(t *testing.T) {
	ctx := context.Background()

	schedule := func(t *testing.T, e *engine, req service.ScheduleRequest) int64 {
		t.Helper()
		req.OwnerID = owner
		if req.TemplateID == 0 {
			req.TemplateID = e.addTemplate("Reminder")
		}
		id, err := e.scheduled.Schedule(ctx, req)
		require.NoError(t, err)
		return id
	}

	t.Run("SendsOnlyDueRows", func(t *testing.T) {
		e := newEngine(t)
		due := schedule(t, e, service.ScheduleRequest{Recipient: "due@example.com", ScheduledDate: e.now.Add(-time.Minute)})
		later := schedule(t, e, service.ScheduleRequest{Recipient: "later@example.com", ScheduledDate: e.now.Add(time.Hour)})

		e.sender.On("Send", mock.Anything, to("due@example.com")).Return(nil).Once()
		report, err := e.scheduled.RunDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, service.ScheduledRunReport{Processed: 1, Sent: 1}, report)
		e.sender.AssertExpectations(t)

		sent, err := e.store.GetScheduledEmail(ctx, due)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusSent, sent.Status)
		require.NotNil(t, sent.SentDate)
		assert.True(t, sent.SentDate.Equal(e.now))

		pending, err := e.store.GetScheduledEmail(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusScheduled, pending.Status)

		// Sent rows are not picked up again.
		report, err = e.scheduled.RunDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Processed)
	})

	t.Run("FailureMarksRowAndContinues", func(t *testing.T) {
		e := newEngine(t)
		bad := schedule(t, e, service.ScheduleRequest{Recipient: "bad@example.com", ScheduledDate: e.now.Add(-2 * time.Minute)})
		good := schedule(t, e, service.ScheduleRequest{Recipient: "good@example.com", ScheduledDate: e.now.Add(-time.Minute)})

		e.sender.On("Send", mock.Anything, to("bad@example.com")).Return(errors.New("rejected")).Once()
		e.sender.On("Send", mock.Anything, to("good@example.com")).Return(nil).Once()
		report, err := e.scheduled.RunDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, service.ScheduledRunReport{Processed: 2, Sent: 1, Failed: 1}, report)

		failed, err := e.store.GetScheduledEmail(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusFailed, failed.Status)
		require.NotNil(t, failed.ErrorMessage)
		assert.Contains(t, *failed.ErrorMessage, "rejected")

		sent, err := e.store.GetScheduledEmail(ctx, good)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusSent, sent.Status)

		logs := e.store.Logs()
		require.Len(t, logs, 1)
		assert.Nil(t, logs[0].WorkflowID)
		require.NotNil(t, logs[0].ScheduledEmailID)
		assert.Equal(t, bad, *logs[0].ScheduledEmailID)
		assert.Equal(t, models.ScheduledEmailLogAction, logs[0].Action)
		assert.Equal(t, models.FailureLogStatus, logs[0].Status)

		failures, err := e.workflows.RecentFailures(ctx, owner, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, models.ScheduledEmailLogAction, failures[0].Action)

		failures, err = e.workflows.RecentFailures(ctx, owner+1, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, failures)
	})

	t.Run("GroupRecipientsRendered", func(t *testing.T) {
		e := newEngine(t)
		ada := e.addClient("Ada", "ada@example.com")
		grace := e.addClient("Grace", "grace@example.com")
		group := e.store.AddGroup(ada, grace)
		schedule(t, e, service.ScheduleRequest{
			RecipientType: models.ClientGroupRecipient, GroupID: id64(group), ScheduledDate: e.now,
		})

		e.sender.On("Send", mock.Anything, mock.MatchedBy(func(msg mailer.Message) bool {
			return msg.Subject == "Hello "+map[string]string{"ada@example.com": "Ada", "grace@example.com": "Grace"}[msg.To]
		})).Return(nil).Twice()
		report, err := e.scheduled.RunDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent)
		e.sender.AssertExpectations(t)
	})

	t.Run("DeletedClientFails", func(t *testing.T) {
		e := newEngine(t)
		id := schedule(t, e, service.ScheduleRequest{
			RecipientType: models.ClientRecipient, ClientID: id64(404), ScheduledDate: e.now,
		})
		report, err := e.scheduled.RunDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		got, err := e.store.GetScheduledEmail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusFailed, got.Status)
	})
}

func TestScheduledEmailService_Cancel(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	tmpl := e.addTemplate("Reminder")
	newEmail := func(t *testing.T, at time.Time) int64 {
		id, err := e.scheduled.Schedule(ctx, service.ScheduleRequest{
			OwnerID: owner, TemplateID: tmpl, Recipient: "a@example.com", ScheduledDate: at,
		})
		require.NoError(t, err)
		return id
	}

	t.Run("WhileScheduled", func(t *testing.T) {
		id := newEmail(t, e.now.Add(time.Hour))
		res, err := e.scheduled.Cancel(ctx, id, owner)
		require.NoError(t, err)
		assert.True(t, res.Success, res.Message)
		_, err = e.store.GetScheduledEmail(ctx, id)
		assert.Error(t, err)
	})

	t.Run("AlreadySent", func(t *testing.T) {
		id := newEmail(t, e.now.Add(-time.Minute))
		e.sender.On("Send", mock.Anything, mock.Anything).Return(nil).Once()
		_, err := e.scheduled.RunDue(ctx)
		require.NoError(t, err)

		res, err := e.scheduled.Cancel(ctx, id, owner)
		assert.ErrorIs(t, err, service.ErrScheduledEmailNotPending)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "sent")
		got, err := e.store.GetScheduledEmail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledEmailStatusSent, got.Status)
	})

	t.Run("OtherOwner", func(t *testing.T) {
		id := newEmail(t, e.now.Add(time.Hour))
		res, err := e.scheduled.Cancel(ctx, id, owner+1)
		assert.ErrorIs(t, err, service.ErrScheduledEmailNotFound)
		assert.False(t, res.Success)
		_, err = e.store.GetScheduledEmail(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		res, err := e.scheduled.Cancel(ctx, 12345, owner)
		assert.ErrorIs(t, err, service.ErrScheduledEmailNotFound)
		assert.False(t, res.Success)
	})
}
