package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/service"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const owner = int64(1)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg mailer.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func to(addr string) interface{} {
	return mock.MatchedBy(func(msg mailer.Message) bool { return msg.To == addr })
}

// engine wires every service over one mock store with a controllable clock.
type engine struct {
	store     *storage.MockStore
	sender    *mockSender
	now       time.Time
	triggers  *service.TriggerService
	advancer  *service.Advancer
	scheduled *service.ScheduledEmailService
	workflows *service.WorkflowService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{
		store:  storage.NewMockStore(),
		sender: &mockSender{},
		now:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := service.WithClock(func() time.Time { return e.now })
	e.triggers = service.NewTriggerService(e.store, logger{}, clock)
	e.advancer = service.NewAdvancer(e.store, e.sender, logger{}, clock)
	e.scheduled = service.NewScheduledEmailService(e.store, e.sender, logger{}, clock)
	e.workflows = service.NewWorkflowService(e.store, logger{}, clock)
	return e
}

func step(t *testing.T, a models.Action) service.NewStep {
	t.Helper()
	at, data, err := models.EncodeAction(a)
	require.NoError(t, err)
	return service.NewStep{ActionType: at, ActionData: data}
}

func (e *engine) createWorkflow(t *testing.T, tt models.TriggerType, active bool, steps ...service.NewStep) models.Workflow {
	t.Helper()
	id, err := e.workflows.CreateWorkflow(context.Background(), service.NewWorkflow{
		Name:        "wf-" + string(tt),
		TriggerType: tt,
		IsActive:    active,
		OwnerID:     owner,
		Steps:       steps,
	})
	require.NoError(t, err)
	wf, err := e.workflows.GetWorkflow(context.Background(), id, owner)
	require.NoError(t, err)
	return wf
}

func (e *engine) advance(t *testing.T) service.AdvanceReport {
	t.Helper()
	report, err := e.advancer.Advance(context.Background())
	require.NoError(t, err)
	return report
}

func (e *engine) stepStatuses(t *testing.T, workflowID int64) []models.StepStatus {
	t.Helper()
	wf, err := e.store.GetWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	statuses := make([]models.StepStatus, len(wf.Steps))
	for i, s := range wf.Steps {
		statuses[i] = s.Status
	}
	return statuses
}

func (e *engine) logsFor(workflowID int64, action string) []models.WorkflowLog {
	var out []models.WorkflowLog
	for _, l := range e.store.Logs() {
		if l.WorkflowID != nil && *l.WorkflowID == workflowID && l.Action == action {
			out = append(out, l)
		}
	}
	return out
}

func (e *engine) addClient(name, email string) int64 {
	return e.store.AddClient(models.Client{Name: name, Email: email, CreatedBy: owner})
}

func (e *engine) addTemplate(name string) int64 {
	return e.store.AddTemplate(models.EmailTemplate{
		Name:      name,
		Subject:   "Hello {{name}}",
		Body:      "<p>Hi {{name}}</p>",
		CreatedBy: owner,
	})
}

func intPtr(v int) *int {
	return &v
}

func id64(v int64) *int64 {
	return &v
}
