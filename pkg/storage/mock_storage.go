package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/autoflow/pkg/models"
	"github.com/pkg/errors"
)

// mockState is the in-memory database shared by a MockStore and its transactions.
type mockState struct {
	workflows       map[int64]models.Workflow
	steps           map[int64]models.WorkflowStep
	triggers        map[int64]models.WorkflowTrigger
	logs            []models.WorkflowLog
	scheduledEmails map[int64]models.ScheduledEmail
	clients         map[int64]models.Client
	groups          map[int64][]int64 // group ID -> client IDs
	templates       map[int64]models.EmailTemplate
	invoices        map[int64]models.Invoice
	nextID          int64
}

func (s *mockState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *mockState) clone() *mockState {
	c := &mockState{
		workflows:       make(map[int64]models.Workflow, len(s.workflows)),
		steps:           make(map[int64]models.WorkflowStep, len(s.steps)),
		triggers:        make(map[int64]models.WorkflowTrigger, len(s.triggers)),
		logs:            slices.Clone(s.logs),
		scheduledEmails: make(map[int64]models.ScheduledEmail, len(s.scheduledEmails)),
		clients:         make(map[int64]models.Client, len(s.clients)),
		groups:          make(map[int64][]int64, len(s.groups)),
		templates:       make(map[int64]models.EmailTemplate, len(s.templates)),
		invoices:        make(map[int64]models.Invoice, len(s.invoices)),
		nextID:          s.nextID,
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = v
	}
	for k, v := range s.triggers {
		c.triggers[k] = v
	}
	for k, v := range s.scheduledEmails {
		c.scheduledEmails[k] = v
	}
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = slices.Clone(v)
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	return c
}

// MockStore implements Store with in-memory storage. Transactions snapshot the state
// on Begin and restore it on Rollback.
type MockStore struct {
	mu       *sync.Mutex
	state    **mockState
	snapshot *mockState
	inTx     bool
	done     bool
}

func NewMockStore() *MockStore {
	state := &mockState{
		workflows:       map[int64]models.Workflow{},
		steps:           map[int64]models.WorkflowStep{},
		triggers:        map[int64]models.WorkflowTrigger{},
		scheduledEmails: map[int64]models.ScheduledEmail{},
		clients:         map[int64]models.Client{},
		groups:          map[int64][]int64{},
		templates:       map[int64]models.EmailTemplate{},
		invoices:        map[int64]models.Invoice{},
	}
	return &MockStore{mu: &sync.Mutex{}, state: &state}
}

func (m *MockStore) lock() (*mockState, func()) {
	m.mu.Lock()
	return *m.state, m.mu.Unlock
}

func (m *MockStore) Begin(ctx context.Context) (Store, error) {
	if m.inTx {
		return m, nil
	}
	st, unlock := m.lock()
	defer unlock()
	return &MockStore{mu: m.mu, state: m.state, snapshot: st.clone(), inTx: true}, nil
}

func (m *MockStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	return nil
}

func (m *MockStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.mu.Lock()
	*m.state = m.snapshot
	m.mu.Unlock()
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error) {
	st, unlock := m.lock()
	defer unlock()
	w.ID = st.id()
	w.Steps = nil
	st.workflows[w.ID] = w
	return w.ID, nil
}

func (m *MockStore) GetWorkflow(ctx context.Context, id int64) (models.Workflow, error) {
	st, unlock := m.lock()
	defer unlock()
	wf, ok := st.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	wf.Steps = st.workflowSteps(id)
	return wf, nil
}

func (m *MockStore) ListWorkflows(ctx context.Context, ownerID int64) ([]models.Workflow, error) {
	st, unlock := m.lock()
	defer unlock()
	workflows := []models.Workflow{}
	for _, wf := range st.workflows {
		if wf.CreatedBy == ownerID {
			workflows = append(workflows, wf)
		}
	}
	sort.Slice(workflows, func(i, j int) bool {
		if !workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
		}
		return workflows[i].ID > workflows[j].ID
	})
	return workflows, nil
}

func (m *MockStore) ActiveWorkflows(ctx context.Context, triggerType models.TriggerType, ownerID int64) ([]models.Workflow, error) {
	st, unlock := m.lock()
	defer unlock()
	workflows := []models.Workflow{}
	for _, wf := range st.workflows {
		if wf.TriggerType == triggerType && wf.IsActive && wf.CreatedBy == ownerID {
			workflows = append(workflows, wf)
		}
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })
	return workflows, nil
}

func (m *MockStore) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	st, unlock := m.lock()
	defer unlock()
	wf, ok := st.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.IsActive = active
	st.workflows[id] = wf
	return nil
}

func (m *MockStore) DeleteWorkflow(ctx context.Context, id int64) error {
	st, unlock := m.lock()
	defer unlock()
	if _, ok := st.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(st.workflows, id)
	for sid, s := range st.steps {
		if s.WorkflowID == id {
			delete(st.steps, sid)
		}
	}
	for tid, t := range st.triggers {
		if t.WorkflowID == id {
			delete(st.triggers, tid)
		}
	}
	st.logs = slices.DeleteFunc(st.logs, func(l models.WorkflowLog) bool {
		return l.WorkflowID != nil && *l.WorkflowID == id
	})
	return nil
}

func (m *MockStore) WorkflowRunning(ctx context.Context, id int64) (bool, error) {
	st, unlock := m.lock()
	defer unlock()
	if _, ok := st.workflows[id]; !ok {
		return false, ErrNotFound
	}
	for _, s := range st.steps {
		if s.WorkflowID == id && (s.Status == models.PendingStepStatus || s.Status == models.InProgressStepStatus) {
			return true, nil
		}
	}
	return false, nil
}

func (s *mockState) workflowSteps(workflowID int64) []models.WorkflowStep {
	var steps []models.WorkflowStep
	for _, step := range s.steps {
		if step.WorkflowID == workflowID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepOrder != steps[j].StepOrder {
			return steps[i].StepOrder < steps[j].StepOrder
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

func (m *MockStore) SaveStep(ctx context.Context, s models.WorkflowStep) (int64, error) {
	st, unlock := m.lock()
	defer unlock()
	if _, ok := st.workflows[s.WorkflowID]; !ok {
		return 0, fmt.Errorf("save step: workflow %d does not exist", s.WorkflowID)
	}
	if s.Status == "" {
		s.Status = models.IdleStepStatus
	}
	s.ID = st.id()
	s.CreatedAt = time.Now()
	st.steps[s.ID] = s
	return s.ID, nil
}

func (m *MockStore) GetStep(ctx context.Context, id int64) (models.WorkflowStep, error) {
	st, unlock := m.lock()
	defer unlock()
	s, ok := st.steps[id]
	if !ok {
		return models.WorkflowStep{}, ErrNotFound
	}
	return s, nil
}

func (m *MockStore) FirstStep(ctx context.Context, workflowID int64) (models.WorkflowStep, error) {
	st, unlock := m.lock()
	defer unlock()
	steps := st.workflowSteps(workflowID)
	if len(steps) == 0 {
		return models.WorkflowStep{}, ErrNotFound
	}
	return steps[0], nil
}

func (m *MockStore) StepByOrder(ctx context.Context, workflowID int64, order int) (models.WorkflowStep, error) {
	st, unlock := m.lock()
	defer unlock()
	for _, s := range st.workflowSteps(workflowID) {
		if s.StepOrder == order {
			return s, nil
		}
	}
	return models.WorkflowStep{}, ErrNotFound
}

func (s *mockState) joinSteps(match func(models.WorkflowStep) bool) []models.PendingStep {
	var out []models.PendingStep
	for _, step := range s.steps {
		if !match(step) {
			continue
		}
		wf := s.workflows[step.WorkflowID]
		p := models.PendingStep{WorkflowStep: step, WorkflowName: wf.Name, OwnerID: wf.CreatedBy}
		if step.TriggerID != nil {
			if t, ok := s.triggers[*step.TriggerID]; ok {
				tt := t.TriggerType
				p.TriggerType = &tt
				p.TriggerEntityID = t.EntityID
				p.TriggerData = t.TriggerData
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WorkflowID != b.WorkflowID {
			return a.WorkflowID < b.WorkflowID
		}
		if a.StepOrder != b.StepOrder {
			return a.StepOrder < b.StepOrder
		}
		return a.ID < b.ID
	})
	return out
}

func (m *MockStore) PendingSteps(ctx context.Context) ([]models.PendingStep, error) {
	st, unlock := m.lock()
	defer unlock()
	return st.joinSteps(func(s models.WorkflowStep) bool {
		return s.Status == models.PendingStepStatus
	}), nil
}

func (m *MockStore) ExpiredWaits(ctx context.Context, now time.Time) ([]models.PendingStep, error) {
	st, unlock := m.lock()
	defer unlock()
	return st.joinSteps(func(s models.WorkflowStep) bool {
		return s.Status == models.InProgressStepStatus && s.ActionType == models.WaitActionType &&
			s.ExecutionTime != nil && !s.ExecutionTime.After(now)
	}), nil
}

func (m *MockStore) ClaimStep(ctx context.Context, id int64, now time.Time) (bool, error) {
	st, unlock := m.lock()
	defer unlock()
	s, ok := st.steps[id]
	if !ok || s.Status != models.PendingStepStatus {
		return false, nil
	}
	s.Status = models.InProgressStepStatus
	s.ExecutionTime = &now
	st.steps[id] = s
	return true, nil
}

func (m *MockStore) ActivateStep(ctx context.Context, id int64, triggerID *int64) error {
	st, unlock := m.lock()
	defer unlock()
	s, ok := st.steps[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = models.PendingStepStatus
	s.ExecutionTime = nil
	s.TriggerID = triggerID
	st.steps[id] = s
	return nil
}

func (m *MockStore) UpdateStepStatus(ctx context.Context, id int64, status models.StepStatus) error {
	st, unlock := m.lock()
	defer unlock()
	s, ok := st.steps[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	st.steps[id] = s
	return nil
}

func (m *MockStore) SetStepExecutionTime(ctx context.Context, id int64, t time.Time) error {
	st, unlock := m.lock()
	defer unlock()
	s, ok := st.steps[id]
	if !ok {
		return ErrNotFound
	}
	s.ExecutionTime = &t
	st.steps[id] = s
	return nil
}

func (m *MockStore) SaveTrigger(ctx context.Context, t models.WorkflowTrigger) (int64, error) {
	st, unlock := m.lock()
	defer unlock()
	if t.Status == "" {
		t.Status = models.TriggeredTriggerStatus
	}
	t.ID = st.id()
	t.CreatedAt = time.Now()
	st.triggers[t.ID] = t
	return t.ID, nil
}

func (m *MockStore) GetTrigger(ctx context.Context, id int64) (models.WorkflowTrigger, error) {
	st, unlock := m.lock()
	defer unlock()
	t, ok := st.triggers[id]
	if !ok {
		return models.WorkflowTrigger{}, ErrNotFound
	}
	return t, nil
}

func (m *MockStore) UpdateTriggerStatus(ctx context.Context, id int64, status models.TriggerStatus) error {
	st, unlock := m.lock()
	defer unlock()
	t, ok := st.triggers[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	st.triggers[id] = t
	return nil
}

func (m *MockStore) SaveLog(ctx context.Context, l models.WorkflowLog) error {
	st, unlock := m.lock()
	defer unlock()
	l.ID = st.id()
	l.CreatedAt = time.Now()
	st.logs = append(st.logs, l)
	return nil
}

func (m *MockStore) ListLogs(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowLog, error) {
	st, unlock := m.lock()
	defer unlock()
	logs := []models.WorkflowLog{}
	for i := len(st.logs) - 1; i >= 0 && len(logs) < limit; i-- {
		l := st.logs[i]
		if l.WorkflowID != nil && *l.WorkflowID == workflowID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func (m *MockStore) FailuresSince(ctx context.Context, ownerID int64, since time.Time) ([]models.WorkflowLog, error) {
	st, unlock := m.lock()
	defer unlock()
	logs := []models.WorkflowLog{}
	for i := len(st.logs) - 1; i >= 0; i-- {
		l := st.logs[i]
		if l.Status != models.FailureLogStatus || !l.CreatedAt.After(since) {
			continue
		}
		if st.logOwner(l) == ownerID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

// logOwner resolves the user a log row belongs to through its workflow or scheduled email.
func (s *mockState) logOwner(l models.WorkflowLog) int64 {
	if l.WorkflowID != nil {
		if wf, ok := s.workflows[*l.WorkflowID]; ok {
			return wf.CreatedBy
		}
	}
	if l.ScheduledEmailID != nil {
		if e, ok := s.scheduledEmails[*l.ScheduledEmailID]; ok {
			return e.CreatedBy
		}
	}
	return 0
}

func (m *MockStore) SaveScheduledEmail(ctx context.Context, e models.ScheduledEmail) (int64, error) {
	st, unlock := m.lock()
	defer unlock()
	if e.Status == "" {
		e.Status = models.ScheduledEmailStatusScheduled
	}
	e.ID = st.id()
	e.CreatedAt = time.Now()
	st.scheduledEmails[e.ID] = e
	return e.ID, nil
}

func (m *MockStore) GetScheduledEmail(ctx context.Context, id int64) (models.ScheduledEmail, error) {
	st, unlock := m.lock()
	defer unlock()
	e, ok := st.scheduledEmails[id]
	if !ok {
		return models.ScheduledEmail{}, ErrNotFound
	}
	return e, nil
}

func (m *MockStore) ListScheduledEmails(ctx context.Context, ownerID int64) ([]models.ScheduledEmail, error) {
	st, unlock := m.lock()
	defer unlock()
	emails := []models.ScheduledEmail{}
	for _, e := range st.scheduledEmails {
		if e.CreatedBy == ownerID {
			emails = append(emails, e)
		}
	}
	sort.Slice(emails, func(i, j int) bool { return emails[i].ScheduledDate.After(emails[j].ScheduledDate) })
	return emails, nil
}

func (m *MockStore) DueScheduledEmails(ctx context.Context, now time.Time) ([]models.ScheduledEmail, error) {
	st, unlock := m.lock()
	defer unlock()
	emails := []models.ScheduledEmail{}
	for _, e := range st.scheduledEmails {
		if e.Status == models.ScheduledEmailStatusScheduled && !e.ScheduledDate.After(now) {
			emails = append(emails, e)
		}
	}
	sort.Slice(emails, func(i, j int) bool {
		if !emails[i].ScheduledDate.Equal(emails[j].ScheduledDate) {
			return emails[i].ScheduledDate.Before(emails[j].ScheduledDate)
		}
		return emails[i].ID < emails[j].ID
	})
	return emails, nil
}

func (m *MockStore) MarkScheduledEmailSent(ctx context.Context, id int64, sentAt time.Time) error {
	st, unlock := m.lock()
	defer unlock()
	e, ok := st.scheduledEmails[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.ScheduledEmailStatusSent
	e.SentDate = &sentAt
	e.ErrorMessage = nil
	st.scheduledEmails[id] = e
	return nil
}

func (m *MockStore) MarkScheduledEmailFailed(ctx context.Context, id int64, errMsg string) error {
	st, unlock := m.lock()
	defer unlock()
	e, ok := st.scheduledEmails[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.ScheduledEmailStatusFailed
	e.ErrorMessage = &errMsg
	st.scheduledEmails[id] = e
	return nil
}

func (m *MockStore) DeleteScheduledEmail(ctx context.Context, id int64) (bool, error) {
	st, unlock := m.lock()
	defer unlock()
	e, ok := st.scheduledEmails[id]
	if !ok || e.Status != models.ScheduledEmailStatusScheduled {
		return false, nil
	}
	delete(st.scheduledEmails, id)
	return true, nil
}

func (m *MockStore) GetTemplate(ctx context.Context, id int64) (models.EmailTemplate, error) {
	st, unlock := m.lock()
	defer unlock()
	t, ok := st.templates[id]
	if !ok {
		return models.EmailTemplate{}, ErrNotFound
	}
	return t, nil
}

func (m *MockStore) GetClient(ctx context.Context, id int64) (models.Client, error) {
	st, unlock := m.lock()
	defer unlock()
	c, ok := st.clients[id]
	if !ok {
		return models.Client{}, ErrNotFound
	}
	return c, nil
}

func (m *MockStore) GroupClients(ctx context.Context, groupID int64) ([]models.Client, error) {
	st, unlock := m.lock()
	defer unlock()
	clients := []models.Client{}
	for _, id := range st.groups[groupID] {
		if c, ok := st.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	return clients, nil
}

func (m *MockStore) OwnerClients(ctx context.Context, ownerID int64) ([]models.Client, error) {
	st, unlock := m.lock()
	defer unlock()
	clients := []models.Client{}
	for _, c := range st.clients {
		if c.CreatedBy == ownerID {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

func (m *MockStore) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	st, unlock := m.lock()
	defer unlock()
	inv, ok := st.invoices[id]
	if !ok {
		return models.Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (m *MockStore) InvoicesDueBetween(ctx context.Context, from, to time.Time, statuses []string) ([]models.Invoice, error) {
	st, unlock := m.lock()
	defer unlock()
	invoices := []models.Invoice{}
	for _, inv := range st.invoices {
		if !inv.DueDate.Before(from) && inv.DueDate.Before(to) && slices.Contains(statuses, inv.Status) {
			invoices = append(invoices, inv)
		}
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].ID < invoices[j].ID })
	return invoices, nil
}

func (m *MockStore) UpdateEntityStatus(ctx context.Context, entityType string, id int64, status string) error {
	st, unlock := m.lock()
	defer unlock()
	switch entityType {
	case models.EntityInvoice:
		inv, ok := st.invoices[id]
		if !ok {
			return ErrNotFound
		}
		inv.Status = status
		st.invoices[id] = inv
	case models.EntityClient:
		c, ok := st.clients[id]
		if !ok {
			return ErrNotFound
		}
		c.Status = status
		st.clients[id] = c
	default:
		return fmt.Errorf("unsupported entity type %q", entityType)
	}
	return nil
}

// Seeding and inspection helpers for tests and examples.

func (m *MockStore) AddClient(c models.Client) int64 {
	st, unlock := m.lock()
	defer unlock()
	c.ID = st.id()
	if c.Status == "" {
		c.Status = "active"
	}
	st.clients[c.ID] = c
	return c.ID
}

func (m *MockStore) AddGroup(clientIDs ...int64) int64 {
	st, unlock := m.lock()
	defer unlock()
	id := st.id()
	st.groups[id] = slices.Clone(clientIDs)
	return id
}

func (m *MockStore) AddTemplate(t models.EmailTemplate) int64 {
	st, unlock := m.lock()
	defer unlock()
	t.ID = st.id()
	st.templates[t.ID] = t
	return t.ID
}

func (m *MockStore) AddInvoice(inv models.Invoice) int64 {
	st, unlock := m.lock()
	defer unlock()
	inv.ID = st.id()
	st.invoices[inv.ID] = inv
	return inv.ID
}

func (m *MockStore) Logs() []models.WorkflowLog {
	st, unlock := m.lock()
	defer unlock()
	return slices.Clone(st.logs)
}

func (m *MockStore) Triggers() []models.WorkflowTrigger {
	st, unlock := m.lock()
	defer unlock()
	triggers := make([]models.WorkflowTrigger, 0, len(st.triggers))
	for _, t := range st.triggers {
		triggers = append(triggers, t)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].ID < triggers[j].ID })
	return triggers
}
