// Package memory provides an in-memory implementation of the engine's store
// interfaces. It is suitable for testing and development; the single store
// mutex gives the same single-writer-per-instance guarantee the Postgres
// implementation gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// Store holds all data; the per-entity views share it.
type Store struct {
	mu sync.Mutex

	definitions map[string]*repository.WorkflowDefinition
	defSteps    map[string][]*repository.ApprovalStep // workflowID -> steps
	instances   map[string]*repository.ApprovalInstance
	instSteps   map[string][]*repository.InstanceStep // instanceID -> steps
	actions     map[string][]*repository.ApprovalAction
}

// New creates an empty store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*repository.WorkflowDefinition),
		defSteps:    make(map[string][]*repository.ApprovalStep),
		instances:   make(map[string]*repository.ApprovalInstance),
		instSteps:   make(map[string][]*repository.InstanceStep),
		actions:     make(map[string][]*repository.ApprovalAction),
	}
}

// Workflows returns the workflow-definition view.
func (s *Store) Workflows() *WorkflowStore { return &WorkflowStore{s: s} }

// Instances returns the approval-instance view.
func (s *Store) Instances() *InstanceStore { return &InstanceStore{s: s} }

// Actions returns the action-log view.
func (s *Store) Actions() *ActionStore { return &ActionStore{s: s} }

// ── workflow definitions ─────────────────────────────────────────────────────

// WorkflowStore is the in-memory workflow definition store.
type WorkflowStore struct {
	s *Store
}

func (w *WorkflowStore) Create(ctx context.Context, def *repository.WorkflowDefinition, steps []*repository.ApprovalStep) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	w.s.definitions[def.ID] = def

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = def.ID
		step.CreatedAt = now
		step.UpdatedAt = now
	}
	w.s.defSteps[def.ID] = steps
	return nil
}

func (w *WorkflowStore) GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	def, ok := w.s.definitions[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return def, nil
}

func (w *WorkflowStore) GetSteps(ctx context.Context, workflowID string) ([]*repository.ApprovalStep, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if _, ok := w.s.definitions[workflowID]; !ok {
		return nil, errors.NotFound("workflow_definition", workflowID)
	}
	steps := append([]*repository.ApprovalStep(nil), w.s.defSteps[workflowID]...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func (w *WorkflowStore) List(ctx context.Context, companyID string, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	var defs []*repository.WorkflowDefinition
	for _, def := range w.s.definitions {
		if def.CompanyID != companyID {
			continue
		}
		if activeOnly && !def.IsActive {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (w *WorkflowStore) ListActive(ctx context.Context, companyID string, docType repository.DocumentType) ([]*repository.WorkflowDefinition, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	var defs []*repository.WorkflowDefinition
	for _, def := range w.s.definitions {
		if def.CompanyID == companyID && def.DocumentType == docType && def.IsActive {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (w *WorkflowStore) SetActive(ctx context.Context, id string, active bool) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	def, ok := w.s.definitions[id]
	if !ok {
		return errors.NotFound("workflow_definition", id)
	}
	def.IsActive = active
	def.UpdatedAt = time.Now()
	return nil
}

func (w *WorkflowStore) Update(ctx context.Context, def *repository.WorkflowDefinition, steps []*repository.ApprovalStep) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if _, ok := w.s.definitions[def.ID]; !ok {
		return errors.NotFound("workflow_definition", def.ID)
	}
	now := time.Now()
	def.UpdatedAt = now
	w.s.definitions[def.ID] = def
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = def.ID
		step.UpdatedAt = now
	}
	w.s.defSteps[def.ID] = steps
	return nil
}

func (w *WorkflowStore) HasInstances(ctx context.Context, workflowID string) (bool, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	for _, inst := range w.s.instances {
		if inst.WorkflowID == workflowID {
			return true, nil
		}
	}
	return false, nil
}

// ── approval instances ───────────────────────────────────────────────────────

// InstanceStore is the in-memory approval instance store.
type InstanceStore struct {
	s *Store
}

func (m *InstanceStore) Create(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.InstanceStep) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.s.instances[inst.ID] = inst

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.InstanceID = inst.ID
	}
	m.s.instSteps[inst.ID] = steps
	return nil
}

func (m *InstanceStore) GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	inst, ok := m.s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, nil
}

func (m *InstanceStore) GetOpenByDocument(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*repository.ApprovalInstance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, inst := range m.s.instances {
		if inst.CompanyID == companyID && inst.DocumentType == docType &&
			inst.DocumentID == documentID && !inst.Status.IsTerminal() {
			return inst, nil
		}
	}
	return nil, nil
}

func (m *InstanceStore) GetSteps(ctx context.Context, instanceID string) ([]*repository.InstanceStep, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.instances[instanceID]; !ok {
		return nil, errors.NotFound("approval_instance", instanceID)
	}
	return m.s.sortedSteps(instanceID), nil
}

func (m *InstanceStore) ListOpen(ctx context.Context) ([]*repository.ApprovalInstance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*repository.ApprovalInstance
	for _, inst := range m.s.instances {
		if !inst.Status.IsTerminal() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *InstanceStore) ListPendingForApprover(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) ([]*repository.ApprovalInstance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*repository.ApprovalInstance
	for _, inst := range m.s.instances {
		if inst.CompanyID != companyID || inst.Status != repository.InstancePending {
			continue
		}
		for _, step := range m.s.instSteps[inst.ID] {
			if step.StepOrder != inst.CurrentStep || step.State != repository.StepPending {
				continue
			}
			if step.RoleRequired != role {
				continue
			}
			if step.DepartmentID != nil && (departmentID == nil || *step.DepartmentID != *departmentID) {
				continue
			}
			out = append(out, inst)
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// InInstanceTxn runs fn while holding the store mutex, which serializes all
// instance mutations exactly like the Postgres row lock.
func (m *InstanceStore) InInstanceTxn(ctx context.Context, instanceID string, fn func(txn repository.InstanceTxn) error) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	inst, ok := m.s.instances[instanceID]
	if !ok {
		return errors.NotFound("approval_instance", instanceID)
	}
	return fn(&memTxn{store: m.s, inst: inst})
}

// ── action log ───────────────────────────────────────────────────────────────

// ActionStore is the in-memory append-only action log view.
type ActionStore struct {
	s *Store
}

func (a *ActionStore) ListByInstance(ctx context.Context, instanceID string) ([]*repository.ApprovalAction, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	return append([]*repository.ApprovalAction(nil), a.s.actions[instanceID]...), nil
}

// ── locked transaction view ──────────────────────────────────────────────────

// memTxn mutates the live maps; the caller already holds the store mutex.
// Mutations apply immediately, so the engine must finish its validations
// before writing, which matches how it drives the Postgres transaction too.
type memTxn struct {
	store *Store
	inst  *repository.ApprovalInstance
}

func (t *memTxn) Instance() *repository.ApprovalInstance { return t.inst }

func (t *memTxn) Steps() ([]*repository.InstanceStep, error) {
	return t.store.sortedSteps(t.inst.ID), nil
}

func (t *memTxn) DistinctApprovals(stepID string) (int, error) {
	seen := make(map[string]struct{})
	for _, a := range t.store.actions[t.inst.ID] {
		if a.StepID == stepID && a.Action == repository.ActionApproved {
			seen[a.ApproverID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (t *memTxn) HasApproval(stepID, approverID string) (bool, error) {
	for _, a := range t.store.actions[t.inst.ID] {
		if a.StepID == stepID && a.ApproverID == approverID && a.Action == repository.ActionApproved {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTxn) AppendAction(action *repository.ApprovalAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	t.store.actions[t.inst.ID] = append(t.store.actions[t.inst.ID], action)
	return nil
}

func (t *memTxn) CloseStep(stepID string, at time.Time) error {
	for _, step := range t.store.instSteps[t.inst.ID] {
		if step.ID == stepID {
			step.State = repository.StepClosed
			closedAt := at
			step.ClosedAt = &closedAt
			return nil
		}
	}
	return errors.NotFound("instance_step", stepID)
}

func (t *memTxn) CloseOpenSteps(state repository.StepState, at time.Time) error {
	for _, step := range t.store.instSteps[t.inst.ID] {
		if step.State == repository.StepPending {
			step.State = state
			closedAt := at
			step.ClosedAt = &closedAt
		}
	}
	return nil
}

func (t *memTxn) AdvanceTo(order int, at time.Time) error {
	t.inst.CurrentStep = order
	t.inst.UpdatedAt = at
	for _, step := range t.store.instSteps[t.inst.ID] {
		if step.StepOrder == order && step.StartedAt == nil {
			startedAt := at
			step.StartedAt = &startedAt
		}
	}
	return nil
}

func (t *memTxn) SetStatus(status repository.InstanceStatus, at time.Time) error {
	t.inst.Status = status
	t.inst.UpdatedAt = at
	if status.IsTerminal() {
		completedAt := at
		t.inst.CompletedAt = &completedAt
	}
	return nil
}

func (s *Store) sortedSteps(instanceID string) []*repository.InstanceStep {
	steps := append([]*repository.InstanceStep(nil), s.instSteps[instanceID]...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}
