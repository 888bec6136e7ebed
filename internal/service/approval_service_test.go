package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/repository/memory"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "disabled"})
}

// ── stubs ────────────────────────────────────────────────────────────────────

type stubIdentity struct {
	users map[string]*UserInfo
	pools map[string]int
}

func (s *stubIdentity) GetUser(ctx context.Context, companyID, userID string) (*UserInfo, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, errors.NotFound("user", userID)
	}
	return user, nil
}

func (s *stubIdentity) CountUsersWithRole(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) (int, error) {
	key := string(role)
	if departmentID != nil {
		key += "|" + *departmentID
	}
	return s.pools[key], nil
}

type stubDocuments struct {
	attrs map[string]*DocumentAttributes
}

func (s *stubDocuments) GetSubmissionAttributes(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*DocumentAttributes, error) {
	attrs, ok := s.attrs[documentID]
	if !ok {
		return nil, errors.NotFound("document", documentID)
	}
	return attrs, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) PublishApprovalEvent(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *captureNotifier) has(event string) bool { return n.count(event) > 0 }

func (n *captureNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event {
			total++
		}
	}
	return total
}

// ── fixture ──────────────────────────────────────────────────────────────────

type engineFixture struct {
	svc      *ApprovalService
	store    *memory.Store
	identity *stubIdentity
	docs     *stubDocuments
	notifier *captureNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	store := memory.New()
	identity := &stubIdentity{
		users: map[string]*UserInfo{
			"req-1":   {UserID: "req-1", Role: repository.RolePICOperational},
			"ops-1":   {UserID: "ops-1", Role: repository.RolePICOperational},
			"proc-1":  {UserID: "proc-1", Role: repository.RolePICProcurement},
			"proc-2":  {UserID: "proc-2", Role: repository.RolePICProcurement},
			"fin-1":   {UserID: "fin-1", Role: repository.RolePICFinance},
			"fin-2":   {UserID: "fin-2", Role: repository.RolePICFinance},
			"admin-1": {UserID: "admin-1", Role: repository.RoleAdmin},
		},
		pools: map[string]int{},
	}
	docs := &stubDocuments{attrs: map[string]*DocumentAttributes{
		"po-100": {Amount: 50000, RequesterID: "req-1"},
	}}
	notifier := &captureNotifier{}

	svc := NewApprovalService(
		store.Workflows(), store.Instances(), store.Actions(),
		identity, docs, notifier, testLogger())

	return &engineFixture{svc: svc, store: store, identity: identity, docs: docs, notifier: notifier}
}

// seedWorkflow stores an active definition with the given steps.
func (f *engineFixture) seedWorkflow(t *testing.T, steps ...*repository.ApprovalStep) *repository.WorkflowDefinition {
	t.Helper()

	def := &repository.WorkflowDefinition{
		CompanyID:    "acme",
		Name:         "po-approval",
		DocumentType: repository.DocumentTypePO,
		IsActive:     true,
	}
	require.NoError(t, f.store.Workflows().Create(context.Background(), def, steps))
	return def
}

func (f *engineFixture) submit(t *testing.T) *repository.ApprovalInstance {
	t.Helper()

	inst, err := f.svc.Submit(context.Background(), &SubmitRequest{
		CompanyID:    "acme",
		DocumentType: repository.DocumentTypePO,
		DocumentID:   "po-100",
	})
	require.NoError(t, err)
	return inst
}

func serialSteps() []*repository.ApprovalStep {
	return []*repository.ApprovalStep{
		{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, RequiredApprovals: 1},
		{StepOrder: 2, RoleRequired: repository.RolePICFinance, SLAHours: 48, RequiredApprovals: 1},
	}
}

func (f *engineFixture) act(t *testing.T, instanceID, approverID string, action repository.ActionType) (*ActionResult, error) {
	t.Helper()
	return f.svc.RecordAction(context.Background(), &ActionRequest{
		InstanceID: instanceID,
		ApproverID: approverID,
		Action:     action,
	})
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitCreatesInstance(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)

	inst := f.submit(t)
	assert.Equal(t, repository.InstancePending, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Equal(t, "req-1", inst.RequesterID)
	assert.Equal(t, int64(50000), inst.Amount)

	steps, err := f.store.Instances().GetSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.NotNil(t, steps[0].StartedAt, "first step starts at submission")
	assert.Nil(t, steps[1].StartedAt, "later steps start when reached")

	assert.True(t, f.notifier.has(EventInstanceCreated))

	// A second submission for the same document conflicts with the open instance.
	_, err = f.svc.Submit(context.Background(), &SubmitRequest{
		CompanyID:    "acme",
		DocumentType: repository.DocumentTypePO,
		DocumentID:   "po-100",
	})
	assert.True(t, errors.IsConflict(err))
}

func TestSubmitWithoutMatchingWorkflow(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.svc.Submit(context.Background(), &SubmitRequest{
		CompanyID:    "acme",
		DocumentType: repository.DocumentTypePO,
		DocumentID:   "po-100",
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestApprovalLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	result, err := f.act(t, inst.ID, "proc-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.StepClosed)
	assert.False(t, result.WorkflowComplete)
	assert.Equal(t, 2, result.Instance.CurrentStep)
	assert.Equal(t, repository.InstancePending, result.Instance.Status)

	steps, err := f.store.Instances().GetSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, steps[1].StartedAt, "advancing starts the next step")

	result, err = f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.WorkflowComplete)
	assert.Equal(t, repository.InstanceApproved, result.Instance.Status)
	assert.NotNil(t, result.Instance.CompletedAt)

	assert.True(t, f.notifier.has(EventStepClosed))
	assert.True(t, f.notifier.has(EventInstanceApproved))

	// Terminal instances refuse further actions.
	_, err = f.act(t, inst.ID, "fin-2", repository.ActionApproved)
	assert.True(t, errors.IsConflict(err))

	history, err := f.svc.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRejectionShortCircuits(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	result, err := f.act(t, inst.ID, "proc-1", repository.ActionRejected)
	require.NoError(t, err)
	assert.True(t, result.WorkflowComplete)
	assert.Equal(t, repository.InstanceRejected, result.Instance.Status)

	steps, err := f.store.Instances().GetSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, repository.StepRejected, step.State)
	}
	assert.True(t, f.notifier.has(EventInstanceRejected))
}

func TestIneligibleApprover(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	// Wrong role for step 1.
	_, err := f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	assert.True(t, errors.IsUnauthorized(err))

	// Unknown user.
	_, err = f.act(t, inst.ID, "ghost", repository.ActionApproved)
	assert.True(t, errors.IsNotFound(err))
}

func TestDepartmentScopedStep(t *testing.T) {
	f := newEngineFixture(t)
	fin := "fin"
	f.seedWorkflow(t, &repository.ApprovalStep{
		StepOrder: 1, RoleRequired: repository.RolePICFinance,
		DepartmentID: &fin, SLAHours: 24, RequiredApprovals: 1,
	})
	inst := f.submit(t)

	// Right role, no department.
	_, err := f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	assert.True(t, errors.IsUnauthorized(err))

	ops := "ops"
	f.identity.users["fin-1"].DepartmentID = &ops
	_, err = f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	assert.True(t, errors.IsUnauthorized(err))

	f.identity.users["fin-1"].DepartmentID = &fin
	result, err := f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.WorkflowComplete)
}

func TestDuplicateApprovalNotCounted(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, &repository.ApprovalStep{
		StepOrder: 1, RoleRequired: repository.RolePICFinance, SLAHours: 24, RequiredApprovals: 2,
	})
	inst := f.submit(t)

	result, err := f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.False(t, result.StepClosed, "one of two approvals")

	// The repeat is stored for audit but changes nothing.
	result, err = f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.False(t, result.StepClosed)
	assert.Equal(t, repository.InstancePending, result.Instance.Status)

	result, err = f.act(t, inst.ID, "fin-2", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.StepClosed)
	assert.True(t, result.WorkflowComplete)

	history, err := f.svc.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "duplicates stay in the log")
}

func TestParallelGroupGatesAdvance(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t,
		&repository.ApprovalStep{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, IsParallel: true, RequiredApprovals: 1},
		&repository.ApprovalStep{StepOrder: 1, RoleRequired: repository.RolePICFinance, SLAHours: 24, IsParallel: true, RequiredApprovals: 1},
		&repository.ApprovalStep{StepOrder: 2, RoleRequired: repository.RolePICFinance, SLAHours: 48, RequiredApprovals: 1},
	)
	inst := f.submit(t)

	// Each approver is eligible for exactly one parallel sibling, so no
	// explicit step id is needed.
	result, err := f.act(t, inst.ID, "proc-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.StepClosed)
	assert.Equal(t, 1, result.Instance.CurrentStep, "sibling still open")

	result, err = f.act(t, inst.ID, "fin-1", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.StepClosed)
	assert.Equal(t, 2, result.Instance.CurrentStep, "group closed, instance advances")

	result, err = f.act(t, inst.ID, "fin-2", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.WorkflowComplete)
}

func TestParallelSameRoleRequiresStepID(t *testing.T) {
	f := newEngineFixture(t)
	fin := "fin"
	ops := "ops"
	f.seedWorkflow(t,
		&repository.ApprovalStep{StepOrder: 1, RoleRequired: repository.RolePICFinance, DepartmentID: &fin, SLAHours: 24, IsParallel: true, RequiredApprovals: 1},
		&repository.ApprovalStep{StepOrder: 1, RoleRequired: repository.RolePICFinance, DepartmentID: &ops, SLAHours: 24, IsParallel: true, RequiredApprovals: 1},
	)
	inst := f.submit(t)

	f.identity.users["fin-1"].DepartmentID = &fin

	steps, err := f.store.Instances().GetSteps(context.Background(), inst.ID)
	require.NoError(t, err)

	var finStep *repository.InstanceStep
	for _, step := range steps {
		if step.DepartmentID != nil && *step.DepartmentID == fin {
			finStep = step
		}
	}
	require.NotNil(t, finStep)

	result, err := f.svc.RecordAction(context.Background(), &ActionRequest{
		InstanceID: inst.ID,
		StepID:     finStep.ID,
		ApproverID: "fin-1",
		Action:     repository.ActionApproved,
	})
	require.NoError(t, err)
	assert.True(t, result.StepClosed)

	// Acting again on the already-closed step conflicts.
	_, err = f.svc.RecordAction(context.Background(), &ActionRequest{
		InstanceID: inst.ID,
		StepID:     finStep.ID,
		ApproverID: "fin-1",
		Action:     repository.ActionApproved,
	})
	assert.True(t, errors.IsConflict(err))
}

func TestEscalateAndReassign(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	result, err := f.act(t, inst.ID, "proc-1", repository.ActionEscalated)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceEscalated, result.Instance.Status)
	assert.True(t, f.notifier.has(EventInstanceEscalated))

	// No approvals while escalated.
	_, err = f.act(t, inst.ID, "proc-2", repository.ActionApproved)
	assert.True(t, errors.IsConflict(err))

	// An admin reassignment returns the instance to pending.
	result, err = f.act(t, inst.ID, "admin-1", repository.ActionDelegated)
	require.NoError(t, err)
	assert.Equal(t, repository.InstancePending, result.Instance.Status)

	result, err = f.act(t, inst.ID, "proc-2", repository.ActionApproved)
	require.NoError(t, err)
	assert.True(t, result.StepClosed)
}

func TestCancel(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	_, err := f.svc.Cancel(context.Background(), inst.ID, "proc-1")
	assert.True(t, errors.IsUnauthorized(err), "only the requester cancels")

	cancelled, err := f.svc.Cancel(context.Background(), inst.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceCancelled, cancelled.Status)

	steps, err := f.store.Instances().GetSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, repository.StepCancelled, step.State)
	}

	// Cancellation is not an approver action and leaves the log untouched.
	history, err := f.svc.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.act(t, inst.ID, "proc-1", repository.ActionApproved)
	assert.True(t, errors.IsConflict(err))
}

func TestConcurrentClosingApprovals(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t,
		&repository.ApprovalStep{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, RequiredApprovals: 2},
		&repository.ApprovalStep{StepOrder: 2, RoleRequired: repository.RolePICFinance, SLAHours: 48, RequiredApprovals: 1},
	)
	inst := f.submit(t)

	results := make([]*ActionResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, approver := range []string{"proc-1", "proc-2"} {
		wg.Add(1)
		go func(i int, approver string) {
			defer wg.Done()
			results[i], errs[i] = f.act(t, inst.ID, approver, repository.ActionApproved)
		}(i, approver)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one of the two racing approvals closes the step and advances.
	closedCount := 0
	for _, r := range results {
		if r.StepClosed {
			closedCount++
		}
	}
	assert.Equal(t, 1, closedCount)

	current, err := f.store.Instances().GetByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.CurrentStep)
	assert.Equal(t, repository.InstancePending, current.Status)
}

func TestGetInstanceIncludesSLA(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	detail, err := f.svc.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, SLAOk, detail.Steps[0].SLA)
	assert.Equal(t, SLANotApplicable, detail.Steps[1].SLA)
}

func TestGetPendingForUser(t *testing.T) {
	f := newEngineFixture(t)
	f.seedWorkflow(t, serialSteps()...)
	inst := f.submit(t)

	pending, err := f.svc.GetPendingForUser(context.Background(), "acme", "proc-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, inst.ID, pending[0].ID)

	// Finance only comes up once the instance reaches step 2.
	pending, err = f.svc.GetPendingForUser(context.Background(), "acme", "fin-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.act(t, inst.ID, "proc-1", repository.ActionApproved)
	require.NoError(t, err)

	pending, err = f.svc.GetPendingForUser(context.Background(), "acme", "fin-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
