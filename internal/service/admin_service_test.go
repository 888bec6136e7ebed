package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/repository/memory"
)

type adminFixture struct {
	svc      *AdminService
	store    *memory.Store
	identity *stubIdentity
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	store := memory.New()
	identity := &stubIdentity{
		users: map[string]*UserInfo{},
		pools: map[string]int{
			string(repository.RolePICProcurement): 3,
			string(repository.RolePICFinance):     2,
		},
	}
	return &adminFixture{
		svc:      NewAdminService(store.Workflows(), identity, testLogger()),
		store:    store,
		identity: identity,
	}
}

func validInput() *WorkflowInput {
	return &WorkflowInput{
		CompanyID:    "acme",
		Name:         "po-default",
		DocumentType: repository.DocumentTypePO,
		Steps: []StepInput{
			{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, RequiredApprovals: 1},
			{StepOrder: 2, RoleRequired: repository.RolePICFinance, SLAHours: 48, RequiredApprovals: 1},
		},
	}
}

func TestCreateWorkflow(t *testing.T) {
	f := newAdminFixture(t)

	detail, err := f.svc.CreateWorkflow(context.Background(), validInput())
	require.NoError(t, err)
	assert.False(t, detail.Definition.IsActive, "definitions start inactive")
	assert.Len(t, detail.Steps, 2)
	assert.Equal(t, 72.0, detail.TotalSLAHours)
}

func TestCreateWorkflowValidation(t *testing.T) {
	mutate := func(fn func(*WorkflowInput)) *WorkflowInput {
		in := validInput()
		fn(in)
		return in
	}

	cases := []struct {
		name string
		in   *WorkflowInput
	}{
		{"missing name", mutate(func(in *WorkflowInput) { in.Name = "" })},
		{"bad document type", mutate(func(in *WorkflowInput) { in.DocumentType = "receipt" })},
		{"no steps", mutate(func(in *WorkflowInput) { in.Steps = nil })},
		{"inverted window", mutate(func(in *WorkflowInput) {
			in.AmountMin = ptr(int64(500))
			in.AmountMax = ptr(int64(100))
		})},
		{"bad role", mutate(func(in *WorkflowInput) { in.Steps[0].RoleRequired = "Manager" })},
		{"zero sla", mutate(func(in *WorkflowInput) { in.Steps[0].SLAHours = 0 })},
		{"zero required approvals", mutate(func(in *WorkflowInput) { in.Steps[1].RequiredApprovals = 0 })},
		{"sparse orders", mutate(func(in *WorkflowInput) { in.Steps[1].StepOrder = 3 })},
		{"orders not starting at 1", mutate(func(in *WorkflowInput) {
			in.Steps[0].StepOrder = 2
			in.Steps[1].StepOrder = 3
		})},
		{"shared order without parallel flag", mutate(func(in *WorkflowInput) {
			in.Steps[1].StepOrder = 1
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAdminFixture(t)
			_, err := f.svc.CreateWorkflow(context.Background(), tc.in)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestActivateChecksApproverPool(t *testing.T) {
	f := newAdminFixture(t)

	in := validInput()
	in.Steps[1].RequiredApprovals = 5 // only 2 finance users exist
	detail, err := f.svc.CreateWorkflow(context.Background(), in)
	require.NoError(t, err)

	err = f.svc.Activate(context.Background(), detail.Definition.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	detail, err = f.svc.CreateWorkflow(context.Background(), validInput())
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), detail.Definition.ID))

	def, err := f.store.Workflows().GetByID(context.Background(), detail.Definition.ID)
	require.NoError(t, err)
	assert.True(t, def.IsActive)
}

func TestActivateRejectsOverlappingWindows(t *testing.T) {
	f := newAdminFixture(t)

	first := validInput()
	first.AmountMin = ptr(int64(0))
	first.AmountMax = ptr(int64(10000))
	d1, err := f.svc.CreateWorkflow(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), d1.Definition.ID))

	// Adjacent half-open windows do not overlap.
	second := validInput()
	second.Name = "po-large"
	second.AmountMin = ptr(int64(10000))
	d2, err := f.svc.CreateWorkflow(context.Background(), second)
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), d2.Definition.ID))

	// A window reaching into either neighbour is refused.
	third := validInput()
	third.Name = "po-overlap"
	third.AmountMin = ptr(int64(5000))
	third.AmountMax = ptr(int64(15000))
	d3, err := f.svc.CreateWorkflow(context.Background(), third)
	require.NoError(t, err)
	err = f.svc.Activate(context.Background(), d3.Definition.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAmbiguous, errors.CodeOf(err))

	// The same window under an exact department scope does not compete with
	// the wildcard definitions: the exact match wins selection outright.
	fourth := validInput()
	fourth.Name = "po-finance"
	fourth.DepartmentID = ptr("fin")
	fourth.AmountMin = ptr(int64(5000))
	fourth.AmountMax = ptr(int64(15000))
	d4, err := f.svc.CreateWorkflow(context.Background(), fourth)
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), d4.Definition.ID))
}

func TestUpdateWorkflowInPlace(t *testing.T) {
	f := newAdminFixture(t)

	detail, err := f.svc.CreateWorkflow(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.Name = "po-renamed"
	updated, err := f.svc.UpdateWorkflow(context.Background(), detail.Definition.ID, in)
	require.NoError(t, err)
	assert.Equal(t, detail.Definition.ID, updated.Definition.ID, "no instances, updated in place")
	assert.Equal(t, "po-renamed", updated.Definition.Name)
}

func TestUpdateReferencedWorkflowClones(t *testing.T) {
	f := newAdminFixture(t)

	detail, err := f.svc.CreateWorkflow(context.Background(), validInput())
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), detail.Definition.ID))

	// An instance references the definition; edits must not touch it.
	err = f.store.Instances().Create(context.Background(), &repository.ApprovalInstance{
		WorkflowID:   detail.Definition.ID,
		CompanyID:    "acme",
		DocumentType: repository.DocumentTypePO,
		DocumentID:   "po-9",
		Status:       repository.InstancePending,
		CurrentStep:  1,
	}, nil)
	require.NoError(t, err)

	in := validInput()
	in.Name = "po-v2"
	updated, err := f.svc.UpdateWorkflow(context.Background(), detail.Definition.ID, in)
	require.NoError(t, err)
	assert.NotEqual(t, detail.Definition.ID, updated.Definition.ID, "referenced definition is cloned")
	assert.False(t, updated.Definition.IsActive, "clone starts inactive")

	original, err := f.store.Workflows().GetByID(context.Background(), detail.Definition.ID)
	require.NoError(t, err)
	assert.False(t, original.IsActive, "original is retired")
	assert.Equal(t, "po-default", original.Name)
}

func TestSelectWorkflowDryRun(t *testing.T) {
	f := newAdminFixture(t)

	detail, err := f.svc.CreateWorkflow(context.Background(), validInput())
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(context.Background(), detail.Definition.ID))

	def, err := f.svc.SelectWorkflow(context.Background(), "acme", repository.DocumentTypePO, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, detail.Definition.ID, def.ID)

	_, err = f.svc.SelectWorkflow(context.Background(), "acme", repository.DocumentTypeInvoice, 500, nil)
	assert.True(t, errors.IsNotFound(err))
}
