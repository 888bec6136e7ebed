package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

func ptr[T any](v T) *T { return &v }

func def(id string, dept *string, min, max *int64) *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		ID:           id,
		CompanyID:    "acme",
		Name:         id,
		DocumentType: repository.DocumentTypePO,
		DepartmentID: dept,
		AmountMin:    min,
		AmountMax:    max,
		IsActive:     true,
	}
}

func TestSelectWorkflowAmountWindows(t *testing.T) {
	defs := []*repository.WorkflowDefinition{
		def("w1", nil, nil, ptr(int64(10000))),
		def("w2", nil, ptr(int64(10000)), ptr(int64(100000))),
		def("w3", nil, ptr(int64(100000)), nil),
	}

	cases := []struct {
		amount int64
		want   string
	}{
		{0, "w1"},
		{9999, "w1"},
		{10000, "w2"}, // boundary belongs to the upper window
		{99999, "w2"},
		{100000, "w3"},
	}
	for _, tc := range cases {
		got, err := selectWorkflow(defs, repository.DocumentTypePO, tc.amount, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.ID, "amount %d", tc.amount)
	}
}

func TestSelectWorkflowExactDepartmentBeatsWildcard(t *testing.T) {
	defs := []*repository.WorkflowDefinition{
		def("wildcard", nil, nil, nil),
		def("finance", ptr("fin"), nil, nil),
	}

	got, err := selectWorkflow(defs, repository.DocumentTypePO, 500, ptr("fin"))
	require.NoError(t, err)
	assert.Equal(t, "finance", got.ID)

	// A document from another department only matches the wildcard.
	got, err = selectWorkflow(defs, repository.DocumentTypePO, 500, ptr("ops"))
	require.NoError(t, err)
	assert.Equal(t, "wildcard", got.ID)

	// No document department: the scoped definition is out of reach.
	got, err = selectWorkflow(defs, repository.DocumentTypePO, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, "wildcard", got.ID)
}

func TestSelectWorkflowNarrowestWindowWins(t *testing.T) {
	defs := []*repository.WorkflowDefinition{
		def("broad", nil, ptr(int64(0)), ptr(int64(1000000))),
		def("narrow", nil, ptr(int64(40000)), ptr(int64(60000))),
	}

	got, err := selectWorkflow(defs, repository.DocumentTypePO, 50000, nil)
	require.NoError(t, err)
	assert.Equal(t, "narrow", got.ID)

	got, err = selectWorkflow(defs, repository.DocumentTypePO, 5000, nil)
	require.NoError(t, err)
	assert.Equal(t, "broad", got.ID)
}

func TestSelectWorkflowAmbiguous(t *testing.T) {
	defs := []*repository.WorkflowDefinition{
		def("a", nil, ptr(int64(0)), ptr(int64(1000))),
		def("b", nil, ptr(int64(500)), ptr(int64(1500))),
	}

	_, err := selectWorkflow(defs, repository.DocumentTypePO, 700, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAmbiguous, errors.CodeOf(err))
}

func TestSelectWorkflowNoMatch(t *testing.T) {
	defs := []*repository.WorkflowDefinition{
		def("w1", nil, ptr(int64(0)), ptr(int64(1000))),
	}

	_, err := selectWorkflow(defs, repository.DocumentTypePO, 1000, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// Inactive definitions never match.
	defs[0].IsActive = false
	_, err = selectWorkflow(defs, repository.DocumentTypePO, 500, nil)
	assert.True(t, errors.IsNotFound(err))
}

func TestSelectWorkflowIgnoresOtherDocumentTypes(t *testing.T) {
	invoice := def("inv", nil, nil, nil)
	invoice.DocumentType = repository.DocumentTypeInvoice

	_, err := selectWorkflow([]*repository.WorkflowDefinition{invoice}, repository.DocumentTypePO, 500, nil)
	assert.True(t, errors.IsNotFound(err))
}
