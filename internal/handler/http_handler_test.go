package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/repository/memory"
	"github.com/procurata/be-approval-workflows/internal/service"
)

type fakeIdentity struct{}

func (fakeIdentity) GetUser(ctx context.Context, companyID, userID string) (*service.UserInfo, error) {
	return &service.UserInfo{UserID: userID, Role: repository.RolePICProcurement}, nil
}

func (fakeIdentity) CountUsersWithRole(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) (int, error) {
	return 10, nil
}

type fakeDocuments struct{}

func (fakeDocuments) GetSubmissionAttributes(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*service.DocumentAttributes, error) {
	return &service.DocumentAttributes{Amount: 5000, RequesterID: "req-1"}, nil
}

func newTestHandler(t *testing.T) (*HTTPHandler, *memory.Store) {
	t.Helper()

	store := memory.New()
	log := logger.New(logger.Config{Level: "disabled"})
	admin := service.NewAdminService(store.Workflows(), fakeIdentity{}, log)
	approvals := service.NewApprovalService(
		store.Workflows(), store.Instances(), store.Actions(),
		fakeIdentity{}, fakeDocuments{}, nil, log)
	return NewHTTPHandler(admin, approvals, log), store
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.NotFound("workflow_definition", "x"), http.StatusNotFound},
		{errors.InvalidInput("name", "required"), http.StatusBadRequest},
		{errors.New(errors.ErrCodeUnauthorized, "nope"), http.StatusForbidden},
		{errors.New(errors.ErrCodeConflict, "busy"), http.StatusConflict},
		{errors.AmbiguousWorkflow("two match"), http.StatusConflict},
		{errors.New(errors.ErrCodeInternal, "boom"), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err), "%v", tc.err)
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	h, _ := newTestHandler(t)

	body, _ := json.Marshal(service.WorkflowInput{
		CompanyID:    "acme",
		Name:         "po-default",
		DocumentType: repository.DocumentTypePO,
		Steps: []service.StepInput{
			{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, RequiredApprovals: 1},
		},
	})

	rec := httptest.NewRecorder()
	h.CreateWorkflow(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created service.WorkflowDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	h.GetWorkflow(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/get?id="+created.Definition.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.GetWorkflow(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/get?id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errBody map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, string(errors.ErrCodeNotFound), errBody["code"])
}

func TestCreateWorkflowValidationStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	body, _ := json.Marshal(service.WorkflowInput{CompanyID: "acme"})
	rec := httptest.NewRecorder()
	h.CreateWorkflow(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.CreateWorkflow(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubmitAndActOverHTTP(t *testing.T) {
	h, store := newTestHandler(t)

	// Seed an active definition directly.
	def := &repository.WorkflowDefinition{
		CompanyID: "acme", Name: "po", DocumentType: repository.DocumentTypePO, IsActive: true,
	}
	require.NoError(t, store.Workflows().Create(context.Background(), def, []*repository.ApprovalStep{
		{StepOrder: 1, RoleRequired: repository.RolePICProcurement, SLAHours: 24, RequiredApprovals: 1},
	}))

	body, _ := json.Marshal(service.SubmitRequest{
		CompanyID: "acme", DocumentType: repository.DocumentTypePO, DocumentID: "po-1",
	})
	rec := httptest.NewRecorder()
	h.SubmitDocument(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/submit", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var inst repository.ApprovalInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))

	body, _ = json.Marshal(service.ActionRequest{
		InstanceID: inst.ID, ApproverID: "proc-1", Action: repository.ActionApproved,
	})
	rec = httptest.NewRecorder()
	h.RecordAction(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/action", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result service.ActionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.WorkflowComplete)

	// Acting on the now-terminal instance maps to 409.
	rec = httptest.NewRecorder()
	h.RecordAction(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/action", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
