package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	admin     *service.AdminService
	approvals *service.ApprovalService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(admin *service.AdminService, approvals *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		admin:     admin,
		approvals: approvals,
		log:       log,
	}
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeConflict, errors.ErrCodeAmbiguous:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ── Workflow definitions ─────────────────────────────────────────────────────

// CreateWorkflow handles create workflow definition HTTP requests
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.WorkflowInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	detail, err := h.admin.CreateWorkflow(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, detail)
}

// ListWorkflows handles list workflow definitions HTTP requests
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		http.Error(w, "Company ID is required", http.StatusBadRequest)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	defs, err := h.admin.ListWorkflows(r.Context(), companyID, activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": defs})
}

// GetWorkflow handles get workflow definition HTTP requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	detail, err := h.admin.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// UpdateWorkflow handles update workflow definition HTTP requests
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
		service.WorkflowInput
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	detail, err := h.admin.UpdateWorkflow(r.Context(), req.ID, &req.WorkflowInput)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// ActivateWorkflow handles workflow activation HTTP requests
func (h *HTTPHandler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateWorkflow handles workflow deactivation HTTP requests
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *HTTPHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if active {
		err = h.admin.Activate(r.Context(), req.ID)
	} else {
		err = h.admin.Deactivate(r.Context(), req.ID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// SelectWorkflow handles selection dry-run HTTP requests: which definition
// would a document with these attributes route to.
func (h *HTTPHandler) SelectWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	companyID := r.URL.Query().Get("company_id")
	docType := r.URL.Query().Get("document_type")
	if companyID == "" || docType == "" {
		http.Error(w, "Company ID and document type are required", http.StatusBadRequest)
		return
	}

	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		http.Error(w, "Amount must be an integer (minor units)", http.StatusBadRequest)
		return
	}

	var departmentID *string
	if dept := r.URL.Query().Get("department_id"); dept != "" {
		departmentID = &dept
	}

	def, err := h.admin.SelectWorkflow(r.Context(), companyID, repository.DocumentType(docType), amount, departmentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// ── Approval instances ───────────────────────────────────────────────────────

// SubmitDocument handles document submission HTTP requests
func (h *HTTPHandler) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.approvals.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// RecordAction handles approve/reject/escalate/delegate HTTP requests
func (h *HTTPHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// TODO: take the approver from the auth context once the gateway forwards it
	result, err := h.approvals.RecordAction(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CancelInstance handles instance cancellation HTTP requests
func (h *HTTPHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		InstanceID  string `json:"instance_id"`
		RequesterID string `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.approvals.Cancel(r.Context(), req.InstanceID, req.RequesterID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// GetInstance handles get approval instance HTTP requests
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.URL.Query().Get("id")
	if instanceID == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	detail, err := h.approvals.GetInstance(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// ListPending handles pending-approvals-for-user HTTP requests
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	companyID := r.URL.Query().Get("company_id")
	userID := r.URL.Query().Get("user_id")
	if companyID == "" || userID == "" {
		http.Error(w, "Company ID and User ID are required", http.StatusBadRequest)
		return
	}

	instances, err := h.approvals.GetPendingForUser(r.Context(), companyID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances})
}

// GetHistory handles action history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.URL.Query().Get("id")
	if instanceID == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	actions, err := h.approvals.GetHistory(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// ListBreaches handles SLA breach report HTTP requests
func (h *HTTPHandler) ListBreaches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	includeAtRisk := r.URL.Query().Get("include_at_risk") == "true"

	breaches, err := h.approvals.ListBreaches(r.Context(), time.Now(), includeAtRisk)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"breaches": breaches})
}
