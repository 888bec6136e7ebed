package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// ApprovalService is the approval workflow engine: it creates instances from
// submitted documents and drives them through their snapshotted steps. All
// state lives behind the injected stores.
type ApprovalService struct {
	workflows WorkflowStore
	instances InstanceStore
	actions   ActionStore
	identity  IdentityClient
	documents DocumentsClient
	notifier  Notifier
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	workflows WorkflowStore,
	instances InstanceStore,
	actions ActionStore,
	identity IdentityClient,
	documents DocumentsClient,
	notifier Notifier,
	log *logger.Logger,
) *ApprovalService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ApprovalService{
		workflows: workflows,
		instances: instances,
		actions:   actions,
		identity:  identity,
		documents: documents,
		notifier:  notifier,
		log:       log,
	}
}

// ── Submission ───────────────────────────────────────────────────────────────

// SubmitRequest identifies the document entering approval.
type SubmitRequest struct {
	CompanyID    string                  `json:"company_id"`
	DocumentType repository.DocumentType `json:"document_type"`
	DocumentID   string                  `json:"document_id"`
}

// Submit selects the applicable workflow, snapshots its steps and creates an
// approval instance at step 1. The workflow choice is frozen here: later
// definition edits never affect in-flight instances.
func (s *ApprovalService) Submit(ctx context.Context, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	if !req.DocumentType.Valid() {
		return nil, errors.InvalidInput("document_type", fmt.Sprintf("unknown document type %q", req.DocumentType))
	}
	if req.DocumentID == "" {
		return nil, errors.InvalidInput("document_id", "document id is required")
	}

	open, err := s.instances.GetOpenByDocument(ctx, req.CompanyID, req.DocumentType, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("document %s already has an open approval instance (%s)", req.DocumentID, open.ID))
	}

	attrs, err := s.documents.GetSubmissionAttributes(ctx, req.CompanyID, req.DocumentType, req.DocumentID)
	if err != nil {
		return nil, err
	}

	defs, err := s.workflows.ListActive(ctx, req.CompanyID, req.DocumentType)
	if err != nil {
		return nil, err
	}
	def, err := selectWorkflow(defs, req.DocumentType, attrs.Amount, attrs.DepartmentID)
	if err != nil {
		return nil, err
	}

	defSteps, err := s.workflows.GetSteps(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if len(defSteps) == 0 {
		return nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("workflow %s has no steps", def.ID))
	}

	now := time.Now()
	inst := &repository.ApprovalInstance{
		ID:           uuid.NewString(),
		WorkflowID:   def.ID,
		CompanyID:    req.CompanyID,
		DocumentType: req.DocumentType,
		DocumentID:   req.DocumentID,
		RequesterID:  attrs.RequesterID,
		CurrentStep:  1,
		Status:       repository.InstancePending,
		Amount:       attrs.Amount,
		DepartmentID: attrs.DepartmentID,
		SubmittedAt:  now,
	}

	steps := make([]*repository.InstanceStep, 0, len(defSteps))
	for _, ds := range defSteps {
		step := &repository.InstanceStep{
			ID:                uuid.NewString(),
			InstanceID:        inst.ID,
			StepID:            ds.ID,
			StepOrder:         ds.StepOrder,
			RoleRequired:      ds.RoleRequired,
			DepartmentID:      ds.DepartmentID,
			SLAHours:          ds.SLAHours,
			IsParallel:        ds.IsParallel,
			RequiredApprovals: ds.RequiredApprovals,
			State:             repository.StepPending,
		}
		if ds.StepOrder == 1 {
			startedAt := now
			step.StartedAt = &startedAt
		}
		steps = append(steps, step)
	}

	if err := s.instances.Create(ctx, inst, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("workflow_id", def.ID).
		Str("document_id", req.DocumentID).
		Int64("amount", attrs.Amount).
		Int("steps", len(steps)).
		Msg("Approval instance created")

	s.notifier.PublishApprovalEvent(ctx, EventInstanceCreated, inst, attrs.RequesterID, map[string]interface{}{
		"workflow_id": def.ID,
		"total_steps": len(steps),
	})

	return inst, nil
}

// ── Recording actions ────────────────────────────────────────────────────────

// ActionRequest records one approver action against an instance. StepID may
// be empty when the active step order has exactly one step open to the
// approver; parallel orders require an explicit StepID.
type ActionRequest struct {
	InstanceID string                `json:"instance_id"`
	StepID     string                `json:"step_id"`
	ApproverID string                `json:"approver_id"`
	Action     repository.ActionType `json:"action"`
	Comment    *string               `json:"comment"`
}

// ActionResult reports what the action did.
type ActionResult struct {
	Instance         *repository.ApprovalInstance `json:"instance"`
	StepClosed       bool                         `json:"step_closed"`
	WorkflowComplete bool                         `json:"workflow_complete"`
	Duplicate        bool                         `json:"duplicate"`
}

// RecordAction validates eligibility and applies the action atomically: the
// closure count, the step closure and the advance (or termination) commit in
// the same instance transaction, so two concurrent closing approvals can
// never both advance the instance.
func (s *ApprovalService) RecordAction(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	if !req.Action.Valid() {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ApproverID == "" {
		return nil, errors.InvalidInput("approver_id", "approver id is required")
	}

	// Resolve the actor first; identity lookups stay outside the instance lock.
	inst, err := s.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, errors.InstanceTerminal(inst.ID, string(inst.Status))
	}
	user, err := s.identity.GetUser(ctx, inst.CompanyID, req.ApproverID)
	if err != nil {
		return nil, err
	}

	result := &ActionResult{}
	var events []pendingEvent

	err = s.instances.InInstanceTxn(ctx, req.InstanceID, func(txn repository.InstanceTxn) error {
		var txnErr error
		events, txnErr = s.applyAction(txn, req, user, result)
		return txnErr
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		s.notifier.PublishApprovalEvent(ctx, ev.eventType, result.Instance, req.ApproverID, ev.payload)
	}
	return result, nil
}

type pendingEvent struct {
	eventType string
	payload   map[string]interface{}
}

// applyAction runs inside the instance transaction. Everything it decides is
// based on the row-locked state, and all its writes commit together.
func (s *ApprovalService) applyAction(
	txn repository.InstanceTxn,
	req *ActionRequest,
	user *UserInfo,
	result *ActionResult,
) ([]pendingEvent, error) {
	inst := txn.Instance()
	result.Instance = inst
	now := time.Now()

	// Re-check under the lock; the status may have changed since the caller read it.
	if inst.Status.IsTerminal() {
		return nil, errors.InstanceTerminal(inst.ID, string(inst.Status))
	}

	steps, err := txn.Steps()
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case repository.ActionApproved:
		return s.applyApproval(txn, req, user, steps, result, now)
	case repository.ActionRejected:
		return s.applyRejection(txn, req, user, steps, result, now)
	case repository.ActionEscalated:
		return s.applyEscalation(txn, req, user, steps, result, now)
	case repository.ActionDelegated:
		return s.applyDelegation(txn, req, user, steps, result, now)
	}
	return nil, errors.InvalidInput("action", string(req.Action))
}

func (s *ApprovalService) applyApproval(
	txn repository.InstanceTxn,
	req *ActionRequest,
	user *UserInfo,
	steps []*repository.InstanceStep,
	result *ActionResult,
	now time.Time,
) ([]pendingEvent, error) {
	inst := txn.Instance()
	if inst.Status == repository.InstanceEscalated {
		return nil, errors.New(errors.ErrCodeConflict,
			"instance is escalated; it must be reassigned before further approvals")
	}

	step, err := resolveStep(steps, inst.CurrentStep, req.StepID, user)
	if err != nil {
		return nil, err
	}
	if err := checkEligibility(user, step); err != nil {
		return nil, err
	}

	duplicate, err := txn.HasApproval(step.ID, user.UserID)
	if err != nil {
		return nil, err
	}

	// The log is append-only: duplicates are stored for audit but the closure
	// count treats actions as a set keyed by (instance, step, approver).
	if err := txn.AppendAction(&repository.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		ApproverID: user.UserID,
		Action:     repository.ActionApproved,
		Comment:    req.Comment,
	}); err != nil {
		return nil, err
	}

	if duplicate {
		result.Duplicate = true
		s.log.Warn().
			Err(errors.ErrDuplicateApproval).
			Str("instance_id", inst.ID).
			Str("step_id", step.ID).
			Str("approver_id", user.UserID).
			Msg("Duplicate approval recorded but not counted")
		return nil, nil
	}

	count, err := txn.DistinctApprovals(step.ID)
	if err != nil {
		return nil, err
	}
	if count < step.RequiredApprovals {
		// More approvals needed; the instance stays put.
		return nil, nil
	}

	if err := txn.CloseStep(step.ID, now); err != nil {
		return nil, err
	}
	step.State = repository.StepClosed
	result.StepClosed = true

	events := []pendingEvent{{
		eventType: EventStepClosed,
		payload:   map[string]interface{}{"step_order": step.StepOrder, "step_id": step.StepID},
	}}

	// Parallel siblings at the same order must all close before advancing.
	if !orderClosed(steps, inst.CurrentStep) {
		return events, nil
	}

	if inst.CurrentStep >= lastOrder(steps) {
		status, err := nextStatus(inst, triggerApprove)
		if err != nil {
			return nil, err
		}
		if err := txn.SetStatus(status, now); err != nil {
			return nil, err
		}
		result.WorkflowComplete = true
		events = append(events, pendingEvent{
			eventType: EventInstanceApproved,
			payload:   map[string]interface{}{"document_id": inst.DocumentID},
		})
		return events, nil
	}

	if _, err := nextStatus(inst, triggerAdvance); err != nil {
		return nil, err
	}
	if err := txn.AdvanceTo(inst.CurrentStep+1, now); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *ApprovalService) applyRejection(
	txn repository.InstanceTxn,
	req *ActionRequest,
	user *UserInfo,
	steps []*repository.InstanceStep,
	result *ActionResult,
	now time.Time,
) ([]pendingEvent, error) {
	inst := txn.Instance()

	step, err := resolveStep(steps, inst.CurrentStep, req.StepID, user)
	if err != nil {
		return nil, err
	}
	if err := checkEligibility(user, step); err != nil {
		return nil, err
	}

	status, err := nextStatus(inst, triggerReject)
	if err != nil {
		return nil, err
	}

	if err := txn.AppendAction(&repository.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		ApproverID: user.UserID,
		Action:     repository.ActionRejected,
		Comment:    req.Comment,
	}); err != nil {
		return nil, err
	}

	// One rejection short-circuits everything that remains.
	if err := txn.CloseOpenSteps(repository.StepRejected, now); err != nil {
		return nil, err
	}
	if err := txn.SetStatus(status, now); err != nil {
		return nil, err
	}
	result.WorkflowComplete = true

	return []pendingEvent{{
		eventType: EventInstanceRejected,
		payload:   map[string]interface{}{"document_id": inst.DocumentID, "step_order": step.StepOrder},
	}}, nil
}

func (s *ApprovalService) applyEscalation(
	txn repository.InstanceTxn,
	req *ActionRequest,
	user *UserInfo,
	steps []*repository.InstanceStep,
	result *ActionResult,
	now time.Time,
) ([]pendingEvent, error) {
	inst := txn.Instance()

	step, err := resolveStep(steps, inst.CurrentStep, req.StepID, user)
	if err != nil {
		return nil, err
	}
	if err := checkEligibility(user, step); err != nil {
		return nil, err
	}

	status, err := nextStatus(inst, triggerEscalate)
	if err != nil {
		return nil, err
	}

	if err := txn.AppendAction(&repository.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		ApproverID: user.UserID,
		Action:     repository.ActionEscalated,
		Comment:    req.Comment,
	}); err != nil {
		return nil, err
	}
	if err := txn.SetStatus(status, now); err != nil {
		return nil, err
	}

	return []pendingEvent{{
		eventType: EventInstanceEscalated,
		payload:   map[string]interface{}{"step_order": step.StepOrder},
	}}, nil
}

// applyDelegation records a delegation. On an escalated instance a delegation
// is the reassignment that returns it to pending; on a pending instance it is
// recorded for audit only (eligibility is pool-based, so the delegate's
// ability to act is decided by role and department at approval time).
func (s *ApprovalService) applyDelegation(
	txn repository.InstanceTxn,
	req *ActionRequest,
	user *UserInfo,
	steps []*repository.InstanceStep,
	result *ActionResult,
	now time.Time,
) ([]pendingEvent, error) {
	inst := txn.Instance()

	// Admins may reassign any step; otherwise the delegator must be eligible.
	resolver := user
	if user.Role == repository.RoleAdmin {
		resolver = nil
	}
	step, err := resolveStep(steps, inst.CurrentStep, req.StepID, resolver)
	if err != nil {
		return nil, err
	}
	if user.Role != repository.RoleAdmin {
		if err := checkEligibility(user, step); err != nil {
			return nil, err
		}
	}

	if err := txn.AppendAction(&repository.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		ApproverID: user.UserID,
		Action:     repository.ActionDelegated,
		Comment:    req.Comment,
	}); err != nil {
		return nil, err
	}

	if inst.Status == repository.InstanceEscalated {
		status, err := nextStatus(inst, triggerResume)
		if err != nil {
			return nil, err
		}
		if err := txn.SetStatus(status, now); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// ── Cancellation ─────────────────────────────────────────────────────────────

// Cancel withdraws a pending instance. Only the original requester may cancel,
// and the cancellation races fairly with concurrent approvals: whichever
// commits first wins, the loser gets InstanceTerminalError.
func (s *ApprovalService) Cancel(ctx context.Context, instanceID, requesterID string) (*repository.ApprovalInstance, error) {
	var cancelled *repository.ApprovalInstance

	err := s.instances.InInstanceTxn(ctx, instanceID, func(txn repository.InstanceTxn) error {
		inst := txn.Instance()

		if inst.RequesterID != requesterID {
			return errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel the instance")
		}

		status, err := nextStatus(inst, triggerCancel)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := txn.CloseOpenSteps(repository.StepCancelled, now); err != nil {
			return err
		}
		if err := txn.SetStatus(status, now); err != nil {
			return err
		}
		cancelled = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", instanceID).
		Str("requester_id", requesterID).
		Msg("Approval instance cancelled")

	s.notifier.PublishApprovalEvent(ctx, EventInstanceCancelled, cancelled, requesterID, nil)
	return cancelled, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// StepDetail is a snapshotted step plus its advisory SLA status.
type StepDetail struct {
	*repository.InstanceStep
	SLA SLAStatus `json:"sla_status"`
}

// InstanceDetail is an instance with its steps and their SLA assessment.
type InstanceDetail struct {
	Instance *repository.ApprovalInstance `json:"instance"`
	Steps    []*StepDetail                `json:"steps"`
}

// GetInstance returns an instance with per-step SLA assessment as of now.
func (s *ApprovalService) GetInstance(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	steps, err := s.instances.GetSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	detail := &InstanceDetail{Instance: inst, Steps: make([]*StepDetail, 0, len(steps))}
	for _, step := range steps {
		detail.Steps = append(detail.Steps, &StepDetail{
			InstanceStep: step,
			SLA:          assessInstanceStep(step, now),
		})
	}
	return detail, nil
}

// GetPendingForUser returns instances awaiting action from a user, resolved
// through the user's role and department.
func (s *ApprovalService) GetPendingForUser(ctx context.Context, companyID, userID string) ([]*repository.ApprovalInstance, error) {
	user, err := s.identity.GetUser(ctx, companyID, userID)
	if err != nil {
		return nil, err
	}
	return s.instances.ListPendingForApprover(ctx, companyID, user.Role, user.DepartmentID)
}

// GetHistory returns the full action log for an instance oldest-first.
func (s *ApprovalService) GetHistory(ctx context.Context, instanceID string) ([]*repository.ApprovalAction, error) {
	if _, err := s.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.actions.ListByInstance(ctx, instanceID)
}

// ── Step resolution and eligibility ──────────────────────────────────────────

// resolveStep finds the step an action targets. With an explicit StepID the
// step must exist, be at the active order and still be open. Without one the
// active order must hold exactly one step open to this approver; a nil user
// skips the eligibility filter.
func resolveStep(steps []*repository.InstanceStep, currentOrder int, stepID string, user *UserInfo) (*repository.InstanceStep, error) {
	if stepID != "" {
		for _, step := range steps {
			if step.ID != stepID && step.StepID != stepID {
				continue
			}
			if step.StepOrder != currentOrder {
				return nil, errors.New(errors.ErrCodeConflict,
					fmt.Sprintf("step %s is not at the active order (%d)", stepID, currentOrder))
			}
			if step.State != repository.StepPending {
				return nil, errors.New(errors.ErrCodeConflict,
					fmt.Sprintf("step %s is already %s", stepID, step.State))
			}
			return step, nil
		}
		return nil, errors.NotFound("instance_step", stepID)
	}

	var matches []*repository.InstanceStep
	for _, step := range steps {
		if step.StepOrder != currentOrder || step.State != repository.StepPending {
			continue
		}
		if user == nil || checkEligibility(user, step) == nil {
			matches = append(matches, step)
		}
	}
	switch len(matches) {
	case 0:
		if user == nil {
			return nil, errors.New(errors.ErrCodeConflict, "no open step at the active order")
		}
		return nil, errors.IneligibleApprover(user.UserID, "no open step at the active order matches the approver")
	case 1:
		return matches[0], nil
	default:
		return nil, errors.InvalidInput("step_id",
			"multiple parallel steps are open to this approver; step_id is required")
	}
}

// checkEligibility enforces the step's role and optional department scoping.
func checkEligibility(user *UserInfo, step *repository.InstanceStep) error {
	if user.Role != step.RoleRequired {
		return errors.IneligibleApprover(user.UserID,
			fmt.Sprintf("step requires role %s", step.RoleRequired))
	}
	if step.DepartmentID != nil {
		if user.DepartmentID == nil || *user.DepartmentID != *step.DepartmentID {
			return errors.IneligibleApprover(user.UserID,
				fmt.Sprintf("step is scoped to department %s", *step.DepartmentID))
		}
	}
	return nil
}

// orderClosed reports whether every step at the given order is closed.
func orderClosed(steps []*repository.InstanceStep, order int) bool {
	for _, step := range steps {
		if step.StepOrder == order && step.State != repository.StepClosed {
			return false
		}
	}
	return true
}

// lastOrder returns the highest step order in the snapshot.
func lastOrder(steps []*repository.InstanceStep) int {
	max := 0
	for _, step := range steps {
		if step.StepOrder > max {
			max = step.StepOrder
		}
	}
	return max
}
