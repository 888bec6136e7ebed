package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// AdminService manages workflow definitions. Definitions are validated at
// construction and again at activation; a definition referenced by instances
// is never mutated in place, it is cloned and the original deactivated.
type AdminService struct {
	workflows WorkflowStore
	identity  IdentityClient
	log       *logger.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(workflows WorkflowStore, identity IdentityClient, log *logger.Logger) *AdminService {
	return &AdminService{workflows: workflows, identity: identity, log: log}
}

// StepInput is one step of a workflow definition request.
type StepInput struct {
	StepOrder         int                     `json:"step_order"`
	RoleRequired      repository.ApproverRole `json:"role_required"`
	DepartmentID      *string                 `json:"department_id"`
	SLAHours          float64                 `json:"sla_hours"`
	IsParallel        bool                    `json:"is_parallel"`
	RequiredApprovals int                     `json:"required_approvals"`
}

// WorkflowInput is a create/update workflow definition request.
type WorkflowInput struct {
	CompanyID    string                  `json:"company_id"`
	Name         string                  `json:"name"`
	DocumentType repository.DocumentType `json:"document_type"`
	DepartmentID *string                 `json:"department_id"`
	AmountMin    *int64                  `json:"amount_min"`
	AmountMax    *int64                  `json:"amount_max"`
	Steps        []StepInput             `json:"steps"`
}

// WorkflowDetail is a definition with its steps and display SLA total.
type WorkflowDetail struct {
	Definition    *repository.WorkflowDefinition `json:"definition"`
	Steps         []*repository.ApprovalStep     `json:"steps"`
	TotalSLAHours float64                        `json:"total_sla_hours"`
}

// CreateWorkflow validates and stores a new, initially inactive definition.
func (s *AdminService) CreateWorkflow(ctx context.Context, in *WorkflowInput) (*WorkflowDetail, error) {
	if err := validateWorkflowInput(in); err != nil {
		return nil, err
	}

	def := &repository.WorkflowDefinition{
		ID:           uuid.NewString(),
		CompanyID:    in.CompanyID,
		Name:         in.Name,
		DocumentType: in.DocumentType,
		DepartmentID: in.DepartmentID,
		AmountMin:    in.AmountMin,
		AmountMax:    in.AmountMax,
		IsActive:     false,
	}
	steps := buildSteps(def.ID, in.Steps)

	if err := s.workflows.Create(ctx, def, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", def.ID).
		Str("company_id", def.CompanyID).
		Str("document_type", string(def.DocumentType)).
		Int("steps", len(steps)).
		Msg("Workflow definition created")

	return &WorkflowDetail{Definition: def, Steps: steps, TotalSLAHours: TotalSLAHours(steps)}, nil
}

// Activate runs the activation-time checks and flips the definition active:
// no amount-window overlap with active siblings of the same department scope,
// and every step's approver pool must cover its required approvals.
func (s *AdminService) Activate(ctx context.Context, workflowID string) error {
	def, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}
	if def.IsActive {
		return nil
	}
	steps, err := s.workflows.GetSteps(ctx, def.ID)
	if err != nil {
		return err
	}

	active, err := s.workflows.ListActive(ctx, def.CompanyID, def.DocumentType)
	if err != nil {
		return err
	}
	for _, sibling := range active {
		if !sameDepartmentScope(def.DepartmentID, sibling.DepartmentID) {
			continue
		}
		if windowsOverlap(def.AmountMin, def.AmountMax, sibling.AmountMin, sibling.AmountMax) {
			return errors.AmbiguousWorkflow(fmt.Sprintf(
				"amount window overlaps active definition %s (%s)", sibling.ID, sibling.Name))
		}
	}

	// Pool membership is external, so this is checked here rather than at runtime.
	for _, step := range steps {
		pool, err := s.identity.CountUsersWithRole(ctx, def.CompanyID, step.RoleRequired, step.DepartmentID)
		if err != nil {
			return err
		}
		if pool < step.RequiredApprovals {
			return errors.InvalidInput("steps", fmt.Sprintf(
				"step %d requires %d approvals but only %d users hold role %s",
				step.StepOrder, step.RequiredApprovals, pool, step.RoleRequired))
		}
	}

	if err := s.workflows.SetActive(ctx, def.ID, true); err != nil {
		return err
	}

	s.log.Info().Str("workflow_id", def.ID).Msg("Workflow definition activated")
	return nil
}

// Deactivate flips the definition inactive; in-flight instances keep their
// snapshots and are unaffected.
func (s *AdminService) Deactivate(ctx context.Context, workflowID string) error {
	if err := s.workflows.SetActive(ctx, workflowID, false); err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", workflowID).Msg("Workflow definition deactivated")
	return nil
}

// UpdateWorkflow rewrites a definition. When instances already reference it,
// the definition is cloned instead: the original is deactivated and a new,
// inactive definition carries the changes.
func (s *AdminService) UpdateWorkflow(ctx context.Context, workflowID string, in *WorkflowInput) (*WorkflowDetail, error) {
	if err := validateWorkflowInput(in); err != nil {
		return nil, err
	}

	existing, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	referenced, err := s.workflows.HasInstances(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if referenced {
		clone := &repository.WorkflowDefinition{
			ID:           uuid.NewString(),
			CompanyID:    existing.CompanyID,
			Name:         in.Name,
			DocumentType: in.DocumentType,
			DepartmentID: in.DepartmentID,
			AmountMin:    in.AmountMin,
			AmountMax:    in.AmountMax,
			IsActive:     false,
		}
		steps := buildSteps(clone.ID, in.Steps)

		if err := s.workflows.Create(ctx, clone, steps); err != nil {
			return nil, err
		}
		if err := s.workflows.SetActive(ctx, existing.ID, false); err != nil {
			return nil, err
		}

		s.log.Info().
			Str("workflow_id", existing.ID).
			Str("clone_id", clone.ID).
			Msg("Referenced workflow cloned; original deactivated")

		return &WorkflowDetail{Definition: clone, Steps: steps, TotalSLAHours: TotalSLAHours(steps)}, nil
	}

	updated := &repository.WorkflowDefinition{
		ID:           existing.ID,
		CompanyID:    existing.CompanyID,
		Name:         in.Name,
		DocumentType: in.DocumentType,
		DepartmentID: in.DepartmentID,
		AmountMin:    in.AmountMin,
		AmountMax:    in.AmountMax,
		IsActive:     existing.IsActive,
		CreatedAt:    existing.CreatedAt,
	}
	steps := buildSteps(updated.ID, in.Steps)

	if err := s.workflows.Update(ctx, updated, steps); err != nil {
		return nil, err
	}
	return &WorkflowDetail{Definition: updated, Steps: steps, TotalSLAHours: TotalSLAHours(steps)}, nil
}

// GetWorkflow returns a definition with steps and total SLA.
func (s *AdminService) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDetail, error) {
	def, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := s.workflows.GetSteps(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{Definition: def, Steps: steps, TotalSLAHours: TotalSLAHours(steps)}, nil
}

// ListWorkflows returns a company's definitions, optionally active-only.
func (s *AdminService) ListWorkflows(ctx context.Context, companyID string, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	return s.workflows.List(ctx, companyID, activeOnly)
}

// SelectWorkflow is the dry-run selection used by the façade: it reports
// which definition a hypothetical submission would route to.
func (s *AdminService) SelectWorkflow(ctx context.Context, companyID string, docType repository.DocumentType, amount int64, departmentID *string) (*repository.WorkflowDefinition, error) {
	if !docType.Valid() {
		return nil, errors.InvalidInput("document_type", fmt.Sprintf("unknown document type %q", docType))
	}
	defs, err := s.workflows.ListActive(ctx, companyID, docType)
	if err != nil {
		return nil, err
	}
	return selectWorkflow(defs, docType, amount, departmentID)
}

// ── validation helpers ───────────────────────────────────────────────────────

func validateWorkflowInput(in *WorkflowInput) error {
	if in.CompanyID == "" {
		return errors.InvalidInput("company_id", "company id is required")
	}
	if in.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if !in.DocumentType.Valid() {
		return errors.InvalidInput("document_type", fmt.Sprintf("unknown document type %q", in.DocumentType))
	}
	if in.AmountMin != nil && in.AmountMax != nil && *in.AmountMin >= *in.AmountMax {
		return errors.InvalidInput("amount_min", "amount_min must be below amount_max")
	}
	if len(in.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}

	groups := make(map[int][]StepInput)
	for _, step := range in.Steps {
		if !step.RoleRequired.Valid() {
			return errors.InvalidInput("steps", fmt.Sprintf("unknown role %q", step.RoleRequired))
		}
		if step.SLAHours <= 0 {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d: sla_hours must be positive", step.StepOrder))
		}
		if step.RequiredApprovals < 1 {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d: required_approvals must be at least 1", step.StepOrder))
		}
		groups[step.StepOrder] = append(groups[step.StepOrder], step)
	}

	// Distinct orders must be a dense 1-based sequence; steps sharing an
	// order run in parallel and must all say so.
	orders := make([]int, 0, len(groups))
	for order := range groups {
		orders = append(orders, order)
	}
	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			return errors.InvalidInput("steps", fmt.Sprintf(
				"step orders must be dense starting at 1; got order %d at position %d", order, i+1))
		}
		if len(groups[order]) > 1 {
			for _, step := range groups[order] {
				if !step.IsParallel {
					return errors.InvalidInput("steps", fmt.Sprintf(
						"order %d has multiple steps; all of them must be parallel", order))
				}
			}
		}
	}
	return nil
}

func buildSteps(workflowID string, inputs []StepInput) []*repository.ApprovalStep {
	steps := make([]*repository.ApprovalStep, 0, len(inputs))
	for _, in := range inputs {
		steps = append(steps, &repository.ApprovalStep{
			ID:                uuid.NewString(),
			WorkflowID:        workflowID,
			StepOrder:         in.StepOrder,
			RoleRequired:      in.RoleRequired,
			DepartmentID:      in.DepartmentID,
			SLAHours:          in.SLAHours,
			IsParallel:        in.IsParallel,
			RequiredApprovals: in.RequiredApprovals,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}

// sameDepartmentScope reports whether two definitions compete in selection:
// both wildcard, or both the same exact department. An exact and a wildcard
// definition may overlap because the exact one always wins the tie-break.
func sameDepartmentScope(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	return a != nil && b != nil && *a == *b
}

// windowsOverlap checks two half-open [min, max) windows; nil bounds are open.
func windowsOverlap(aMin, aMax, bMin, bMax *int64) bool {
	aStart, aEnd := boundOr(aMin, math.MinInt64), boundOr(aMax, math.MaxInt64)
	bStart, bEnd := boundOr(bMin, math.MinInt64), boundOr(bMax, math.MaxInt64)
	return aStart < bEnd && bStart < aEnd
}

func boundOr(v *int64, fallback int64) int64 {
	if v != nil {
		return *v
	}
	return fallback
}
