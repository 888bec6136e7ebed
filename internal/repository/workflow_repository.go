package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/procurata/be-approval-workflows/internal/database"
	"github.com/procurata/be-approval-workflows/internal/errors"
)

// WorkflowRepository manages workflow definitions and their owned steps.
// A definition and its steps are always written together in one transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a definition and its steps in one transaction.
func (r *WorkflowRepository) Create(ctx context.Context, def *WorkflowDefinition, steps []*ApprovalStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defQuery := `
			INSERT INTO workflow_definitions
			    (id, company_id, name, document_type, department_id,
			     amount_min, amount_max, is_active)
			VALUES ($1, $2, $3, $4::document_type, $5,
			        $6, $7, $8)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, defQuery,
			def.ID,
			def.CompanyID,
			def.Name,
			def.DocumentType,
			def.DepartmentID,
			def.AmountMin,
			def.AmountMax,
			def.IsActive,
		).Scan(&def.CreatedAt, &def.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
		}

		stepQuery := `
			INSERT INTO workflow_steps
			    (id, workflow_id, step_order, role_required, department_id,
			     sla_hours, is_parallel, required_approvals)
			VALUES ($1, $2, $3, $4::approver_role, $5,
			        $6, $7, $8)
			RETURNING created_at, updated_at
		`

		for _, step := range steps {
			step.WorkflowID = def.ID

			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.WorkflowID,
				step.StepOrder,
				step.RoleRequired,
				step.DepartmentID,
				step.SLAHours,
				step.IsParallel,
				step.RequiredApprovals,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
			}
		}

		return nil
	})
}

// GetByID retrieves a definition by primary key.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, company_id, name, document_type, department_id,
		       amount_min, amount_max, is_active,
		       created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1
	`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return def, err
}

// GetSteps returns a definition's steps ordered by step order.
func (r *WorkflowRepository) GetSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error) {
	query := `
		SELECT id, workflow_id, step_order, role_required, department_id,
		       sla_hours, is_parallel, required_approvals,
		       created_at, updated_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s := &ApprovalStep{}
		err := rows.Scan(
			&s.ID,
			&s.WorkflowID,
			&s.StepOrder,
			&s.RoleRequired,
			&s.DepartmentID,
			&s.SLAHours,
			&s.IsParallel,
			&s.RequiredApprovals,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// List returns all definitions for a company, optionally active-only.
func (r *WorkflowRepository) List(ctx context.Context, companyID string, activeOnly bool) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, company_id, name, document_type, department_id,
		       amount_min, amount_max, is_active,
		       created_at, updated_at
		FROM workflow_definitions
		WHERE company_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY document_type ASC, name ASC"

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	return scanDefinitions(rows)
}

// ListActive returns the active definitions for a company and document type;
// the selector evaluates matching in Go to keep the SQL simple.
func (r *WorkflowRepository) ListActive(ctx context.Context, companyID string, docType DocumentType) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, company_id, name, document_type, department_id,
		       amount_min, amount_max, is_active,
		       created_at, updated_at
		FROM workflow_definitions
		WHERE company_id = $1
		  AND document_type = $2::document_type
		  AND is_active = TRUE
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query, companyID, docType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active workflow definitions")
	}
	defer rows.Close()

	return scanDefinitions(rows)
}

// SetActive flips the active flag.
func (r *WorkflowRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE workflow_definitions
		SET is_active  = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_definition", id)
	}
	return err
}

// Update rewrites a definition and replaces its steps in one transaction.
// Callers must ensure no instance references the definition (see HasInstances).
func (r *WorkflowRepository) Update(ctx context.Context, def *WorkflowDefinition, steps []*ApprovalStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defQuery := `
			UPDATE workflow_definitions
			SET name          = $2,
			    document_type = $3::document_type,
			    department_id = $4,
			    amount_min    = $5,
			    amount_max    = $6,
			    is_active     = $7,
			    updated_at    = NOW()
			WHERE id = $1
			RETURNING updated_at
		`

		err := tx.QueryRow(ctx, defQuery,
			def.ID,
			def.Name,
			def.DocumentType,
			def.DepartmentID,
			def.AmountMin,
			def.AmountMax,
			def.IsActive,
		).Scan(&def.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_definition", def.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow definition")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, def.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace workflow steps")
		}

		stepQuery := `
			INSERT INTO workflow_steps
			    (id, workflow_id, step_order, role_required, department_id,
			     sla_hours, is_parallel, required_approvals)
			VALUES ($1, $2, $3, $4::approver_role, $5,
			        $6, $7, $8)
			RETURNING created_at, updated_at
		`
		for _, step := range steps {
			step.WorkflowID = def.ID
			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.WorkflowID,
				step.StepOrder,
				step.RoleRequired,
				step.DepartmentID,
				step.SLAHours,
				step.IsParallel,
				step.RequiredApprovals,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
			}
		}
		return nil
	})
}

// HasInstances reports whether any approval instance references the definition.
// Referenced definitions are deactivated and cloned, never mutated.
func (r *WorkflowRepository) HasInstances(ctx context.Context, workflowID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM approval_instances WHERE workflow_id = $1
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, workflowID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check workflow references")
	}
	return exists, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type definitionScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row definitionScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	err := row.Scan(
		&def.ID,
		&def.CompanyID,
		&def.Name,
		&def.DocumentType,
		&def.DepartmentID,
		&def.AmountMin,
		&def.AmountMax,
		&def.IsActive,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return def, nil
}

func scanDefinitions(rows pgx.Rows) ([]*WorkflowDefinition, error) {
	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, def)
	}
	return defs, nil
}
