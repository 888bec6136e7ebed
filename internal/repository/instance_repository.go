package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procurata/be-approval-workflows/internal/database"
	"github.com/procurata/be-approval-workflows/internal/errors"
)

// InstanceRepository manages approval instances, their snapshotted steps, and
// the locked transaction view used for the atomic check-and-advance. All
// mutations of a live instance go through InInstanceTxn, which row-locks the
// instance so two concurrent closing approvals cannot both advance it.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts an instance and its snapshotted steps in one transaction.
func (r *InstanceRepository) Create(ctx context.Context, inst *ApprovalInstance, steps []*InstanceStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO approval_instances
			    (id, workflow_id, company_id, document_type, document_id,
			     requester_id, current_step, status, amount, department_id,
			     submitted_at)
			VALUES ($1, $2, $3, $4::document_type, $5,
			        $6, $7, $8::instance_status, $9, $10,
			        $11)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, instQuery,
			inst.ID,
			inst.WorkflowID,
			inst.CompanyID,
			inst.DocumentType,
			inst.DocumentID,
			inst.RequesterID,
			inst.CurrentStep,
			inst.Status,
			inst.Amount,
			inst.DepartmentID,
			inst.SubmittedAt,
		).Scan(&inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		stepQuery := `
			INSERT INTO approval_instance_steps
			    (id, instance_id, step_id, step_order, role_required,
			     department_id, sla_hours, is_parallel, required_approvals,
			     state, started_at)
			VALUES ($1, $2, $3, $4, $5::approver_role,
			        $6, $7, $8, $9,
			        $10::step_state, $11)
		`

		for _, step := range steps {
			step.InstanceID = inst.ID
			_, err := tx.Exec(ctx, stepQuery,
				step.ID,
				step.InstanceID,
				step.StepID,
				step.StepOrder,
				step.RoleRequired,
				step.DepartmentID,
				step.SLAHours,
				step.IsParallel,
				step.RequiredApprovals,
				step.State,
				step.StartedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create instance step")
			}
		}

		return nil
	})
}

const instanceColumns = `
	id, workflow_id, company_id, document_type, document_id,
	requester_id, current_step, status, amount, department_id,
	submitted_at, completed_at, created_at, updated_at
`

// GetByID retrieves an instance by primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetOpenByDocument returns the open instance for a document, or nil.
func (r *InstanceRepository) GetOpenByDocument(ctx context.Context, companyID string, docType DocumentType, documentID string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE company_id = $1
		  AND document_type = $2::document_type
		  AND document_id = $3
		  AND status IN ('pending', 'escalated')
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, companyID, docType, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// GetSteps returns the instance's snapshotted steps ordered by step order.
func (r *InstanceRepository) GetSteps(ctx context.Context, instanceID string) ([]*InstanceStep, error) {
	rows, err := r.db.Query(ctx, instanceStepQuery+` WHERE instance_id = $1 ORDER BY step_order ASC, id ASC`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance steps")
	}
	defer rows.Close()

	return scanInstanceSteps(rows)
}

// ListOpen returns every non-terminal instance; the SLA monitor walks these.
func (r *InstanceRepository) ListOpen(ctx context.Context) ([]*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE status IN ('pending', 'escalated')
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open instances")
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ListPendingForApprover returns pending instances whose active step order has
// an open step matching the approver's role and department scope.
func (r *InstanceRepository) ListPendingForApprover(ctx context.Context, companyID string, role ApproverRole, departmentID *string) ([]*ApprovalInstance, error) {
	query := `
		SELECT DISTINCT
		       i.id, i.workflow_id, i.company_id, i.document_type, i.document_id,
		       i.requester_id, i.current_step, i.status, i.amount, i.department_id,
		       i.submitted_at, i.completed_at, i.created_at, i.updated_at
		FROM approval_instances i
		JOIN approval_instance_steps s ON s.instance_id = i.id
		WHERE i.company_id = $1
		  AND i.status = 'pending'
		  AND s.step_order = i.current_step
		  AND s.state = 'pending'
		  AND s.role_required = $2::approver_role
		  AND (s.department_id IS NULL OR s.department_id = $3)
		ORDER BY i.submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, companyID, role, departmentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanInstances(rows)
}

// InInstanceTxn runs fn against a row-locked view of the instance. The lock
// serializes writers per instance: concurrent approvals, rejections and
// cancellations are resolved by whichever transaction commits first.
func (r *InstanceRepository) InInstanceTxn(ctx context.Context, instanceID string, fn func(txn InstanceTxn) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1 FOR UPDATE`

		inst, err := scanInstance(tx.QueryRow(ctx, query, instanceID))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_instance", instanceID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval instance")
		}

		return fn(&pgInstanceTxn{ctx: ctx, tx: tx, inst: inst})
	})
}

// pgInstanceTxn implements InstanceTxn over a pgx transaction holding the
// instance row lock.
type pgInstanceTxn struct {
	ctx  context.Context
	tx   pgx.Tx
	inst *ApprovalInstance
}

func (t *pgInstanceTxn) Instance() *ApprovalInstance { return t.inst }

func (t *pgInstanceTxn) Steps() ([]*InstanceStep, error) {
	rows, err := t.tx.Query(t.ctx, instanceStepQuery+` WHERE instance_id = $1 ORDER BY step_order ASC, id ASC`, t.inst.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance steps")
	}
	defer rows.Close()

	return scanInstanceSteps(rows)
}

func (t *pgInstanceTxn) DistinctApprovals(stepID string) (int, error) {
	query := `
		SELECT COUNT(DISTINCT approver_id)
		FROM approval_actions
		WHERE instance_id = $1
		  AND step_id = $2
		  AND action = 'approved'
	`

	var count int
	if err := t.tx.QueryRow(t.ctx, query, t.inst.ID, stepID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
	}
	return count, nil
}

func (t *pgInstanceTxn) HasApproval(stepID, approverID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM approval_actions
			WHERE instance_id = $1
			  AND step_id = $2
			  AND approver_id = $3
			  AND action = 'approved'
		)
	`

	var exists bool
	if err := t.tx.QueryRow(t.ctx, query, t.inst.ID, stepID, approverID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check for duplicate approval")
	}
	return exists, nil
}

func (t *pgInstanceTxn) AppendAction(action *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (id, instance_id, step_id, approver_id, action, comment)
		VALUES ($1, $2, $3, $4, $5::action_type, $6)
		RETURNING created_at
	`

	return t.tx.QueryRow(t.ctx, query,
		action.ID,
		action.InstanceID,
		action.StepID,
		action.ApproverID,
		action.Action,
		action.Comment,
	).Scan(&action.CreatedAt)
}

func (t *pgInstanceTxn) CloseStep(stepID string, at time.Time) error {
	query := `
		UPDATE approval_instance_steps
		SET state     = 'closed'::step_state,
		    closed_at = $3
		WHERE instance_id = $1 AND id = $2
		RETURNING id
	`

	var returnedID string
	err := t.tx.QueryRow(t.ctx, query, t.inst.ID, stepID, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("instance_step", stepID)
	}
	return err
}

func (t *pgInstanceTxn) CloseOpenSteps(state StepState, at time.Time) error {
	query := `
		UPDATE approval_instance_steps
		SET state     = $2::step_state,
		    closed_at = $3
		WHERE instance_id = $1
		  AND state = 'pending'
	`

	_, err := t.tx.Exec(t.ctx, query, t.inst.ID, state, at)
	return err
}

func (t *pgInstanceTxn) AdvanceTo(order int, at time.Time) error {
	instQuery := `
		UPDATE approval_instances
		SET current_step = $2,
		    updated_at   = NOW()
		WHERE id = $1
	`
	if _, err := t.tx.Exec(t.ctx, instQuery, t.inst.ID, order); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance instance")
	}

	stepQuery := `
		UPDATE approval_instance_steps
		SET started_at = $3
		WHERE instance_id = $1
		  AND step_order = $2
		  AND started_at IS NULL
	`
	if _, err := t.tx.Exec(t.ctx, stepQuery, t.inst.ID, order, at); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to start next steps")
	}

	t.inst.CurrentStep = order
	return nil
}

func (t *pgInstanceTxn) SetStatus(status InstanceStatus, at time.Time) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &at
	}

	query := `
		UPDATE approval_instances
		SET status       = $2::instance_status,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
	`
	if _, err := t.tx.Exec(t.ctx, query, t.inst.ID, status, completedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update instance status")
	}

	t.inst.Status = status
	t.inst.CompletedAt = completedAt
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const instanceStepQuery = `
	SELECT id, instance_id, step_id, step_order, role_required,
	       department_id, sla_hours, is_parallel, required_approvals,
	       state, started_at, closed_at
	FROM approval_instance_steps
`

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.WorkflowID,
		&inst.CompanyID,
		&inst.DocumentType,
		&inst.DocumentID,
		&inst.RequesterID,
		&inst.CurrentStep,
		&inst.Status,
		&inst.Amount,
		&inst.DepartmentID,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func scanInstances(rows pgx.Rows) ([]*ApprovalInstance, error) {
	var instances []*ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func scanInstanceSteps(rows pgx.Rows) ([]*InstanceStep, error) {
	var steps []*InstanceStep
	for rows.Next() {
		s := &InstanceStep{}
		err := rows.Scan(
			&s.ID,
			&s.InstanceID,
			&s.StepID,
			&s.StepOrder,
			&s.RoleRequired,
			&s.DepartmentID,
			&s.SLAHours,
			&s.IsParallel,
			&s.RequiredApprovals,
			&s.State,
			&s.StartedAt,
			&s.ClosedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan instance step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}
