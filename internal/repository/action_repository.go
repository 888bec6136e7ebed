package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/procurata/be-approval-workflows/internal/database"
	"github.com/procurata/be-approval-workflows/internal/errors"
)

// ActionRepository reads the append-only approval action log. Writes happen
// inside the instance transaction (InstanceTxn.AppendAction) so an action and
// its consequences always commit together.
type ActionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *database.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// ListByInstance returns the full action log for an instance oldest-first.
func (r *ActionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, instance_id, step_id, approver_id, action, comment, created_at
		FROM approval_actions
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	return scanActions(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanActions(rows pgx.Rows) ([]*ApprovalAction, error) {
	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		err := rows.Scan(
			&a.ID,
			&a.InstanceID,
			&a.StepID,
			&a.ApproverID,
			&a.Action,
			&a.Comment,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}
