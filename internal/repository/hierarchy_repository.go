package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/grants-approval-api/internal/models"
)

// HierarchyRepository persists approval types and their approver chains.
type HierarchyRepository struct {
	db *sqlx.DB
}

// NewHierarchyRepository constructs the repository.
func NewHierarchyRepository(db *sqlx.DB) *HierarchyRepository {
	return &HierarchyRepository{db: db}
}

// FindTypeByName returns sql.ErrNoRows when the type is not registered.
func (r *HierarchyRepository) FindTypeByName(ctx context.Context, name string) (*models.ApprovalType, error) {
	const query = `SELECT id, name, label FROM approval_types WHERE name = $1`
	var t models.ApprovalType
	if err := r.db.GetContext(ctx, &t, query, name); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTypes returns every registered approval type ordered by name.
func (r *HierarchyRepository) ListTypes(ctx context.Context) ([]models.ApprovalType, error) {
	const query = `SELECT id, name, label FROM approval_types ORDER BY name ASC`
	var types []models.ApprovalType
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, fmt.Errorf("list approval types: %w", err)
	}
	return types, nil
}

// ListEntries returns the configured levels of a type in ascending level order.
func (r *HierarchyRepository) ListEntries(ctx context.Context, approvalTypeID string) ([]models.HierarchyEntry, error) {
	const query = `SELECT approval_type_id, level, approver_id, updated_at
FROM approval_hierarchies WHERE approval_type_id = $1 ORDER BY level ASC`
	var entries []models.HierarchyEntry
	if err := r.db.SelectContext(ctx, &entries, query, approvalTypeID); err != nil {
		return nil, fmt.Errorf("list hierarchy entries: %w", err)
	}
	return entries, nil
}

// UpsertEntries overwrites the approver of each supplied level.
func (r *HierarchyRepository) UpsertEntries(ctx context.Context, exec sqlx.ExtContext, entries []models.HierarchyEntry) error {
	const query = `INSERT INTO approval_hierarchies (approval_type_id, level, approver_id, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (approval_type_id, level)
DO UPDATE SET approver_id = EXCLUDED.approver_id, updated_at = EXCLUDED.updated_at`
	target := pick(r.db, exec)
	now := time.Now().UTC()
	for i := range entries {
		entries[i].UpdatedAt = now
		e := entries[i]
		if _, err := target.ExecContext(ctx, query, e.ApprovalTypeID, e.Level, e.ApproverID, e.UpdatedAt); err != nil {
			return fmt.Errorf("upsert hierarchy level %d: %w", e.Level, err)
		}
	}
	return nil
}

// ReassignOpenSteps hands every open ledger step of a type and level to approverID so the
// inbox follows the hierarchy after a reassignment.
func (r *HierarchyRepository) ReassignOpenSteps(ctx context.Context, exec sqlx.ExtContext, approvalTypeID string, level int, approverID string) (int64, error) {
	const query = `UPDATE approval_details d SET approver_id = $3
FROM approval_requests q
WHERE q.id = d.approval_request_id AND q.approval_type_id = $1 AND d.hierarchy_level = $2
AND d.status = ANY($4) AND d.approver_id <> $3`
	result, err := pick(r.db, exec).ExecContext(ctx, query, approvalTypeID, level, approverID, openStatuses())
	if err != nil {
		return 0, fmt.Errorf("reassign open steps at level %d: %w", level, err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reassign open steps rows: %w", err)
	}
	return moved, nil
}
