package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/grants-approval-api/internal/models"
)

// entityTables maps each approvable kind to the table holding its records. Table names are
// interpolated into SQL, so only entries of this map ever reach a query.
var entityTables = map[models.EntityKind]string{
	models.EntityProposal:       "proposals",
	models.EntityMELP:           "melps",
	models.EntityWorkplan:       "workplans",
	models.EntityImpactStory:    "impact_stories",
	models.EntityOutputReport:   "output_reports",
	models.EntityOutcomeReport:  "outcome_reports",
	models.EntityProgressReport: "progress_reports",
	models.EntityAnnualReport:   "annual_reports",
}

// EntityRepository reads and writes the approval columns of one domain table.
type EntityRepository struct {
	db    *sqlx.DB
	kind  models.EntityKind
	table string
}

// NewEntityRepository returns a store bound to the table of kind.
func NewEntityRepository(db *sqlx.DB, kind models.EntityKind) (*EntityRepository, error) {
	table, ok := entityTables[kind]
	if !ok {
		return nil, fmt.Errorf("no table registered for entity kind %q", kind)
	}
	return &EntityRepository{db: db, kind: kind, table: table}, nil
}

// Kind returns the entity kind served by the repository.
func (r *EntityRepository) Kind() models.EntityKind {
	return r.kind
}

// Lookup returns sql.ErrNoRows when the record does not exist.
func (r *EntityRepository) Lookup(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EntityApprovalState, error) {
	query := fmt.Sprintf(`SELECT id, code, approved_count, status, submitted_at, approved_at FROM %s WHERE id = $1`, r.table)
	var state models.EntityApprovalState
	if err := sqlx.GetContext(ctx, pick(r.db, exec), &state, query, id); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetStatus overwrites the workflow status.
func (r *EntityRepository) SetStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.ApprovalStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = $3 WHERE id = $1`, r.table)
	result, err := pick(r.db, exec).ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s status: %w", r.kind, err)
	}
	return expectOneRow(result, "set "+string(r.kind)+" status")
}

// SetApprovedCount moves approved_count from expected to next. It returns sql.ErrNoRows when
// the stored count no longer equals expected.
func (r *EntityRepository) SetApprovedCount(ctx context.Context, exec sqlx.ExtContext, id string, expected, next int) error {
	if next < 0 || next > models.HierarchyLevels {
		return fmt.Errorf("approved count %d out of range", next)
	}
	query := fmt.Sprintf(`UPDATE %s SET approved_count = $3, updated_at = $4 WHERE id = $1 AND approved_count = $2`, r.table)
	result, err := pick(r.db, exec).ExecContext(ctx, query, id, expected, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s approved count: %w", r.kind, err)
	}
	return expectOneRow(result, "set "+string(r.kind)+" approved count")
}

// SetSubmittedAt stamps the submission time.
func (r *EntityRepository) SetSubmittedAt(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET submitted_at = $2 WHERE id = $1`, r.table)
	if _, err := pick(r.db, exec).ExecContext(ctx, query, id, ts); err != nil {
		return fmt.Errorf("set %s submitted_at: %w", r.kind, err)
	}
	return nil
}

// SetApprovedAt stamps the final approval time.
func (r *EntityRepository) SetApprovedAt(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET approved_at = $2 WHERE id = $1`, r.table)
	if _, err := pick(r.db, exec).ExecContext(ctx, query, id, ts); err != nil {
		return fmt.Errorf("set %s approved_at: %w", r.kind, err)
	}
	return nil
}

// ApproveActivities marks every activity of a workplan approved and returns how many changed.
func (r *EntityRepository) ApproveActivities(ctx context.Context, exec sqlx.ExtContext, workplanID string, ts time.Time) (int64, error) {
	if r.kind != models.EntityWorkplan {
		return 0, fmt.Errorf("%s records have no activities", r.kind)
	}
	const query = `UPDATE workplan_activities SET status = $2, approved_at = $3
WHERE workplan_id = $1 AND status <> $2`
	result, err := pick(r.db, exec).ExecContext(ctx, query, workplanID, models.StatusApproved, ts)
	if err != nil {
		return 0, fmt.Errorf("approve workplan activities: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approve workplan activities rows: %w", err)
	}
	return rows, nil
}
