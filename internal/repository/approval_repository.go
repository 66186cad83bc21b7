package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

const uniqueViolation = "23505"

const detailColumns = `id, approval_request_id, hierarchy_level, approver_id, status, request_received_date, action_taken_date, comment`

// ApprovalRepository is the approval ledger: request headers plus append-only detail rows.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// OpenRequest inserts the request header unless one already exists for the entity, in which
// case the existing row is loaded into req unchanged. created reports which path was taken.
func (r *ApprovalRepository) OpenRequest(ctx context.Context, exec sqlx.ExtContext, req *models.ApprovalRequest) (created bool, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedDate.IsZero() {
		req.RequestedDate = time.Now().UTC()
	}
	target := pick(r.db, exec)

	const insert = `INSERT INTO approval_requests (id, approval_type_id, entity_kind, entity_id, requested_by, requested_date)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (approval_type_id, entity_kind, entity_id) DO NOTHING`
	result, err := target.ExecContext(ctx, insert, req.ID, req.ApprovalTypeID, req.EntityKind, req.EntityID, req.RequestedBy, req.RequestedDate)
	if err != nil {
		return false, fmt.Errorf("open approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check approval request insert: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	existing, err := r.FindRequest(ctx, exec, req.ApprovalTypeID, req.EntityKind, req.EntityID)
	if err != nil {
		return false, fmt.Errorf("load existing approval request: %w", err)
	}
	*req = *existing
	return false, nil
}

// FindRequest returns sql.ErrNoRows when the entity was never submitted. Kinds sharing an
// approval type keep separate requests.
func (r *ApprovalRepository) FindRequest(ctx context.Context, exec sqlx.ExtContext, approvalTypeID string, kind models.EntityKind, entityID string) (*models.ApprovalRequest, error) {
	const query = `SELECT id, approval_type_id, entity_kind, entity_id, requested_by, requested_date
FROM approval_requests WHERE approval_type_id = $1 AND entity_kind = $2 AND entity_id = $3`
	var req models.ApprovalRequest
	if err := sqlx.GetContext(ctx, pick(r.db, exec), &req, query, approvalTypeID, kind, entityID); err != nil {
		return nil, err
	}
	return &req, nil
}

// TouchRequest resets requested_date on resubmission.
func (r *ApprovalRepository) TouchRequest(ctx context.Context, exec sqlx.ExtContext, requestID string, requestedDate time.Time) error {
	const query = `UPDATE approval_requests SET requested_date = $2 WHERE id = $1`
	result, err := pick(r.db, exec).ExecContext(ctx, query, requestID, requestedDate)
	if err != nil {
		return fmt.Errorf("touch approval request: %w", err)
	}
	return expectOneRow(result, "touch approval request")
}

// CurrentOpenDetail returns the single row awaiting a decision, or sql.ErrNoRows.
func (r *ApprovalRepository) CurrentOpenDetail(ctx context.Context, exec sqlx.ExtContext, requestID string) (*models.ApprovalDetail, error) {
	query := `SELECT ` + detailColumns + ` FROM approval_details
WHERE approval_request_id = $1 AND status = ANY($2)
ORDER BY request_received_date DESC LIMIT 1`
	var detail models.ApprovalDetail
	if err := sqlx.GetContext(ctx, pick(r.db, exec), &detail, query, requestID, openStatuses()); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CloseDetail transitions the open row in a single conditional write. When the row is no
// longer open (another caller closed it first) it returns sql.ErrNoRows and changes nothing.
func (r *ApprovalRepository) CloseDetail(ctx context.Context, exec sqlx.ExtContext, detailID string, status models.ApprovalStatus, actionTaken time.Time, comment *string) error {
	if status.IsOpen() {
		return fmt.Errorf("close detail: %s is not a closing status", status)
	}
	const query = `UPDATE approval_details SET status = $2, action_taken_date = $3, comment = $4
WHERE id = $1 AND status = ANY($5)`
	result, err := pick(r.db, exec).ExecContext(ctx, query, detailID, status, actionTaken, comment, openStatuses())
	if err != nil {
		return fmt.Errorf("close approval detail: %w", err)
	}
	return expectOneRow(result, "close approval detail")
}

// OpenDetail appends a ledger row.
func (r *ApprovalRepository) OpenDetail(ctx context.Context, exec sqlx.ExtContext, detail *models.ApprovalDetail) error {
	if detail.ID == "" {
		detail.ID = uuid.NewString()
	}
	if detail.RequestReceivedDate.IsZero() {
		detail.RequestReceivedDate = time.Now().UTC()
	}
	if !detail.Status.IsOpen() {
		return fmt.Errorf("open detail: %s is not an open status", detail.Status)
	}
	if detail.HierarchyLevel < 1 || detail.HierarchyLevel > models.HierarchyLevels {
		return fmt.Errorf("open detail: level %d out of range", detail.HierarchyLevel)
	}
	const query = `INSERT INTO approval_details (` + detailColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := pick(r.db, exec).ExecContext(ctx, query,
		detail.ID,
		detail.ApprovalRequestID,
		detail.HierarchyLevel,
		detail.ApproverID,
		detail.Status,
		detail.RequestReceivedDate,
		detail.ActionTakenDate,
		detail.Comment,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return appErrors.Wrap(err, appErrors.ErrAlreadyProcessed.Code, appErrors.ErrAlreadyProcessed.Status, "request already has an open approval step")
		}
		return fmt.Errorf("open approval detail: %w", err)
	}
	return nil
}

// HasDecision reports whether any row at level closed with status.
func (r *ApprovalRepository) HasDecision(ctx context.Context, exec sqlx.ExtContext, requestID string, level int, status models.ApprovalStatus) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM approval_details
WHERE approval_request_id = $1 AND hierarchy_level = $2 AND status = $3)`
	var exists bool
	if err := sqlx.GetContext(ctx, pick(r.db, exec), &exists, query, requestID, level, status); err != nil {
		return false, fmt.Errorf("check level %d decision: %w", level, err)
	}
	return exists, nil
}

// History lists every ledger row of a request, oldest first.
func (r *ApprovalRepository) History(ctx context.Context, requestID string) ([]models.ApprovalDetail, error) {
	query := `SELECT ` + detailColumns + ` FROM approval_details
WHERE approval_request_id = $1 ORDER BY request_received_date ASC, hierarchy_level ASC`
	var details []models.ApprovalDetail
	if err := r.db.SelectContext(ctx, &details, query, requestID); err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	return details, nil
}

// ListPending returns the open rows assigned to an approver, oldest first.
func (r *ApprovalRepository) ListPending(ctx context.Context, approverID string, limit int) ([]models.PendingApproval, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT d.id, d.approval_request_id, d.hierarchy_level, d.approver_id, d.status,
       d.request_received_date, d.action_taken_date, d.comment,
       t.name AS approval_type, q.entity_kind, q.entity_id, q.requested_by
FROM approval_details d
JOIN approval_requests q ON q.id = d.approval_request_id
JOIN approval_types t ON t.id = q.approval_type_id
WHERE d.approver_id = $1 AND d.status = ANY($2)
ORDER BY d.request_received_date ASC
LIMIT $3`
	var pending []models.PendingApproval
	if err := r.db.SelectContext(ctx, &pending, query, approverID, openStatuses(), limit); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return pending, nil
}

func openStatuses() pq.StringArray {
	out := make(pq.StringArray, len(models.OpenDetailStatuses))
	for i, s := range models.OpenDetailStatuses {
		out[i] = string(s)
	}
	return out
}

func expectOneRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means "no matching row".
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
