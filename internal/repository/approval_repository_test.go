package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

var detailRowColumns = []string{"id", "approval_request_id", "hierarchy_level", "approver_id", "status", "request_received_date", "action_taken_date", "comment"}

func TestOpenRequestCreates(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (approval_type_id, entity_kind, entity_id) DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "type-1", models.EntityProposal, "p-1", "u-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := &models.ApprovalRequest{ApprovalTypeID: "type-1", EntityKind: models.EntityProposal, EntityID: "p-1", RequestedBy: "u-1"}
	created, err := repo.OpenRequest(context.Background(), nil, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, req.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequestReturnsExisting(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	requested := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_requests")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_requests WHERE approval_type_id = $1 AND entity_kind = $2 AND entity_id = $3")).
		WithArgs("type-1", models.EntityProposal, "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "approval_type_id", "entity_kind", "entity_id", "requested_by", "requested_date"}).
			AddRow("req-0", "type-1", "proposal", "p-1", "u-0", requested))

	req := &models.ApprovalRequest{ApprovalTypeID: "type-1", EntityKind: models.EntityProposal, EntityID: "p-1", RequestedBy: "u-1"}
	created, err := repo.OpenRequest(context.Background(), nil, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "req-0", req.ID)
	assert.Equal(t, "u-0", req.RequestedBy)
	assert.True(t, requested.Equal(req.RequestedDate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRequestScopesByKind(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE approval_type_id = $1 AND entity_kind = $2 AND entity_id = $3")).
		WithArgs("type-reports", models.EntityProgressReport, "X").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindRequest(context.Background(), nil, "type-reports", models.EntityProgressReport, "X")
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentOpenDetail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_details")).
		WithArgs("req-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(detailRowColumns).
			AddRow("d-1", "req-1", 2, "bob", "RECEIVED_FOR_APPROVAL", now, nil, nil))

	detail, err := repo.CurrentOpenDetail(context.Background(), nil, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.HierarchyLevel)
	assert.Equal(t, models.StatusReceivedForApproval, detail.Status)
	assert.Nil(t, detail.ActionTakenDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseDetailConditional(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	now := time.Now().UTC()
	query := regexp.QuoteMeta("UPDATE approval_details SET status = $2, action_taken_date = $3, comment = $4\nWHERE id = $1 AND status = ANY($5)")
	mock.ExpectExec(query).
		WithArgs("d-1", models.StatusApproved, now, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("d-1", models.StatusApproved, now, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.CloseDetail(context.Background(), nil, "d-1", models.StatusApproved, now, nil))
	err := repo.CloseDetail(context.Background(), nil, "d-1", models.StatusApproved, now, nil)
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseDetailRejectsOpenStatus(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	err := repo.CloseDetail(context.Background(), nil, "d-1", models.StatusResubmitted, time.Now(), nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDetailValidatesLevel(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	err := repo.OpenDetail(context.Background(), nil, &models.ApprovalDetail{
		ApprovalRequestID: "req-1",
		HierarchyLevel:    5,
		ApproverID:        "x",
		Status:            models.StatusReceivedForApproval,
	})
	require.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_details")).
		WithArgs(sqlmock.AnyArg(), "req-1", 1, "alice", models.StatusReceivedForApproval, sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	detail := &models.ApprovalDetail{ApprovalRequestID: "req-1", HierarchyLevel: 1, ApproverID: "alice", Status: models.StatusReceivedForApproval}
	require.NoError(t, repo.OpenDetail(context.Background(), nil, detail))
	assert.NotEmpty(t, detail.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasDecision(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("req-1", 1, models.StatusApproved).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.HasDecision(context.Background(), nil, "req-1", 1, models.StatusApproved)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingClampsLimit(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE d.approver_id = $1 AND d.status = ANY($2)")).
		WithArgs("bob", sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, detailRowColumns...), "approval_type", "entity_kind", "entity_id", "requested_by")).
			AddRow("d-1", "req-1", 2, "bob", "RECEIVED_FOR_APPROVAL", now, nil, nil, "Proposal", "proposal", "p-1", "carol"))

	pending, err := repo.ListPending(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Proposal", pending[0].ApprovalType)
	assert.Equal(t, models.EntityProposal, pending[0].EntityKind)
	assert.Equal(t, 2, pending[0].HierarchyLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDetailUniqueViolationIsAlreadyProcessed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_details")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.OpenDetail(context.Background(), nil, &models.ApprovalDetail{
		ApprovalRequestID: "req-1",
		HierarchyLevel:    2,
		ApproverID:        "bob",
		Status:            models.StatusResubmitted,
	})
	require.True(t, errors.Is(err, appErrors.ErrAlreadyProcessed))
	assert.NoError(t, mock.ExpectationsWereMet())
}
