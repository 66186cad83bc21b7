package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

type stubHierarchyStore struct {
	types     map[string]*models.ApprovalType
	entries   map[string][]models.HierarchyEntry
	listCalls int
	upsertErr error
	// openSteps maps "type/level" to the approver ids of open ledger steps.
	openSteps map[string][]string
}

func newStubHierarchyStore() *stubHierarchyStore {
	return &stubHierarchyStore{
		types:     map[string]*models.ApprovalType{"Proposal": {ID: "t-1", Name: "Proposal", Label: "Grant Proposal"}},
		entries:   map[string][]models.HierarchyEntry{},
		openSteps: map[string][]string{},
	}
}

func (s *stubHierarchyStore) FindTypeByName(ctx context.Context, name string) (*models.ApprovalType, error) {
	t, ok := s.types[name]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (s *stubHierarchyStore) ListTypes(ctx context.Context) ([]models.ApprovalType, error) {
	out := make([]models.ApprovalType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, *t)
	}
	return out, nil
}

func (s *stubHierarchyStore) ListEntries(ctx context.Context, approvalTypeID string) ([]models.HierarchyEntry, error) {
	s.listCalls++
	return append([]models.HierarchyEntry(nil), s.entries[approvalTypeID]...), nil
}

func (s *stubHierarchyStore) UpsertEntries(ctx context.Context, exec sqlx.ExtContext, entries []models.HierarchyEntry) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	byLevel := map[int]models.HierarchyEntry{}
	for _, e := range s.entries[entries[0].ApprovalTypeID] {
		byLevel[e.Level] = e
	}
	for _, e := range entries {
		e.UpdatedAt = time.Now().UTC()
		byLevel[e.Level] = e
	}
	merged := make([]models.HierarchyEntry, 0, len(byLevel))
	for _, e := range byLevel {
		merged = append(merged, e)
	}
	s.entries[entries[0].ApprovalTypeID] = merged
	return nil
}

func (s *stubHierarchyStore) ReassignOpenSteps(ctx context.Context, exec sqlx.ExtContext, approvalTypeID string, level int, approverID string) (int64, error) {
	key := fmt.Sprintf("%s/%d", approvalTypeID, level)
	var moved int64
	for i, owner := range s.openSteps[key] {
		if owner != approverID {
			s.openSteps[key][i] = approverID
			moved++
		}
	}
	return moved, nil
}

type mapCache struct {
	items         map[string][]byte
	invalidateErr error
}

func (c *mapCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items[key] = raw
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, keys ...string) error {
	if c.invalidateErr != nil {
		return c.invalidateErr
	}
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func assignment(approvers ...string) dto.AssignApproversRequest {
	req := dto.AssignApproversRequest{}
	for i, a := range approvers {
		req.Approvers = append(req.Approvers, dto.ApproverAssignment{Level: i + 1, ApproverID: a})
	}
	return req
}

func newHierarchyFixture() (*HierarchyService, *stubHierarchyStore, *recordingNotifier, *mapCache) {
	store := newStubHierarchyStore()
	notifier := &recordingNotifier{}
	cache := &mapCache{items: map[string][]byte{}}
	svc := NewHierarchyService(store, newStubUsers("A", "B", "C", "D", "E"), passthroughTx{}, &recordingAudit{}, cache, notifier, nil, nil, HierarchyServiceConfig{})
	return svc, store, notifier, cache
}

func TestAssignApproversNotifiesNewOwnersOnly(t *testing.T) {
	svc, _, notifier, _ := newHierarchyFixture()
	ctx := context.Background()

	resp, err := svc.AssignApprovers(ctx, "Proposal", assignment("A", "B", "C", "D"), models.Identity{UserID: "admin"})
	require.NoError(t, err)
	require.Len(t, resp.Levels, 4)
	assert.Equal(t, "User A", resp.Levels[0].Approver.FullName)
	assert.Len(t, notifier.sent, 4)

	_, err = svc.AssignApprovers(ctx, "Proposal", assignment("A", "E", "C", "D"), models.Identity{UserID: "admin"})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 5)
	last := notifier.last()
	assert.Equal(t, "E", last.Recipient.UserID)
	assert.Equal(t, 2, last.Level)
	assert.Equal(t, TemplateApproverAssigned, last.Template)
	assert.Equal(t, "Grant Proposal", last.ApprovalTypeLabel)
}

func TestAssignApproversValidation(t *testing.T) {
	svc, _, _, _ := newHierarchyFixture()
	ctx := context.Background()

	_, err := svc.AssignApprovers(ctx, "Proposal", assignment("A", "B", "C"), models.Identity{})
	require.True(t, errors.Is(err, appErrors.ErrInvalidHierarchy))

	dup := assignment("A", "B", "C", "D")
	dup.Approvers[3].Level = 3
	_, err = svc.AssignApprovers(ctx, "Proposal", dup, models.Identity{})
	require.True(t, errors.Is(err, appErrors.ErrInvalidHierarchy))

	_, err = svc.AssignApprovers(ctx, "Budget", assignment("A", "B", "C", "D"), models.Identity{})
	require.True(t, errors.Is(err, appErrors.ErrUnknownApprovalType))

	_, err = svc.AssignApprovers(ctx, "Proposal", assignment("A", "B", "C", "ghost"), models.Identity{})
	require.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestChainUsesCacheAndInvalidatesOnAssign(t *testing.T) {
	svc, store, _, cache := newHierarchyFixture()
	ctx := context.Background()

	_, _, err := svc.Chain(ctx, "Proposal")
	require.True(t, errors.Is(err, appErrors.ErrInvalidHierarchy))
	assert.Contains(t, cache.items, hierarchyCachePrefix+"Proposal")

	_, err = svc.AssignApprovers(ctx, "Proposal", assignment("A", "B", "C", "D"), models.Identity{})
	require.NoError(t, err)
	assert.NotContains(t, cache.items, hierarchyCachePrefix+"Proposal")

	calls := store.listCalls
	approvalType, chain, err := svc.Chain(ctx, "Proposal")
	require.NoError(t, err)
	assert.Equal(t, "t-1", approvalType.ID)
	require.Len(t, chain, 4)
	assert.Equal(t, "D", chain[3].ApproverID)

	_, _, err = svc.Chain(ctx, "Proposal")
	require.NoError(t, err)
	assert.Equal(t, calls+1, store.listCalls)

	_, _, err = svc.Chain(ctx, "Budget")
	require.True(t, errors.Is(err, appErrors.ErrUnknownApprovalType))
}

func TestAssignApproversStoreFailure(t *testing.T) {
	svc, store, notifier, _ := newHierarchyFixture()
	store.upsertErr = errors.New("connection reset")

	_, err := svc.AssignApprovers(context.Background(), "Proposal", assignment("A", "B", "C", "D"), models.Identity{})
	require.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
	assert.Empty(t, notifier.sent)
}

func TestAssignApproversMovesOpenSteps(t *testing.T) {
	svc, store, notifier, _ := newHierarchyFixture()
	ctx := context.Background()

	_, err := svc.AssignApprovers(ctx, "Proposal", assignment("A", "B", "C", "D"), models.Identity{UserID: "admin"})
	require.NoError(t, err)
	store.openSteps["t-1/1"] = []string{"A"}
	store.openSteps["t-1/2"] = []string{"B", "B"}

	_, err = svc.AssignApprovers(ctx, "Proposal", assignment("A", "E", "C", "D"), models.Identity{UserID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, store.openSteps["t-1/1"])
	assert.Equal(t, []string{"E", "E"}, store.openSteps["t-1/2"])

	last := notifier.last()
	assert.Equal(t, "E", last.Recipient.UserID)
	assert.Equal(t, 2, last.Pending)
}

func TestAssignApproversLogsFailedInvalidation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := newStubHierarchyStore()
	cache := &mapCache{items: map[string][]byte{}, invalidateErr: errors.New("redis down")}
	svc := NewHierarchyService(store, newStubUsers("A", "B", "C", "D"), passthroughTx{}, &recordingAudit{}, cache, nil, nil, zap.New(core), HierarchyServiceConfig{CacheTTL: time.Minute})

	_, err := svc.AssignApprovers(context.Background(), "Proposal", assignment("A", "B", "C", "D"), models.Identity{UserID: "admin"})
	require.NoError(t, err)

	entries := logs.FilterMessageSnippet("cache invalidation failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "Proposal", fields["approval_type"])
	assert.Equal(t, "redis down", fields["error"])
}
