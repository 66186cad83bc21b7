package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/middleware"
	"github.com/noah-isme/grants-approval-api/internal/models"
	"github.com/noah-isme/grants-approval-api/internal/service"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

type fakeApprovalSrv struct {
	result   *dto.ApprovalResult
	err      error
	calls    []string
	actor    models.Identity
	reason   string
	kind     models.EntityKind
	entityID string
	limit    int
	pending  []models.PendingApproval
}

func (f *fakeApprovalSrv) record(call string, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
	f.calls = append(f.calls, call)
	f.kind, f.entityID, f.actor = kind, id, actor
	return f.result, f.err
}

func (f *fakeApprovalSrv) Submit(_ context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
	return f.record("submit", kind, id, actor)
}

func (f *fakeApprovalSrv) Resubmit(_ context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
	return f.record("resubmit", kind, id, actor)
}

func (f *fakeApprovalSrv) Approve(_ context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
	return f.record("approve", kind, id, actor)
}

func (f *fakeApprovalSrv) Deny(_ context.Context, kind models.EntityKind, id string, actor models.Identity, reason string) (*dto.ApprovalResult, error) {
	f.reason = reason
	return f.record("deny", kind, id, actor)
}

func (f *fakeApprovalSrv) RequestInformation(_ context.Context, kind models.EntityKind, id string, actor models.Identity, reason string) (*dto.ApprovalResult, error) {
	f.reason = reason
	return f.record("request-information", kind, id, actor)
}

func (f *fakeApprovalSrv) State(_ context.Context, kind models.EntityKind, id string) (*dto.ApprovalStateResponse, error) {
	f.kind, f.entityID = kind, id
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ApprovalStateResponse{EntityKind: kind, State: models.EntityApprovalState{EntityID: id, ApprovedCount: 2}}, nil
}

func (f *fakeApprovalSrv) History(_ context.Context, kind models.EntityKind, id string) (*dto.ApprovalHistoryResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ApprovalHistoryResponse{EntityKind: kind, Entries: []models.ApprovalDetail{{HierarchyLevel: 1}, {HierarchyLevel: 2}}}, nil
}

func (f *fakeApprovalSrv) Pending(_ context.Context, approverID string, limit int) ([]models.PendingApproval, error) {
	f.actor = models.Identity{UserID: approverID}
	f.limit = limit
	return f.pending, f.err
}

type fakeExporter struct {
	format string
	err    error
}

func (f *fakeExporter) ExportHistory(_ context.Context, kind models.EntityKind, id, rawFormat string) (*service.ExportFile, error) {
	f.format = rawFormat
	if f.err != nil {
		return nil, f.err
	}
	return &service.ExportFile{Filename: string(kind) + "-P-1-approvals.csv", ContentType: "text/csv", Content: []byte("Level\n1\n")}, nil
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func newApprovalContext(method, target, body string, params gin.Params, withUser bool) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	if withUser {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u-approver", Email: "approver@example.org", Role: models.RoleApprover})
	}
	return c, rec
}

func entityParams(kind, id string) gin.Params {
	return gin.Params{{Key: "kind", Value: kind}, {Key: "id", Value: id}}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestApprovalHandlerApprovePassesActor(t *testing.T) {
	srv := &fakeApprovalSrv{result: &dto.ApprovalResult{EntityKind: models.EntityProposal, NextLevel: 3}}
	h := NewApprovalHandler(srv, nil)

	c, rec := newApprovalContext(http.MethodPost, "/approvals/proposal/p-1/approve", "", entityParams("proposal", "p-1"), true)
	h.Approve(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"approve"}, srv.calls)
	assert.Equal(t, models.EntityProposal, srv.kind)
	assert.Equal(t, "p-1", srv.entityID)
	assert.Equal(t, "u-approver", srv.actor.UserID)
}

func TestApprovalHandlerSurfacesWarnings(t *testing.T) {
	srv := &fakeApprovalSrv{result: &dto.ApprovalResult{Warnings: []string{"NOTIFICATION_FAILED: queue is full"}}}
	h := NewApprovalHandler(srv, nil)

	c, rec := newApprovalContext(http.MethodPost, "/approvals/melp/m-1/submit", "", entityParams("melp", "m-1"), true)
	h.Submit(c)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Contains(t, env.Meta, "warnings")
}

func TestApprovalHandlerMapsDomainErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"not current approver": {appErrors.ErrNotCurrentApprover, http.StatusForbidden},
		"already processed":    {appErrors.Clone(appErrors.ErrAlreadyProcessed, "level 2 already decided"), http.StatusConflict},
		"invalid hierarchy":    {appErrors.ErrInvalidHierarchy, http.StatusUnprocessableEntity},
		"internal":             {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewApprovalHandler(&fakeApprovalSrv{err: tc.err}, nil)
			c, rec := newApprovalContext(http.MethodPost, "/approvals/workplan/w-1/approve", "", entityParams("workplan", "w-1"), true)
			h.Approve(c)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestApprovalHandlerRejectsUnknownKindAndMissingUser(t *testing.T) {
	srv := &fakeApprovalSrv{}
	h := NewApprovalHandler(srv, nil)

	c, rec := newApprovalContext(http.MethodPost, "/approvals/budget/b-1/submit", "", entityParams("budget", "b-1"), true)
	h.Submit(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, appErrors.ErrUnknownApprovalType.Code, decode(t, rec).Error.Code)

	c, rec = newApprovalContext(http.MethodPost, "/approvals/proposal/p-1/submit", "", entityParams("proposal", "p-1"), false)
	h.Submit(c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, srv.calls)
}

func TestApprovalHandlerDenyBindsReason(t *testing.T) {
	srv := &fakeApprovalSrv{result: &dto.ApprovalResult{}}
	h := NewApprovalHandler(srv, nil)

	c, rec := newApprovalContext(http.MethodPost, "/approvals/impact_story/i-1/deny", `{"reason":"budget lines missing"}`, entityParams("impact_story", "i-1"), true)
	h.Deny(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "budget lines missing", srv.reason)

	c, rec = newApprovalContext(http.MethodPost, "/approvals/impact_story/i-1/request-information", `{"reason":`, entityParams("impact_story", "i-1"), true)
	h.RequestInformation(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"deny"}, srv.calls)
}

func TestApprovalHandlerReadViews(t *testing.T) {
	srv := &fakeApprovalSrv{pending: []models.PendingApproval{{ApprovalType: "Proposal"}}}
	h := NewApprovalHandler(srv, nil)

	c, rec := newApprovalContext(http.MethodGet, "/approvals/annual_report/a-1", "", entityParams("annual_report", "a-1"), true)
	h.State(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EntityAnnualReport, srv.kind)

	c, rec = newApprovalContext(http.MethodGet, "/approvals/annual_report/a-1/history", "", entityParams("annual_report", "a-1"), true)
	h.History(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec).Meta["total"])

	c, rec = newApprovalContext(http.MethodGet, "/approvals/pending?limit=10", "", nil, true)
	h.Pending(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, srv.limit)
	assert.Equal(t, "u-approver", srv.actor.UserID)

	c, rec = newApprovalContext(http.MethodGet, "/approvals/pending?limit=abc", "", nil, true)
	h.Pending(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalHandlerExport(t *testing.T) {
	exporter := &fakeExporter{}
	h := NewApprovalHandler(&fakeApprovalSrv{}, exporter)

	c, rec := newApprovalContext(http.MethodGet, "/approvals/proposal/P-1/history/export", "", entityParams("proposal", "P-1"), true)
	h.ExportHistory(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "csv", exporter.format)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "proposal-P-1-approvals.csv")
	assert.Equal(t, "Level\n1\n", rec.Body.String())

	exporter.err = appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	c, rec = newApprovalContext(http.MethodGet, "/approvals/proposal/P-1/history/export?format=xlsx", "", entityParams("proposal", "P-1"), true)
	h.ExportHistory(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "xlsx", exporter.format)
}

func TestApprovalHandlerWithoutService(t *testing.T) {
	h := NewApprovalHandler(nil, nil)
	c, rec := newApprovalContext(http.MethodGet, "/approvals/proposal/p-1", "", entityParams("proposal", "p-1"), true)
	h.State(c)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
