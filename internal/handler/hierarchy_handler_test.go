package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

type fakeHierarchySrv struct {
	assigned dto.AssignApproversRequest
	actor    models.Identity
	typeName string
	err      error
}

func (f *fakeHierarchySrv) ListTypes(context.Context) ([]models.ApprovalType, error) {
	return []models.ApprovalType{{Name: "Proposal"}, {Name: "Reports"}}, f.err
}

func (f *fakeHierarchySrv) GetApprovers(_ context.Context, typeName string) (*dto.HierarchyResponse, error) {
	f.typeName = typeName
	if f.err != nil {
		return nil, f.err
	}
	return &dto.HierarchyResponse{ApprovalType: models.ApprovalType{Name: typeName}}, nil
}

func (f *fakeHierarchySrv) AssignApprovers(_ context.Context, typeName string, req dto.AssignApproversRequest, actor models.Identity) (*dto.HierarchyResponse, error) {
	f.typeName, f.assigned, f.actor = typeName, req, actor
	if f.err != nil {
		return nil, f.err
	}
	return &dto.HierarchyResponse{ApprovalType: models.ApprovalType{Name: typeName}}, nil
}

func typeParams(name string) gin.Params {
	return gin.Params{{Key: "type", Value: name}}
}

func TestHierarchyHandlerList(t *testing.T) {
	h := NewHierarchyHandler(&fakeHierarchySrv{})
	c, rec := newApprovalContext(http.MethodGet, "/approval-types", "", nil, true)
	h.ListTypes(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec).Meta["total"])
}

func TestHierarchyHandlerGetUnknownType(t *testing.T) {
	srv := &fakeHierarchySrv{err: appErrors.ErrUnknownApprovalType}
	h := NewHierarchyHandler(srv)
	c, rec := newApprovalContext(http.MethodGet, "/approval-types/Budget/hierarchy", "", typeParams("Budget"), true)
	h.Get(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Budget", srv.typeName)
}

func TestHierarchyHandlerAssign(t *testing.T) {
	srv := &fakeHierarchySrv{}
	h := NewHierarchyHandler(srv)
	body := `{"approvers":[{"level":1,"approverId":"a"},{"level":2,"approverId":"b"},{"level":3,"approverId":"c"},{"level":4,"approverId":"d"}]}`

	c, rec := newApprovalContext(http.MethodPut, "/approval-types/Proposal/hierarchy", body, typeParams("Proposal"), true)
	h.Assign(c)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, srv.assigned.Approvers, 4)
	assert.Equal(t, "d", srv.assigned.Approvers[3].ApproverID)
	assert.Equal(t, "u-approver", srv.actor.UserID)

	c, rec = newApprovalContext(http.MethodPut, "/approval-types/Proposal/hierarchy", `not json`, typeParams("Proposal"), true)
	h.Assign(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv.err = appErrors.ErrInvalidHierarchy
	c, rec = newApprovalContext(http.MethodPut, "/approval-types/Proposal/hierarchy", body, typeParams("Proposal"), true)
	h.Assign(c)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
