package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
	"github.com/noah-isme/grants-approval-api/pkg/response"
)

type hierarchyService interface {
	ListTypes(ctx context.Context) ([]models.ApprovalType, error)
	GetApprovers(ctx context.Context, typeName string) (*dto.HierarchyResponse, error)
	AssignApprovers(ctx context.Context, typeName string, req dto.AssignApproversRequest, actor models.Identity) (*dto.HierarchyResponse, error)
}

// HierarchyHandler exposes the approver chain registry.
type HierarchyHandler struct {
	service hierarchyService
}

// NewHierarchyHandler constructs the handler.
func NewHierarchyHandler(service hierarchyService) *HierarchyHandler {
	return &HierarchyHandler{service: service}
}

// ListTypes godoc
// @Summary List approval types
// @Tags Hierarchy
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /approval-types [get]
func (h *HierarchyHandler) ListTypes(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "hierarchy service unavailable"))
		return
	}
	types, err := h.service.ListTypes(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, types, map[string]interface{}{"total": len(types)})
}

// Get godoc
// @Summary Get the approver chain of an approval type
// @Tags Hierarchy
// @Produce json
// @Param type path string true "Approval type name"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-types/{type}/hierarchy [get]
func (h *HierarchyHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "hierarchy service unavailable"))
		return
	}
	resp, err := h.service.GetApprovers(c.Request.Context(), c.Param("type"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

// Assign godoc
// @Summary Assign the four approvers of an approval type
// @Tags Hierarchy
// @Accept json
// @Produce json
// @Param type path string true "Approval type name"
// @Param payload body dto.AssignApproversRequest true "Approvers by level"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /approval-types/{type}/hierarchy [put]
func (h *HierarchyHandler) Assign(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "hierarchy service unavailable"))
		return
	}
	actor, err := currentActor(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.AssignApproversRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid hierarchy payload"))
		return
	}
	resp, err := h.service.AssignApprovers(c.Request.Context(), c.Param("type"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}
