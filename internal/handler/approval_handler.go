package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	"github.com/noah-isme/grants-approval-api/internal/service"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
	"github.com/noah-isme/grants-approval-api/pkg/response"
)

type approvalService interface {
	Submit(ctx context.Context, kind models.EntityKind, entityID string, requester models.Identity) (*dto.ApprovalResult, error)
	Resubmit(ctx context.Context, kind models.EntityKind, entityID string, requester models.Identity) (*dto.ApprovalResult, error)
	Approve(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity) (*dto.ApprovalResult, error)
	Deny(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity, reason string) (*dto.ApprovalResult, error)
	RequestInformation(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity, reason string) (*dto.ApprovalResult, error)
	State(ctx context.Context, kind models.EntityKind, entityID string) (*dto.ApprovalStateResponse, error)
	History(ctx context.Context, kind models.EntityKind, entityID string) (*dto.ApprovalHistoryResponse, error)
	Pending(ctx context.Context, approverID string, limit int) ([]models.PendingApproval, error)
}

type historyExporter interface {
	ExportHistory(ctx context.Context, kind models.EntityKind, entityID, rawFormat string) (*service.ExportFile, error)
}

type transition func(ctx context.Context, kind models.EntityKind, entityID string, actor models.Identity) (*dto.ApprovalResult, error)

// ApprovalHandler exposes the approval workflow.
type ApprovalHandler struct {
	service  approvalService
	exporter historyExporter
}

// NewApprovalHandler constructs the handler. exporter may be nil.
func NewApprovalHandler(service approvalService, exporter historyExporter) *ApprovalHandler {
	return &ApprovalHandler{service: service, exporter: exporter}
}

// Submit godoc
// @Summary Submit an entity for approval
// @Tags Approvals
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /approvals/{kind}/{id}/submit [post]
func (h *ApprovalHandler) Submit(c *gin.Context) {
	h.transition(c, func(ctx context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
		return h.service.Submit(ctx, kind, id, actor)
	})
}

// Resubmit godoc
// @Summary Resubmit a denied or returned entity
// @Tags Approvals
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approvals/{kind}/{id}/resubmit [post]
func (h *ApprovalHandler) Resubmit(c *gin.Context) {
	h.transition(c, func(ctx context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
		return h.service.Resubmit(ctx, kind, id, actor)
	})
}

// Approve godoc
// @Summary Approve the current level
// @Tags Approvals
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approvals/{kind}/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.transition(c, func(ctx context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
		return h.service.Approve(ctx, kind, id, actor)
	})
}

// Deny godoc
// @Summary Deny the current level
// @Tags Approvals
// @Accept json
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approvals/{kind}/{id}/deny [post]
func (h *ApprovalHandler) Deny(c *gin.Context) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	h.transition(c, func(ctx context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
		return h.service.Deny(ctx, kind, id, actor, req.Reason)
	})
}

// RequestInformation godoc
// @Summary Return the entity to the requester for more information
// @Tags Approvals
// @Accept json
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approvals/{kind}/{id}/request-information [post]
func (h *ApprovalHandler) RequestInformation(c *gin.Context) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	h.transition(c, func(ctx context.Context, kind models.EntityKind, id string, actor models.Identity) (*dto.ApprovalResult, error) {
		return h.service.RequestInformation(ctx, kind, id, actor, req.Reason)
	})
}

// State godoc
// @Summary Current approval position of an entity
// @Tags Approvals
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approvals/{kind}/{id} [get]
func (h *ApprovalHandler) State(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service unavailable"))
		return
	}
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.State(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

// History godoc
// @Summary Approval ledger of an entity
// @Tags Approvals
// @Produce json
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{kind}/{id}/history [get]
func (h *ApprovalHandler) History(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service unavailable"))
		return
	}
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.History(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, map[string]interface{}{"total": len(resp.Entries)})
}

// ExportHistory godoc
// @Summary Download the approval ledger of an entity
// @Tags Approvals
// @Produce text/csv
// @Produce application/pdf
// @Param kind path string true "Entity kind"
// @Param id path string true "Entity ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /approvals/{kind}/{id}/history/export [get]
func (h *ApprovalHandler) ExportHistory(c *gin.Context) {
	if h.exporter == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service unavailable"))
		return
	}
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.exporter.ExportHistory(c.Request.Context(), kind, c.Param("id"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Content)
}

// Pending godoc
// @Summary Open approval steps waiting on the caller
// @Tags Approvals
// @Produce json
// @Param limit query int false "Maximum rows"
// @Success 200 {object} response.Envelope
// @Router /approvals/pending [get]
func (h *ApprovalHandler) Pending(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service unavailable"))
		return
	}
	actor, err := currentActor(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer"))
			return
		}
	}
	pending, err := h.service.Pending(c.Request.Context(), actor.UserID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pending, map[string]interface{}{"total": len(pending)})
}

func (h *ApprovalHandler) transition(c *gin.Context, fn transition) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service unavailable"))
		return
	}
	actor, err := currentActor(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := fn(c.Request.Context(), kind, c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	var meta map[string]interface{}
	if len(result.Warnings) > 0 {
		meta = map[string]interface{}{"warnings": result.Warnings}
	}
	response.JSON(c, http.StatusOK, result, meta)
}
