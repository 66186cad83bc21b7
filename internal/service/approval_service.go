package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

const (
	actionSubmit             = "submit"
	actionResubmit           = "resubmit"
	actionApprove            = "approve"
	actionDeny               = "deny"
	actionRequestInformation = "request_information"
)

// EntityAdapter persists the approval columns of one approvable domain. exec is the
// transaction of the running transition.
type EntityAdapter interface {
	Kind() models.EntityKind
	Lookup(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EntityApprovalState, error)
	SetStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.ApprovalStatus) error
	SetApprovedCount(ctx context.Context, exec sqlx.ExtContext, id string, expected, next int) error
	SetSubmittedAt(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) error
	SetApprovedAt(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) error
}

// ApprovalCascader is implemented by adapters whose final approval propagates to child records.
type ApprovalCascader interface {
	CascadeApproval(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) (int64, error)
}

type approvalLedger interface {
	OpenRequest(ctx context.Context, exec sqlx.ExtContext, req *models.ApprovalRequest) (bool, error)
	FindRequest(ctx context.Context, exec sqlx.ExtContext, approvalTypeID string, kind models.EntityKind, entityID string) (*models.ApprovalRequest, error)
	TouchRequest(ctx context.Context, exec sqlx.ExtContext, requestID string, requestedDate time.Time) error
	CurrentOpenDetail(ctx context.Context, exec sqlx.ExtContext, requestID string) (*models.ApprovalDetail, error)
	CloseDetail(ctx context.Context, exec sqlx.ExtContext, detailID string, status models.ApprovalStatus, actionTaken time.Time, comment *string) error
	OpenDetail(ctx context.Context, exec sqlx.ExtContext, detail *models.ApprovalDetail) error
	HasDecision(ctx context.Context, exec sqlx.ExtContext, requestID string, level int, status models.ApprovalStatus) (bool, error)
	History(ctx context.Context, requestID string) ([]models.ApprovalDetail, error)
	ListPending(ctx context.Context, approverID string, limit int) ([]models.PendingApproval, error)
}

type hierarchyChain interface {
	Chain(ctx context.Context, typeName string) (*models.ApprovalType, []models.HierarchyEntry, error)
	ApprovalType(ctx context.Context, typeName string) (*models.ApprovalType, error)
}

// ApprovalServiceConfig tunes the engine.
type ApprovalServiceConfig struct {
	// PreviousLevelCheck requires an APPROVED ledger row at level k-1 before level k may approve.
	PreviousLevelCheck bool
	PendingLimit       int
}

// ApprovalServiceParams groups constructor dependencies.
type ApprovalServiceParams struct {
	Ledger    approvalLedger
	Tx        txRunner
	Hierarchy hierarchyChain
	Users     userDirectory
	Audit     auditLogger
	Notifier  Notifier
	Metrics   *MetricsService
	Logger    *zap.Logger
	Config    ApprovalServiceConfig
	Adapters  []EntityAdapter
}

// ApprovalService is the four-level sequential approval engine shared by every entity kind.
type ApprovalService struct {
	ledger    approvalLedger
	tx        txRunner
	hierarchy hierarchyChain
	users     userDirectory
	audit     auditLogger
	notifier  Notifier
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       ApprovalServiceConfig
	adapters  map[models.EntityKind]EntityAdapter
	validator *validator.Validate
	now       func() time.Time
}

// NewApprovalService registers one adapter per entity kind.
func NewApprovalService(params ApprovalServiceParams) (*ApprovalService, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := params.Config
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 50
	}
	adapters := make(map[models.EntityKind]EntityAdapter, len(params.Adapters))
	for _, a := range params.Adapters {
		if a == nil {
			continue
		}
		kind := a.Kind()
		if kind.ApprovalTypeName() == "" {
			return nil, fmt.Errorf("entity kind %q has no approval type", kind)
		}
		if _, dup := adapters[kind]; dup {
			return nil, fmt.Errorf("duplicate adapter for entity kind %q", kind)
		}
		adapters[kind] = a
	}
	return &ApprovalService{
		ledger:    params.Ledger,
		tx:        params.Tx,
		hierarchy: params.Hierarchy,
		users:     params.Users,
		audit:     params.Audit,
		notifier:  params.Notifier,
		metrics:   params.Metrics,
		logger:    logger,
		cfg:       cfg,
		adapters:  adapters,
		validator: validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Kinds lists the registered entity kinds.
func (s *ApprovalService) Kinds() []models.EntityKind {
	kinds := make([]models.EntityKind, 0, len(s.adapters))
	for _, k := range models.EntityKinds {
		if _, ok := s.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// notice is a notification decided inside a transaction and dispatched after commit.
type notice struct {
	template    NotificationTemplate
	recipientID string
	level       int
	reason      string
}

// outcome is what a transition body produced.
type outcome struct {
	state   *models.EntityApprovalState
	request *models.ApprovalRequest
	detail  *models.ApprovalDetail
	notices []notice
	audit   map[string]interface{}
}

// Submit opens the approval cycle of an entity at level 1.
func (s *ApprovalService) Submit(ctx context.Context, kind models.EntityKind, entityID string, requester models.Identity) (*dto.ApprovalResult, error) {
	return s.run(ctx, kind, actionSubmit, entityID, requester, func(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, approvalType *models.ApprovalType, chain []models.HierarchyEntry) (*outcome, error) {
		state, err := s.lookup(ctx, exec, adapter, entityID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.FindRequest(ctx, exec, approvalType.ID, kind, entityID); err == nil {
			return nil, appErrors.Clone(appErrors.ErrNotAnInitialSubmission, fmt.Sprintf("%s %s was already submitted; use resubmit", kind, state.EntityCode))
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, internalErr(err, "failed to load approval request")
		}
		if state.ApprovedCount != 0 {
			return nil, appErrors.Clone(appErrors.ErrNotAnInitialSubmission, fmt.Sprintf("%s %s already has %d approvals", kind, state.EntityCode, state.ApprovedCount))
		}

		now := s.now()
		request := &models.ApprovalRequest{
			ApprovalTypeID: approvalType.ID,
			EntityKind:     kind,
			EntityID:       entityID,
			RequestedBy:    requester.UserID,
			RequestedDate:  now,
		}
		created, err := s.ledger.OpenRequest(ctx, exec, request)
		if err != nil {
			return nil, internalErr(err, "failed to open approval request")
		}
		if !created {
			return nil, appErrors.Clone(appErrors.ErrNotAnInitialSubmission, fmt.Sprintf("%s %s was already submitted; use resubmit", kind, state.EntityCode))
		}

		detail := &models.ApprovalDetail{
			ApprovalRequestID:   request.ID,
			HierarchyLevel:      1,
			ApproverID:          chain[0].ApproverID,
			Status:              models.StatusReceivedForApproval,
			RequestReceivedDate: now,
		}
		if err := s.ledger.OpenDetail(ctx, exec, detail); err != nil {
			return nil, passthroughOr(err, "failed to open approval step")
		}
		if err := adapter.SetStatus(ctx, exec, entityID, models.StatusSubmitted); err != nil {
			return nil, internalErr(err, "failed to update entity status")
		}
		if err := adapter.SetSubmittedAt(ctx, exec, entityID, now); err != nil {
			return nil, internalErr(err, "failed to record submission time")
		}
		state.Status = models.StatusSubmitted
		state.SubmittedAt = &now

		return &outcome{
			state:   state,
			request: request,
			detail:  detail,
			notices: []notice{{template: TemplateApprovalRequested, recipientID: chain[0].ApproverID, level: 1}},
			audit:   map[string]interface{}{"level": 1, "status": models.StatusSubmitted},
		}, nil
	})
}

// Resubmit re-enters a denied or information-requested entity at the level that stopped it.
func (s *ApprovalService) Resubmit(ctx context.Context, kind models.EntityKind, entityID string, requester models.Identity) (*dto.ApprovalResult, error) {
	return s.run(ctx, kind, actionResubmit, entityID, requester, func(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, approvalType *models.ApprovalType, chain []models.HierarchyEntry) (*outcome, error) {
		state, err := s.lookup(ctx, exec, adapter, entityID)
		if err != nil {
			return nil, err
		}
		request, err := s.findRequest(ctx, exec, approvalType, kind, state)
		if err != nil {
			return nil, err
		}
		if !state.Status.Resubmittable() {
			return nil, appErrors.Clone(appErrors.ErrNoOpenRequest, fmt.Sprintf("%s %s is %s and cannot be resubmitted", kind, state.EntityCode, state.Status))
		}
		level := state.NextLevel()
		if level == 0 {
			return nil, appErrors.Clone(appErrors.ErrSequenceExhausted, fmt.Sprintf("%s %s is fully approved", kind, state.EntityCode))
		}

		now := s.now()
		if err := s.ledger.TouchRequest(ctx, exec, request.ID, now); err != nil {
			return nil, internalErr(err, "failed to update approval request")
		}
		request.RequestedDate = now

		detail := &models.ApprovalDetail{
			ApprovalRequestID:   request.ID,
			HierarchyLevel:      level,
			ApproverID:          chain[level-1].ApproverID,
			Status:              models.StatusResubmitted,
			RequestReceivedDate: now,
		}
		if err := s.ledger.OpenDetail(ctx, exec, detail); err != nil {
			return nil, passthroughOr(err, "failed to open approval step")
		}
		if err := adapter.SetStatus(ctx, exec, entityID, models.StatusResubmitted); err != nil {
			return nil, internalErr(err, "failed to update entity status")
		}
		state.Status = models.StatusResubmitted

		return &outcome{
			state:   state,
			request: request,
			detail:  detail,
			notices: []notice{{template: TemplateResubmitted, recipientID: chain[level-1].ApproverID, level: level}},
			audit:   map[string]interface{}{"level": level, "status": models.StatusResubmitted},
		}, nil
	})
}

// Approve records the pending level's sign-off and hands the entity to the next level, or
// completes it after level 4.
func (s *ApprovalService) Approve(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity) (*dto.ApprovalResult, error) {
	return s.run(ctx, kind, actionApprove, entityID, approver, func(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, approvalType *models.ApprovalType, chain []models.HierarchyEntry) (*outcome, error) {
		state, err := s.lookup(ctx, exec, adapter, entityID)
		if err != nil {
			return nil, err
		}
		request, err := s.findRequest(ctx, exec, approvalType, kind, state)
		if err != nil {
			return nil, err
		}
		if state.ApprovedCount >= models.HierarchyLevels {
			return nil, appErrors.Clone(appErrors.ErrSequenceExhausted, fmt.Sprintf("%s %s already completed all %d levels", kind, state.EntityCode, models.HierarchyLevels))
		}

		level := state.NextLevel()
		if chain[level-1].ApproverID != approver.UserID {
			if state.ApprovedCount > 0 && chain[state.ApprovedCount-1].ApproverID == approver.UserID {
				return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("level %d was already approved", state.ApprovedCount))
			}
			return nil, appErrors.Clone(appErrors.ErrNotCurrentApprover, fmt.Sprintf("level %d is pending with another approver", level))
		}

		open, err := s.openDetail(ctx, exec, request, kind, state)
		if err != nil {
			return nil, err
		}
		if s.cfg.PreviousLevelCheck && level > 1 {
			ok, err := s.ledger.HasDecision(ctx, exec, request.ID, level-1, models.StatusApproved)
			if err != nil {
				return nil, internalErr(err, "failed to verify previous level")
			}
			if !ok {
				return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("level %d has no recorded approval", level-1))
			}
		}

		now := s.now()
		if err := s.ledger.CloseDetail(ctx, exec, open.ID, models.StatusApproved, now, nil); err != nil {
			return nil, closeErr(err, level)
		}
		if err := adapter.SetApprovedCount(ctx, exec, entityID, state.ApprovedCount, level); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("level %d was approved concurrently", level))
			}
			return nil, internalErr(err, "failed to update approved count")
		}
		open.Status = models.StatusApproved
		open.ActionTakenDate = &now
		state.ApprovedCount = level

		out := &outcome{
			state:   state,
			request: request,
			detail:  open,
			audit:   map[string]interface{}{"level": level, "status": models.StatusApproved},
		}

		if level < models.HierarchyLevels {
			next := chain[level]
			if err := s.ledger.OpenDetail(ctx, exec, &models.ApprovalDetail{
				ApprovalRequestID:   request.ID,
				HierarchyLevel:      next.Level,
				ApproverID:          next.ApproverID,
				Status:              models.StatusReceivedForApproval,
				RequestReceivedDate: now,
			}); err != nil {
				return nil, passthroughOr(err, "failed to open next approval step")
			}
			out.notices = append(out.notices, notice{template: TemplateApprovalRequested, recipientID: next.ApproverID, level: next.Level})
			return out, nil
		}

		if err := adapter.SetStatus(ctx, exec, entityID, models.StatusApproved); err != nil {
			return nil, internalErr(err, "failed to update entity status")
		}
		if err := adapter.SetApprovedAt(ctx, exec, entityID, now); err != nil {
			return nil, internalErr(err, "failed to record approval time")
		}
		state.Status = models.StatusApproved
		state.ApprovedAt = &now

		if cascader, ok := adapter.(ApprovalCascader); ok {
			n, err := cascader.CascadeApproval(ctx, exec, entityID, now)
			if err != nil {
				return nil, internalErr(err, "failed to approve child records")
			}
			out.audit["cascaded"] = n
		}
		out.notices = append(out.notices, notice{template: TemplateApproved, recipientID: request.RequestedBy, level: level})
		return out, nil
	})
}

// Deny closes the open step as denied. approvedCount is kept so a resubmission re-enters at
// the level that denied it.
func (s *ApprovalService) Deny(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity, reason string) (*dto.ApprovalResult, error) {
	return s.decide(ctx, kind, actionDeny, entityID, approver, reason, models.StatusDenied, TemplateDenied)
}

// RequestInformation closes the open step asking the requester for more detail.
func (s *ApprovalService) RequestInformation(ctx context.Context, kind models.EntityKind, entityID string, approver models.Identity, reason string) (*dto.ApprovalResult, error) {
	return s.decide(ctx, kind, actionRequestInformation, entityID, approver, reason, models.StatusInformationRequested, TemplateInformationRequested)
}

func (s *ApprovalService) decide(ctx context.Context, kind models.EntityKind, action, entityID string, approver models.Identity, reason string, status models.ApprovalStatus, template NotificationTemplate) (*dto.ApprovalResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reason is required")
	}
	if err := s.validator.Struct(dto.DecisionRequest{Reason: reason}); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	return s.run(ctx, kind, action, entityID, approver, func(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, approvalType *models.ApprovalType, chain []models.HierarchyEntry) (*outcome, error) {
		if !assigned(chain, approver.UserID) {
			return nil, appErrors.Clone(appErrors.ErrNotCurrentApprover, fmt.Sprintf("user is not an approver for %s", approvalType.Name))
		}
		state, err := s.lookup(ctx, exec, adapter, entityID)
		if err != nil {
			return nil, err
		}
		request, err := s.findRequest(ctx, exec, approvalType, kind, state)
		if err != nil {
			return nil, err
		}
		open, err := s.openDetail(ctx, exec, request, kind, state)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if err := s.ledger.CloseDetail(ctx, exec, open.ID, status, now, &reason); err != nil {
			return nil, closeErr(err, open.HierarchyLevel)
		}
		if err := adapter.SetStatus(ctx, exec, entityID, status); err != nil {
			return nil, internalErr(err, "failed to update entity status")
		}
		open.Status = status
		open.ActionTakenDate = &now
		open.Comment = &reason
		state.Status = status

		return &outcome{
			state:   state,
			request: request,
			detail:  open,
			notices: []notice{{template: template, recipientID: request.RequestedBy, level: open.HierarchyLevel, reason: reason}},
			audit:   map[string]interface{}{"level": open.HierarchyLevel, "status": status, "reason": reason},
		}, nil
	})
}

type transitionFunc func(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, approvalType *models.ApprovalType, chain []models.HierarchyEntry) (*outcome, error)

// run executes body in one transaction, then audits and notifies.
func (s *ApprovalService) run(ctx context.Context, kind models.EntityKind, action, entityID string, actor models.Identity, body transitionFunc) (result *dto.ApprovalResult, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveTransition(string(kind), action, metricOutcome(err), time.Since(start))
	}()

	if strings.TrimSpace(entityID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "entity id is required")
	}
	if actor.UserID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing actor")
	}
	adapter, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	approvalType, chain, err := s.hierarchy.Chain(ctx, kind.ApprovalTypeName())
	if err != nil {
		return nil, err
	}

	var out *outcome
	if err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var bodyErr error
		out, bodyErr = body(ctx, exec, adapter, approvalType, chain)
		return bodyErr
	}); err != nil {
		var appErr *appErrors.Error
		if !errors.As(err, &appErr) {
			err = internalErr(err, "approval transaction failed")
		}
		s.logger.Info("approval transition rejected",
			zap.String("kind", string(kind)),
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.String("actor_id", actor.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("approval transition",
		zap.String("kind", string(kind)),
		zap.String("action", action),
		zap.String("entity_id", entityID),
		zap.String("actor_id", actor.UserID),
		zap.Int("approved_count", out.state.ApprovedCount),
		zap.String("status", string(out.state.Status)),
	)
	s.recordAudit(ctx, kind, auditActions[action], entityID, actor, out.audit)
	if cascaded, ok := out.audit["cascaded"]; ok {
		s.recordAudit(ctx, kind, models.AuditActionWorkplanCascadeApprove, entityID, actor, map[string]interface{}{"activities": cascaded})
	}

	return &dto.ApprovalResult{
		EntityKind:   kind,
		ApprovalType: approvalType.Name,
		State:        *out.state,
		RequestID:    out.request.ID,
		Detail:       out.detail,
		NextLevel:    out.state.NextLevel(),
		Warnings:     s.dispatch(ctx, approvalType, out.state, out.notices),
	}, nil
}

// dispatch sends post-commit notifications; failures become warnings.
func (s *ApprovalService) dispatch(ctx context.Context, approvalType *models.ApprovalType, state *models.EntityApprovalState, notices []notice) []string {
	var warnings []string
	for _, n := range notices {
		if err := s.notify(ctx, approvalType, state, n); err != nil {
			appErr := appErrors.FromError(err)
			s.logger.Warn("approval notification failed",
				zap.String("template", string(n.template)),
				zap.String("recipient_id", n.recipientID),
				zap.String("entity_code", state.EntityCode),
				zap.Error(err),
			)
			warnings = append(warnings, fmt.Sprintf("%s: %s", appErrors.ErrNotificationFailed.Code, appErr.Message))
		}
	}
	return warnings
}

func (s *ApprovalService) notify(ctx context.Context, approvalType *models.ApprovalType, state *models.EntityApprovalState, n notice) error {
	if s.notifier == nil {
		return nil
	}
	user, err := s.users.FindByID(ctx, n.recipientID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrNotificationFailed.Code, appErrors.ErrNotificationFailed.Status, fmt.Sprintf("recipient %s could not be resolved", n.recipientID))
	}
	return s.notifier.Notify(ctx, Notification{
		Template:          n.template,
		Recipient:         user.Identity(),
		EntityCode:        state.EntityCode,
		ApprovalTypeLabel: approvalType.Label,
		Level:             n.level,
		Reason:            n.reason,
	})
}

func (s *ApprovalService) recordAudit(ctx context.Context, kind models.EntityKind, auditAction, entityID string, actor models.Identity, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := marshalAudit(values)
	if err != nil {
		s.logger.Warn("failed to encode approval audit payload", zap.Error(err))
		return
	}
	userID := actor.UserID
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     auditAction,
		Resource:   string(kind),
		ResourceID: &entityID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record approval audit log", zap.Error(err))
	}
}

var auditActions = map[string]string{
	actionSubmit:             models.AuditActionApprovalSubmit,
	actionResubmit:           models.AuditActionApprovalResubmit,
	actionApprove:            models.AuditActionApprovalApprove,
	actionDeny:               models.AuditActionApprovalDeny,
	actionRequestInformation: models.AuditActionApprovalRequestInfo,
}

// State returns the approval position of an entity.
func (s *ApprovalService) State(ctx context.Context, kind models.EntityKind, entityID string) (*dto.ApprovalStateResponse, error) {
	adapter, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	approvalType, err := s.hierarchy.ApprovalType(ctx, kind.ApprovalTypeName())
	if err != nil {
		return nil, err
	}
	state, err := s.lookup(ctx, nil, adapter, entityID)
	if err != nil {
		return nil, err
	}
	resp := &dto.ApprovalStateResponse{EntityKind: kind, ApprovalType: approvalType.Name, State: *state}

	request, err := s.ledger.FindRequest(ctx, nil, approvalType.ID, kind, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, internalErr(err, "failed to load approval request")
	}
	resp.Request = request

	open, err := s.ledger.CurrentOpenDetail(ctx, nil, request.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, internalErr(err, "failed to load open approval step")
	}
	resp.OpenDetail = open
	return resp, nil
}

// History returns the ledger of an entity, oldest row first.
func (s *ApprovalService) History(ctx context.Context, kind models.EntityKind, entityID string) (*dto.ApprovalHistoryResponse, error) {
	adapter, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	approvalType, err := s.hierarchy.ApprovalType(ctx, kind.ApprovalTypeName())
	if err != nil {
		return nil, err
	}
	state, err := s.lookup(ctx, nil, adapter, entityID)
	if err != nil {
		return nil, err
	}
	resp := &dto.ApprovalHistoryResponse{
		EntityKind:   kind,
		ApprovalType: approvalType.Name,
		EntityCode:   state.EntityCode,
		Entries:      []models.ApprovalDetail{},
	}

	request, err := s.ledger.FindRequest(ctx, nil, approvalType.ID, kind, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, internalErr(err, "failed to load approval request")
	}
	resp.Request = request

	entries, err := s.ledger.History(ctx, request.ID)
	if err != nil {
		return nil, internalErr(err, "failed to load approval history")
	}
	if entries != nil {
		resp.Entries = entries
	}
	return resp, nil
}

// Pending lists the open steps waiting on approverID.
func (s *ApprovalService) Pending(ctx context.Context, approverID string, limit int) ([]models.PendingApproval, error) {
	if limit <= 0 {
		limit = s.cfg.PendingLimit
	}
	pending, err := s.ledger.ListPending(ctx, approverID, limit)
	if err != nil {
		return nil, internalErr(err, "failed to list pending approvals")
	}
	if pending == nil {
		pending = []models.PendingApproval{}
	}
	return pending, nil
}

func (s *ApprovalService) adapter(kind models.EntityKind) (EntityAdapter, error) {
	adapter, ok := s.adapters[kind]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnknownApprovalType, fmt.Sprintf("no approval workflow for %q", kind))
	}
	return adapter, nil
}

func (s *ApprovalService) lookup(ctx context.Context, exec sqlx.ExtContext, adapter EntityAdapter, entityID string) (*models.EntityApprovalState, error) {
	state, err := adapter.Lookup(ctx, exec, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("%s %s not found", adapter.Kind(), entityID))
		}
		return nil, internalErr(err, "failed to load entity")
	}
	return state, nil
}

func (s *ApprovalService) findRequest(ctx context.Context, exec sqlx.ExtContext, approvalType *models.ApprovalType, kind models.EntityKind, state *models.EntityApprovalState) (*models.ApprovalRequest, error) {
	request, err := s.ledger.FindRequest(ctx, exec, approvalType.ID, kind, state.EntityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNoOpenRequest, fmt.Sprintf("%s %s has not been submitted", kind, state.EntityCode))
		}
		return nil, internalErr(err, "failed to load approval request")
	}
	return request, nil
}

// openDetail loads the step awaiting a decision and checks it is still the one the caller saw
// in state. A step that closed or advanced since state was read was decided concurrently.
func (s *ApprovalService) openDetail(ctx context.Context, exec sqlx.ExtContext, request *models.ApprovalRequest, kind models.EntityKind, state *models.EntityApprovalState) (*models.ApprovalDetail, error) {
	open, err := s.ledger.CurrentOpenDetail(ctx, exec, request.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, internalErr(err, "failed to load open approval step")
		}
		if awaitingDecision(state.Status) {
			return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("level %d was already decided", state.NextLevel()))
		}
		return nil, appErrors.Clone(appErrors.ErrNoOpenRequest, fmt.Sprintf("%s %s has no step awaiting a decision", kind, state.EntityCode))
	}
	if want := state.NextLevel(); open.HierarchyLevel != want {
		return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("open step is level %d, expected level %d", open.HierarchyLevel, want))
	}
	return open, nil
}

func awaitingDecision(status models.ApprovalStatus) bool {
	return status == models.StatusSubmitted || status == models.StatusResubmitted
}

func assigned(chain []models.HierarchyEntry, userID string) bool {
	for _, e := range chain {
		if e.ApproverID == userID {
			return true
		}
	}
	return false
}

func closeErr(err error, level int) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("level %d was already decided", level))
	}
	return internalErr(err, "failed to close approval step")
}

func internalErr(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

// passthroughOr keeps typed errors from the store and wraps anything else as internal.
func passthroughOr(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return internalErr(err, message)
}

func metricOutcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) && appErr.Status < 500 {
		return OutcomeRejected
	}
	return OutcomeError
}

func marshalAudit(values interface{}) ([]byte, error) {
	if values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(values)
}
