package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

const hierarchyCachePrefix = "approvals:hierarchy:"

type hierarchyStore interface {
	FindTypeByName(ctx context.Context, name string) (*models.ApprovalType, error)
	ListTypes(ctx context.Context) ([]models.ApprovalType, error)
	ListEntries(ctx context.Context, approvalTypeID string) ([]models.HierarchyEntry, error)
	UpsertEntries(ctx context.Context, exec sqlx.ExtContext, entries []models.HierarchyEntry) error
	ReassignOpenSteps(ctx context.Context, exec sqlx.ExtContext, approvalTypeID string, level int, approverID string) (int64, error)
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type hierarchyCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type cachedHierarchy struct {
	Type    models.ApprovalType     `json:"type"`
	Entries []models.HierarchyEntry `json:"entries"`
}

// HierarchyServiceConfig tunes caching.
type HierarchyServiceConfig struct {
	CacheTTL time.Duration
}

// HierarchyService is the registry of approver chains per approval type.
type HierarchyService struct {
	store     hierarchyStore
	users     userDirectory
	tx        txRunner
	audit     auditLogger
	cache     hierarchyCache
	notifier  Notifier
	validator *validator.Validate
	logger    *zap.Logger
	cfg       HierarchyServiceConfig
}

// NewHierarchyService constructs the registry. cache and notifier may be nil.
func NewHierarchyService(store hierarchyStore, users userDirectory, tx txRunner, audit auditLogger, cache hierarchyCache, notifier Notifier, validate *validator.Validate, logger *zap.Logger, cfg HierarchyServiceConfig) *HierarchyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	return &HierarchyService{
		store:     store,
		users:     users,
		tx:        tx,
		audit:     audit,
		cache:     cache,
		notifier:  notifier,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// ListTypes returns the registered approval types.
func (s *HierarchyService) ListTypes(ctx context.Context) ([]models.ApprovalType, error) {
	types, err := s.store.ListTypes(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval types")
	}
	return types, nil
}

// GetApprovers returns the configured levels of a type with directory identities. A partially
// configured chain is returned as is.
func (s *HierarchyService) GetApprovers(ctx context.Context, typeName string) (*dto.HierarchyResponse, error) {
	approvalType, entries, err := s.load(ctx, typeName)
	if err != nil {
		return nil, err
	}
	resp := &dto.HierarchyResponse{ApprovalType: *approvalType, Levels: make([]dto.HierarchyLevelDetail, 0, len(entries))}
	for _, e := range entries {
		identity := models.Identity{UserID: e.ApproverID}
		if user, err := s.users.FindByID(ctx, e.ApproverID); err == nil {
			identity = user.Identity()
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approver")
		}
		resp.Levels = append(resp.Levels, dto.HierarchyLevelDetail{Level: e.Level, Approver: identity, UpdatedAt: e.UpdatedAt})
	}
	return resp, nil
}

// Chain returns the type and its complete four-level chain ordered by level.
func (s *HierarchyService) Chain(ctx context.Context, typeName string) (*models.ApprovalType, []models.HierarchyEntry, error) {
	approvalType, entries, err := s.load(ctx, typeName)
	if err != nil {
		return nil, nil, err
	}
	if err := validateLevels(entries); err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidHierarchy, fmt.Sprintf("%s hierarchy incomplete: %v", typeName, err))
	}
	return approvalType, entries, nil
}

// ApprovalType resolves a type by name through the cached registry.
func (s *HierarchyService) ApprovalType(ctx context.Context, typeName string) (*models.ApprovalType, error) {
	approvalType, _, err := s.load(ctx, typeName)
	return approvalType, err
}

// AssignApprovers replaces the approver of each level in one transaction and notifies every
// approver whose level changed owner.
func (s *HierarchyService) AssignApprovers(ctx context.Context, typeName string, req dto.AssignApproversRequest, actor models.Identity) (*dto.HierarchyResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidHierarchy.Code, appErrors.ErrInvalidHierarchy.Status, "hierarchy must assign exactly levels 1-4")
	}
	approvalType, err := s.findType(ctx, typeName)
	if err != nil {
		return nil, err
	}

	entries := make([]models.HierarchyEntry, len(req.Approvers))
	for i, a := range req.Approvers {
		entries[i] = models.HierarchyEntry{ApprovalTypeID: approvalType.ID, Level: a.Level, ApproverID: a.ApproverID}
	}
	if err := validateLevels(entries); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidHierarchy, err.Error())
	}

	approvers := make(map[string]*models.User, len(entries))
	for _, e := range entries {
		if _, seen := approvers[e.ApproverID]; seen {
			continue
		}
		user, err := s.users.FindByID(ctx, e.ApproverID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("approver %s does not exist", e.ApproverID))
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approver")
		}
		if !user.Active {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("approver %s is inactive", e.ApproverID))
		}
		approvers[e.ApproverID] = user
	}

	previous, err := s.store.ListEntries(ctx, approvalType.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current hierarchy")
	}
	owners := make(map[int]string, len(previous))
	for _, p := range previous {
		owners[p.Level] = p.ApproverID
	}

	sortEntries(entries)
	moved := make(map[int]int64)
	if err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if err := s.store.UpsertEntries(ctx, exec, entries); err != nil {
			return err
		}
		// Open steps follow their level to the new owner.
		for _, e := range entries {
			if prev, ok := owners[e.Level]; !ok || prev == e.ApproverID {
				continue
			}
			n, err := s.store.ReassignOpenSteps(ctx, exec, approvalType.ID, e.Level, e.ApproverID)
			if err != nil {
				return err
			}
			if n > 0 {
				moved[e.Level] = n
			}
		}
		return nil
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign approvers")
	}
	for level, n := range moved {
		s.logger.Info("pending approvals reassigned",
			zap.String("approval_type", approvalType.Name),
			zap.Int("level", level),
			zap.Int64("moved", n),
		)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, hierarchyCachePrefix+approvalType.Name); err != nil {
			s.logger.Warn("hierarchy cache invalidation failed, stale chain served until expiry",
				zap.String("approval_type", approvalType.Name),
				zap.Duration("ttl", s.cfg.CacheTTL),
				zap.Error(err),
			)
		}
	}
	s.recordAudit(ctx, approvalType, entries, actor)

	resp := &dto.HierarchyResponse{ApprovalType: *approvalType, Levels: make([]dto.HierarchyLevelDetail, 0, len(entries))}
	for _, e := range entries {
		user := approvers[e.ApproverID]
		resp.Levels = append(resp.Levels, dto.HierarchyLevelDetail{Level: e.Level, Approver: user.Identity(), UpdatedAt: e.UpdatedAt})
		if owners[e.Level] == e.ApproverID || s.notifier == nil {
			continue
		}
		if err := s.notifier.Notify(ctx, Notification{
			Template:          TemplateApproverAssigned,
			Recipient:         user.Identity(),
			ApprovalTypeLabel: approvalType.Label,
			Level:             e.Level,
			Pending:           int(moved[e.Level]),
		}); err != nil {
			s.logger.Warn("approver assignment notification failed",
				zap.String("approval_type", approvalType.Name),
				zap.Int("level", e.Level),
				zap.String("approver_id", e.ApproverID),
				zap.Error(err),
			)
		}
	}
	return resp, nil
}

func (s *HierarchyService) load(ctx context.Context, typeName string) (*models.ApprovalType, []models.HierarchyEntry, error) {
	key := hierarchyCachePrefix + typeName
	if s.cache != nil {
		var cached cachedHierarchy
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return &cached.Type, cached.Entries, nil
		}
	}

	approvalType, err := s.findType(ctx, typeName)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.store.ListEntries(ctx, approvalType.ID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load hierarchy")
	}
	sortEntries(entries)

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, cachedHierarchy{Type: *approvalType, Entries: entries}, s.cfg.CacheTTL)
	}
	return approvalType, entries, nil
}

func (s *HierarchyService) findType(ctx context.Context, typeName string) (*models.ApprovalType, error) {
	approvalType, err := s.store.FindTypeByName(ctx, typeName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnknownApprovalType, fmt.Sprintf("unknown approval type %q", typeName))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval type")
	}
	return approvalType, nil
}

func (s *HierarchyService) recordAudit(ctx context.Context, approvalType *models.ApprovalType, entries []models.HierarchyEntry, actor models.Identity) {
	if s.audit == nil {
		return
	}
	payload, err := marshalAudit(map[string]interface{}{"approvalType": approvalType.Name, "levels": entries})
	if err != nil {
		s.logger.Warn("failed to encode hierarchy audit payload", zap.Error(err))
		return
	}
	var userID *string
	if actor.UserID != "" {
		userID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     userID,
		Action:     models.AuditActionApproversAssigned,
		Resource:   "approval_type",
		ResourceID: &approvalType.ID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record hierarchy audit log", zap.Error(err))
	}
}

// validateLevels requires exactly the levels 1..4, once each.
func validateLevels(entries []models.HierarchyEntry) error {
	if len(entries) != models.HierarchyLevels {
		return fmt.Errorf("expected %d levels, got %d", models.HierarchyLevels, len(entries))
	}
	seen := make(map[int]bool, models.HierarchyLevels)
	for _, e := range entries {
		if e.Level < 1 || e.Level > models.HierarchyLevels {
			return fmt.Errorf("level %d out of range", e.Level)
		}
		if seen[e.Level] {
			return fmt.Errorf("level %d assigned twice", e.Level)
		}
		if e.ApproverID == "" {
			return fmt.Errorf("level %d has no approver", e.Level)
		}
		seen[e.Level] = true
	}
	return nil
}

func sortEntries(entries []models.HierarchyEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Level < entries[j].Level })
}
