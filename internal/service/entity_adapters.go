package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/grants-approval-api/internal/models"
)

type workplanActivityStore interface {
	ApproveActivities(ctx context.Context, exec sqlx.ExtContext, workplanID string, ts time.Time) (int64, error)
}

// WorkplanAdapter approves every activity of a work plan when the plan itself is approved.
type WorkplanAdapter struct {
	EntityAdapter
	activities workplanActivityStore
	logger     *zap.Logger
}

// NewWorkplanAdapter wraps the work plan table store with the activity cascade.
func NewWorkplanAdapter(base EntityAdapter, activities workplanActivityStore, logger *zap.Logger) (*WorkplanAdapter, error) {
	if base == nil || base.Kind() != models.EntityWorkplan {
		return nil, fmt.Errorf("workplan adapter requires a %s store", models.EntityWorkplan)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkplanAdapter{EntityAdapter: base, activities: activities, logger: logger}, nil
}

// CascadeApproval marks the plan's activities approved.
func (a *WorkplanAdapter) CascadeApproval(ctx context.Context, exec sqlx.ExtContext, id string, ts time.Time) (int64, error) {
	n, err := a.activities.ApproveActivities(ctx, exec, id, ts)
	if err != nil {
		return 0, err
	}
	a.logger.Info("workplan activities approved", zap.String("workplan_id", id), zap.Int64("activities", n))
	return n, nil
}
