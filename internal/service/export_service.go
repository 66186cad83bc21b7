package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/grants-approval-api/internal/dto"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
	"github.com/noah-isme/grants-approval-api/pkg/export"
)

type historyReader interface {
	History(ctx context.Context, kind models.EntityKind, entityID string) (*dto.ApprovalHistoryResponse, error)
}

// ExportFile is a rendered document ready to stream.
type ExportFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ExportService renders approval ledgers as downloadable documents.
type ExportService struct {
	history historyReader
	users   userDirectory
	logger  *zap.Logger
	now     func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(history historyReader, users userDirectory, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{history: history, users: users, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

var ledgerColumns = []export.Column{
	{Header: "Level", Width: 0.6},
	{Header: "Approver", Width: 2},
	{Header: "Status", Width: 1.6},
	{Header: "Received", Width: 1.4},
	{Header: "Action Taken", Width: 1.4},
	{Header: "Comment", Width: 3},
}

// ExportHistory renders the ledger of one entity in the requested format.
func (s *ExportService) ExportHistory(ctx context.Context, kind models.EntityKind, entityID, rawFormat string) (*ExportFile, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	history, err := s.history.History(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	rows := make([][]string, 0, len(history.Entries))
	for _, entry := range history.Entries {
		rows = append(rows, []string{
			fmt.Sprintf("%d", entry.HierarchyLevel),
			s.approverName(ctx, names, entry.ApproverID),
			string(entry.Status),
			formatTimestamp(&entry.RequestReceivedDate),
			formatTimestamp(entry.ActionTakenDate),
			derefString(entry.Comment),
		})
	}

	table := export.Table{
		Title:    fmt.Sprintf("%s approval history: %s", history.ApprovalType, history.EntityCode),
		Subtitle: fmt.Sprintf("Generated %s", s.now().Format(time.RFC1123)),
		Columns:  ledgerColumns,
		Rows:     rows,
	}
	content, err := export.Render(table, format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render approval history")
	}
	s.logger.Debug("approval history exported",
		zap.String("kind", string(kind)),
		zap.String("entity_id", entityID),
		zap.String("format", string(format)),
		zap.Int("rows", len(rows)),
	)
	return &ExportFile{
		Filename:    fmt.Sprintf("%s-%s-approvals.%s", kind, history.EntityCode, format),
		ContentType: format.ContentType(),
		Content:     content,
	}, nil
}

func (s *ExportService) approverName(ctx context.Context, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := id
	if s.users != nil {
		if user, err := s.users.FindByID(ctx, id); err == nil && user.FullName != "" {
			name = user.FullName
		}
	}
	cache[id] = name
	return name
}

func formatTimestamp(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format("2006-01-02 15:04")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
