package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
	"github.com/noah-isme/grants-approval-api/pkg/jobs"
	"github.com/noah-isme/grants-approval-api/pkg/mailer"
)

// NotificationTemplate selects the message rendered for a workflow event.
type NotificationTemplate string

const (
	TemplateApproverAssigned     NotificationTemplate = "APPROVER_ASSIGNED"
	TemplateApprovalRequested    NotificationTemplate = "APPROVAL_REQUESTED"
	TemplateResubmitted          NotificationTemplate = "RESUBMITTED"
	TemplateApproved             NotificationTemplate = "APPROVED"
	TemplateDenied               NotificationTemplate = "DENIED"
	TemplateInformationRequested NotificationTemplate = "INFORMATION_REQUESTED"
)

// Notification is one outbound message about an approval event.
type Notification struct {
	Template          NotificationTemplate
	Recipient         models.Identity
	EntityCode        string
	ApprovalTypeLabel string
	Level             int
	Reason            string
	// Pending counts open steps moved to the recipient by a reassignment.
	Pending           int
}

// Notifier dispatches notifications without waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type notificationQueue interface {
	Enqueue(job jobs.Job) error
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var notificationTemplates = map[NotificationTemplate][2]string{
	TemplateApproverAssigned: {
		`You are now level {{.Level}} approver for {{.ApprovalTypeLabel}}`,
		`Hello {{.Recipient.FullName}},

You have been assigned as the level {{.Level}} approver for {{.ApprovalTypeLabel}} requests.
Items awaiting your decision will appear in your approvals inbox.
{{if .Pending}}
{{.Pending}} pending item(s) from the previous approver now await your decision.
{{end}}`,
	},
	TemplateApprovalRequested: {
		`{{.ApprovalTypeLabel}} {{.EntityCode}} awaits your approval`,
		`Hello {{.Recipient.FullName}},

{{.ApprovalTypeLabel}} {{.EntityCode}} has been submitted for your review as level {{.Level}} approver.
`,
	},
	TemplateResubmitted: {
		`{{.ApprovalTypeLabel}} {{.EntityCode}} was resubmitted`,
		`Hello {{.Recipient.FullName}},

{{.ApprovalTypeLabel}} {{.EntityCode}} has been revised and resubmitted for your review as level {{.Level}} approver.
`,
	},
	TemplateApproved: {
		`{{.ApprovalTypeLabel}} {{.EntityCode}} has been approved`,
		`Hello {{.Recipient.FullName}},

{{.ApprovalTypeLabel}} {{.EntityCode}} has completed all approval levels and is now approved.
`,
	},
	TemplateDenied: {
		`{{.ApprovalTypeLabel}} {{.EntityCode}} was denied`,
		`Hello {{.Recipient.FullName}},

{{.ApprovalTypeLabel}} {{.EntityCode}} was denied at approval level {{.Level}}.

Reason:
{{.Reason}}

You may revise it and resubmit.
`,
	},
	TemplateInformationRequested: {
		`More information needed for {{.ApprovalTypeLabel}} {{.EntityCode}}`,
		`Hello {{.Recipient.FullName}},

The level {{.Level}} approver requested more information on {{.ApprovalTypeLabel}} {{.EntityCode}}.

Request:
{{.Reason}}

Please update it and resubmit.
`,
	},
}

// NotificationService renders workflow messages and delivers them on a worker queue.
type NotificationService struct {
	sender    mailer.Sender
	queue     notificationQueue
	templates map[NotificationTemplate]messageTemplate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewNotificationService parses the message templates. Call Bind with a started queue before
// dispatching.
func NewNotificationService(sender mailer.Sender, metrics *MetricsService, logger *zap.Logger) (*NotificationService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed := make(map[NotificationTemplate]messageTemplate, len(notificationTemplates))
	for name, src := range notificationTemplates {
		subject, err := template.New(string(name) + ".subject").Option("missingkey=error").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		body, err := template.New(string(name) + ".body").Option("missingkey=error").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", name, err)
		}
		parsed[name] = messageTemplate{subject: subject, body: body}
	}
	return &NotificationService{sender: sender, templates: parsed, metrics: metrics, logger: logger}, nil
}

// Bind attaches the queue that Notify enqueues on.
func (s *NotificationService) Bind(queue notificationQueue) {
	s.queue = queue
}

// Notify validates and enqueues the notification. Failures come back as NOTIFICATION_FAILED
// and never affect the caller's state transition.
func (s *NotificationService) Notify(ctx context.Context, n Notification) error {
	if _, ok := s.templates[n.Template]; !ok {
		return appErrors.Clone(appErrors.ErrNotificationFailed, fmt.Sprintf("unknown notification template %q", n.Template))
	}
	if strings.TrimSpace(n.Recipient.Email) == "" {
		s.metrics.RecordNotification(string(n.Template), "skipped")
		return appErrors.Clone(appErrors.ErrNotificationFailed, "recipient has no email address")
	}
	if s.queue == nil {
		return appErrors.Clone(appErrors.ErrNotificationFailed, "notification queue is not running")
	}
	job := jobs.Job{ID: uuid.NewString(), Type: string(n.Template), Payload: n}
	if err := s.queue.Enqueue(job); err != nil {
		s.metrics.RecordNotification(string(n.Template), "dropped")
		return appErrors.Wrap(err, appErrors.ErrNotificationFailed.Code, appErrors.ErrNotificationFailed.Status, "notification could not be queued")
	}
	s.metrics.RecordNotification(string(n.Template), "queued")
	return nil
}

// Render builds the mail for n.
func (s *NotificationService) Render(n Notification) (mailer.Message, error) {
	tmpl, ok := s.templates[n.Template]
	if !ok {
		return mailer.Message{}, fmt.Errorf("unknown notification template %q", n.Template)
	}
	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, n); err != nil {
		return mailer.Message{}, fmt.Errorf("render %s subject: %w", n.Template, err)
	}
	if err := tmpl.body.Execute(&body, n); err != nil {
		return mailer.Message{}, fmt.Errorf("render %s body: %w", n.Template, err)
	}
	return mailer.Message{
		To:      n.Recipient.Email,
		ToName:  n.Recipient.FullName,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}

// Deliver is the queue handler: it renders and sends one notification.
func (s *NotificationService) Deliver(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(Notification)
	if !ok {
		s.logger.Error("unexpected notification payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	msg, err := s.Render(n)
	if err != nil {
		s.logger.Error("failed to render notification", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.metrics.RecordNotification(string(n.Template), "failed")
		return err
	}
	s.metrics.RecordNotification(string(n.Template), "sent")
	s.logger.Debug("notification delivered",
		zap.String("template", string(n.Template)),
		zap.String("recipient", n.Recipient.Email),
		zap.String("entity_code", n.EntityCode),
	)
	return nil
}
