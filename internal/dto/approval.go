package dto

import (
	"time"

	"github.com/noah-isme/grants-approval-api/internal/models"
)

// ApproverAssignment is one (level, approver) pair.
type ApproverAssignment struct {
	Level      int    `json:"level" validate:"required,min=1,max=4"`
	ApproverID string `json:"approverId" validate:"required"`
}

// AssignApproversRequest replaces the approver at each of the four levels.
type AssignApproversRequest struct {
	Approvers []ApproverAssignment `json:"approvers" validate:"required,len=4,dive"`
}

// DecisionRequest carries the reason for a deny or an information request.
type DecisionRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// HierarchyResponse is the ordered approver chain of an approval type.
type HierarchyResponse struct {
	ApprovalType models.ApprovalType    `json:"approvalType"`
	Levels       []HierarchyLevelDetail `json:"levels"`
}

// HierarchyLevelDetail enriches an entry with the approver's directory identity.
type HierarchyLevelDetail struct {
	Level     int             `json:"level"`
	Approver  models.Identity `json:"approver"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ApprovalResult is returned by every workflow transition.
type ApprovalResult struct {
	EntityKind   models.EntityKind          `json:"entityKind"`
	ApprovalType string                     `json:"approvalType"`
	State        models.EntityApprovalState `json:"state"`
	RequestID    string                     `json:"requestId"`
	Detail       *models.ApprovalDetail     `json:"detail,omitempty"`
	NextLevel    int                        `json:"nextLevel,omitempty"`
	Warnings     []string                   `json:"warnings,omitempty"`
}

// ApprovalStateResponse is the read view of one entity's approval position.
type ApprovalStateResponse struct {
	EntityKind   models.EntityKind          `json:"entityKind"`
	ApprovalType string                     `json:"approvalType"`
	State        models.EntityApprovalState `json:"state"`
	Request      *models.ApprovalRequest    `json:"request,omitempty"`
	OpenDetail   *models.ApprovalDetail     `json:"openDetail,omitempty"`
}

// ApprovalHistoryResponse is the full ledger of one entity, oldest row first.
type ApprovalHistoryResponse struct {
	EntityKind   models.EntityKind       `json:"entityKind"`
	ApprovalType string                  `json:"approvalType"`
	EntityCode   string                  `json:"entityCode"`
	Request      *models.ApprovalRequest `json:"request,omitempty"`
	Entries      []models.ApprovalDetail `json:"entries"`
}
