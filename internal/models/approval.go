package models

import (
	"fmt"
	"time"
)

// HierarchyLevels is the fixed depth of every approval chain.
const HierarchyLevels = 4

// ApprovalStatus is the closed set of workflow states shared by ledger rows and entities.
type ApprovalStatus string

const (
	StatusInProgress           ApprovalStatus = "IN_PROGRESS"
	StatusSubmitted            ApprovalStatus = "SUBMITTED"
	StatusReceivedForApproval  ApprovalStatus = "RECEIVED_FOR_APPROVAL"
	StatusInformationRequested ApprovalStatus = "INFORMATION_REQUESTED"
	StatusDenied               ApprovalStatus = "DENIED"
	StatusResubmitted          ApprovalStatus = "RESUBMITTED"
	StatusApproved             ApprovalStatus = "APPROVED"
)

// OpenDetailStatuses mark the ledger row of the currently pending approver.
var OpenDetailStatuses = []ApprovalStatus{StatusReceivedForApproval, StatusResubmitted}

// Valid reports whether s is one of the declared statuses.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusSubmitted, StatusReceivedForApproval, StatusInformationRequested,
		StatusDenied, StatusResubmitted, StatusApproved:
		return true
	}
	return false
}

// IsOpen reports whether a ledger row in this status is awaiting a decision.
func (s ApprovalStatus) IsOpen() bool {
	return s == StatusReceivedForApproval || s == StatusResubmitted
}

// Resubmittable reports whether an entity in this status may re-enter the chain.
func (s ApprovalStatus) Resubmittable() bool {
	return s == StatusDenied || s == StatusInformationRequested
}

// ParseApprovalStatus validates a raw status value.
func ParseApprovalStatus(raw string) (ApprovalStatus, error) {
	s := ApprovalStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown approval status %q", raw)
	}
	return s, nil
}

// Approval type names seeded in approval_types.
const (
	ApprovalTypeProposal      = "Proposal"
	ApprovalTypeMELP          = "MELP"
	ApprovalTypeWorkplan      = "Workplan"
	ApprovalTypeReports       = "Reports"
	ApprovalTypeImpactStories = "ImpactStories"
)

// ApprovalType identifies a workflow class.
type ApprovalType struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Label string `db:"label" json:"label"`
}

// HierarchyEntry assigns one approver to one level of an approval type.
type HierarchyEntry struct {
	ApprovalTypeID string    `db:"approval_type_id" json:"approvalTypeId"`
	Level          int       `db:"level" json:"level"`
	ApproverID     string    `db:"approver_id" json:"approverId"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// ApprovalRequest is the per-entity approval cycle header, reused across resubmissions.
type ApprovalRequest struct {
	ID             string     `db:"id" json:"id"`
	ApprovalTypeID string     `db:"approval_type_id" json:"approvalTypeId"`
	EntityKind     EntityKind `db:"entity_kind" json:"entityKind"`
	EntityID       string     `db:"entity_id" json:"entityId"`
	RequestedBy    string     `db:"requested_by" json:"requestedBy"`
	RequestedDate  time.Time  `db:"requested_date" json:"requestedDate"`
}

// ApprovalDetail is one append-only ledger row. ApproverID is the approver of HierarchyLevel,
// i.e. the level the row is pending for.
type ApprovalDetail struct {
	ID                  string         `db:"id" json:"id"`
	ApprovalRequestID   string         `db:"approval_request_id" json:"approvalRequestId"`
	HierarchyLevel      int            `db:"hierarchy_level" json:"hierarchyLevel"`
	ApproverID          string         `db:"approver_id" json:"approverId"`
	Status              ApprovalStatus `db:"status" json:"status"`
	RequestReceivedDate time.Time      `db:"request_received_date" json:"requestReceivedDate"`
	ActionTakenDate     *time.Time     `db:"action_taken_date" json:"actionTakenDate,omitempty"`
	Comment             *string        `db:"comment" json:"comment,omitempty"`
}

// PendingApproval is an inbox row: an open detail joined with its request.
type PendingApproval struct {
	ApprovalDetail
	ApprovalType string     `db:"approval_type" json:"approvalType"`
	EntityKind   EntityKind `db:"entity_kind" json:"entityKind"`
	EntityID     string     `db:"entity_id" json:"entityId"`
	RequestedBy  string     `db:"requested_by" json:"requestedBy"`
}
