package models

import (
	"fmt"
	"time"
)

// EntityKind names a domain whose records flow through an approval chain.
type EntityKind string

const (
	EntityProposal       EntityKind = "proposal"
	EntityMELP           EntityKind = "melp"
	EntityWorkplan       EntityKind = "workplan"
	EntityImpactStory    EntityKind = "impact_story"
	EntityOutputReport   EntityKind = "output_report"
	EntityOutcomeReport  EntityKind = "outcome_report"
	EntityProgressReport EntityKind = "progress_report"
	EntityAnnualReport   EntityKind = "annual_report"
)

// EntityKinds lists every approvable domain.
var EntityKinds = []EntityKind{
	EntityProposal,
	EntityMELP,
	EntityWorkplan,
	EntityImpactStory,
	EntityOutputReport,
	EntityOutcomeReport,
	EntityProgressReport,
	EntityAnnualReport,
}

// ParseEntityKind validates a raw kind from a route or payload.
func ParseEntityKind(raw string) (EntityKind, error) {
	for _, k := range EntityKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", raw)
}

// EntityApprovalState is the approval-related projection of a domain record.
type EntityApprovalState struct {
	EntityID      string         `db:"id" json:"entityId"`
	EntityCode    string         `db:"code" json:"entityCode"`
	ApprovedCount int            `db:"approved_count" json:"approvedCount"`
	Status        ApprovalStatus `db:"status" json:"status"`
	SubmittedAt   *time.Time     `db:"submitted_at" json:"submittedAt,omitempty"`
	ApprovedAt    *time.Time     `db:"approved_at" json:"approvedAt,omitempty"`
}

// NextLevel is the hierarchy level awaiting a decision, or 0 once every level has signed off.
func (s EntityApprovalState) NextLevel() int {
	if s.ApprovedCount >= HierarchyLevels {
		return 0
	}
	return s.ApprovedCount + 1
}

// Identity is a directory user acting as requester or approver.
type Identity struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// ApprovalTypeName returns the approval type whose hierarchy governs the kind. The report
// kinds share one chain.
func (k EntityKind) ApprovalTypeName() string {
	switch k {
	case EntityProposal:
		return ApprovalTypeProposal
	case EntityMELP:
		return ApprovalTypeMELP
	case EntityWorkplan:
		return ApprovalTypeWorkplan
	case EntityImpactStory:
		return ApprovalTypeImpactStories
	case EntityOutputReport, EntityOutcomeReport, EntityProgressReport, EntityAnnualReport:
		return ApprovalTypeReports
	}
	return ""
}
