package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApprovalStatusPredicates(t *testing.T) {
	require.True(t, StatusReceivedForApproval.IsOpen())
	require.True(t, StatusResubmitted.IsOpen())
	require.False(t, StatusApproved.IsOpen())
	require.True(t, StatusDenied.Resubmittable())
	require.True(t, StatusInformationRequested.Resubmittable())
	require.False(t, StatusSubmitted.Resubmittable())

	_, err := ParseApprovalStatus("PENDING")
	require.Error(t, err)
	s, err := ParseApprovalStatus("DENIED")
	require.NoError(t, err)
	require.Equal(t, StatusDenied, s)
}

func TestEntityStateNextLevel(t *testing.T) {
	require.Equal(t, 1, EntityApprovalState{ApprovedCount: 0}.NextLevel())
	require.Equal(t, 4, EntityApprovalState{ApprovedCount: 3}.NextLevel())
	require.Equal(t, 0, EntityApprovalState{ApprovedCount: 4}.NextLevel())
}

func TestParseEntityKind(t *testing.T) {
	k, err := ParseEntityKind("workplan")
	require.NoError(t, err)
	require.Equal(t, EntityWorkplan, k)
	_, err = ParseEntityKind("invoice")
	require.Error(t, err)
}

func TestEveryKindHasApprovalType(t *testing.T) {
	for _, k := range EntityKinds {
		require.NotEmpty(t, k.ApprovalTypeName(), string(k))
	}
	require.Equal(t, ApprovalTypeReports, EntityAnnualReport.ApprovalTypeName())
	require.Equal(t, ApprovalTypeImpactStories, EntityImpactStory.ApprovalTypeName())
	require.Empty(t, EntityKind("budget").ApprovalTypeName())
}
