package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidPlan(t *testing.T) {
	for _, plan := range []string{PlanFree, PlanPro, PlanTeam, PlanEnterprise} {
		require.True(t, ValidPlan(plan), plan)
	}
	require.False(t, ValidPlan("platinum"))
	require.False(t, ValidPlan(""))
}

func TestFreeSubscriptionAnchorsToCalendarMonth(t *testing.T) {
	now := time.Date(2026, 8, 23, 17, 45, 3, 0, time.UTC)
	sub := FreeSubscription(42, 5, 100, now)

	require.Equal(t, int64(42), sub.UserID)
	require.Equal(t, PlanFree, sub.Plan)
	require.Equal(t, StatusActive, sub.Status)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodStart)
	require.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)
	require.Equal(t, 5, sub.CalculationsLimit)
	require.Equal(t, 100, sub.APICallsLimit)
	require.Zero(t, sub.CalculationsUsed)
}
