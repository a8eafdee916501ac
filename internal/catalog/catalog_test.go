package catalog

import (
	"testing"

	"billingsync/internal/config"
	"billingsync/internal/models"

	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		DefaultPlan: models.PlanFree,
		StripePricePlans: map[string]string{
			"price_pro":  models.PlanPro,
			"price_team": models.PlanTeam,
		},
		PlanLimits: map[string]config.PlanLimits{
			models.PlanFree: {Calculations: 5, APICalls: 100},
			models.PlanPro:  {Calculations: 500, APICalls: 5000},
			models.PlanTeam: {Calculations: -1, APICalls: -1},
		},
	}
}

func TestResolveKnownPrice(t *testing.T) {
	cat, err := New(testConfig())
	require.NoError(t, err)

	tier, limits := cat.Resolve("price_pro")
	require.Equal(t, models.PlanPro, tier)
	require.Equal(t, 500, limits.Calculations)
	require.Equal(t, 5000, limits.APICalls)
}

func TestResolveUnmappedPriceFallsBack(t *testing.T) {
	cat, err := New(testConfig())
	require.NoError(t, err)

	tier, limits := cat.Resolve("price_does_not_exist")
	require.Equal(t, models.PlanFree, tier)
	require.Equal(t, 5, limits.Calculations)
}

func TestResolveUnlimitedSentinel(t *testing.T) {
	cat, err := New(testConfig())
	require.NoError(t, err)

	_, limits := cat.Resolve("price_team")
	require.Equal(t, models.UnlimitedQuota, limits.Calculations)
	require.Equal(t, models.UnlimitedQuota, limits.APICalls)
}

func TestKnown(t *testing.T) {
	cat, err := New(testConfig())
	require.NoError(t, err)

	require.True(t, cat.Known("price_pro"))
	require.False(t, cat.Known("price_other"))
}

func TestNewRejectsUnknownDefaultPlan(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPlan = "platinum"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsUnknownTierInLimits(t *testing.T) {
	cfg := testConfig()
	cfg.PlanLimits["platinum"] = config.PlanLimits{Calculations: 1, APICalls: 1}
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsZeroLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PlanLimits[models.PlanPro] = config.PlanLimits{Calculations: 0, APICalls: 10}
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsPriceMappedToUnknownPlan(t *testing.T) {
	cfg := testConfig()
	cfg.StripePricePlans["price_x"] = models.PlanEnterprise // no limits configured
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRequiresLimitsForDefaultPlan(t *testing.T) {
	cfg := testConfig()
	delete(cfg.PlanLimits, models.PlanFree)
	_, err := New(cfg)
	require.Error(t, err)
}

func TestLimitsForUnknownTierUsesDefault(t *testing.T) {
	cat, err := New(testConfig())
	require.NoError(t, err)

	limits := cat.LimitsFor("nope")
	require.Equal(t, 5, limits.Calculations)
}
