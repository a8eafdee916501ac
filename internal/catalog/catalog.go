// Package catalog maps gateway price ids onto plan tiers and their quotas.
package catalog

import (
	"fmt"

	"billingsync/internal/config"
	"billingsync/internal/models"

	"github.com/rs/zerolog/log"
)

// Limits are the per-period quotas of a plan tier. -1 means unmetered.
type Limits struct {
	Calculations int
	APICalls     int
}

type Catalog struct {
	pricePlans  map[string]string
	planLimits  map[string]Limits
	defaultPlan string
}

// New validates the configured tables and builds the catalog. Resolution at
// event time never fails, so all drift has to be caught here.
func New(cfg config.Config) (*Catalog, error) {
	if !models.ValidPlan(cfg.DefaultPlan) {
		return nil, fmt.Errorf("catalog: unknown default plan %q", cfg.DefaultPlan)
	}
	planLimits := make(map[string]Limits, len(cfg.PlanLimits))
	for tier, l := range cfg.PlanLimits {
		if !models.ValidPlan(tier) {
			return nil, fmt.Errorf("catalog: limits configured for unknown plan %q", tier)
		}
		if err := validateLimit(tier, "calculations", l.Calculations); err != nil {
			return nil, err
		}
		if err := validateLimit(tier, "api_calls", l.APICalls); err != nil {
			return nil, err
		}
		planLimits[tier] = Limits{Calculations: l.Calculations, APICalls: l.APICalls}
	}
	if _, ok := planLimits[cfg.DefaultPlan]; !ok {
		return nil, fmt.Errorf("catalog: no limits configured for default plan %q", cfg.DefaultPlan)
	}
	for priceID, tier := range cfg.StripePricePlans {
		if priceID == "" {
			return nil, fmt.Errorf("catalog: empty price id mapped to plan %q", tier)
		}
		if _, ok := planLimits[tier]; !ok {
			return nil, fmt.Errorf("catalog: price %s mapped to unknown plan %q", priceID, tier)
		}
	}
	return &Catalog{
		pricePlans:  cfg.StripePricePlans,
		planLimits:  planLimits,
		defaultPlan: cfg.DefaultPlan,
	}, nil
}

func validateLimit(tier, name string, v int) error {
	if v < models.UnlimitedQuota || v == 0 {
		return fmt.Errorf("catalog: plan %q has invalid %s limit %d", tier, name, v)
	}
	return nil
}

// Resolve maps a gateway price id to its plan tier and limits. Unknown price
// ids fall back to the default tier with a warning instead of failing the
// event; billing sync stays up through catalog drift.
func (c *Catalog) Resolve(priceID string) (string, Limits) {
	if tier, ok := c.pricePlans[priceID]; ok {
		return tier, c.planLimits[tier]
	}
	log.Warn().Str("price_id", priceID).Str("fallback_plan", c.defaultPlan).
		Msg("unmapped stripe price id, applying default plan")
	return c.defaultPlan, c.planLimits[c.defaultPlan]
}

// LimitsFor returns the quotas of a known tier, or the default tier's quotas
// for an unknown one.
func (c *Catalog) LimitsFor(tier string) Limits {
	if l, ok := c.planLimits[tier]; ok {
		return l
	}
	return c.planLimits[c.defaultPlan]
}

// Known reports whether a price id is in the configured table. Checkout
// creation is strict about this even though event resolution is not.
func (c *Catalog) Known(priceID string) bool {
	_, ok := c.pricePlans[priceID]
	return ok
}

// DefaultPlan is the tier applied to unmapped price ids.
func (c *Catalog) DefaultPlan() string {
	return c.defaultPlan
}
