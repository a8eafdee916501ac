package models

import "time"

// Subscription is the local mirror of a user's gateway subscription.
// One row per user; plan/status/limit fields are written only by the
// reconciler, usage counters only by the usage meter. Version increases on
// every mutation and serializes concurrent writers.
type Subscription struct {
	UserID               int64      `json:"user_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripePriceID        string     `json:"stripe_price_id,omitempty"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	CurrentPeriodStart   time.Time  `json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CalculationsUsed     int        `json:"calculations_used"`
	CalculationsLimit    int        `json:"calculations_limit"`
	APICallsUsed         int        `json:"api_calls_used"`
	APICallsLimit        int        `json:"api_calls_limit"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	LastPaymentAt        *time.Time `json:"last_payment_at,omitempty"`
	Version              int64      `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Snapshot is the gateway's current, complete view of a subscription, as
// opposed to a partial event payload.
type Snapshot struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	UserID             int64 // from gateway metadata, 0 when absent
}

// ProcessedEvent is the dedupe ledger: one row per distinct gateway event id.
type ProcessedEvent struct {
	StripeEventID string
	EventType     string
	ReceivedAt    time.Time
}

const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

const (
	StatusActive     = "active"
	StatusCancelling = "cancelling"
	StatusCanceled   = "canceled"
	StatusPastDue    = "past_due"
	StatusTrialing   = "trialing"
	StatusInactive   = "inactive"
)

// UnlimitedQuota marks a limit field as unmetered.
const UnlimitedQuota = -1

// ValidPlan reports whether name is one of the enumerated plan tiers.
func ValidPlan(name string) bool {
	switch name {
	case PlanFree, PlanPro, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// FreeSubscription is the implicit view for users without a row: the free
// tier with default quotas, period anchored to the current calendar month.
func FreeSubscription(userID int64, calcLimit, apiLimit int, now time.Time) Subscription {
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Subscription{
		UserID:             userID,
		Plan:               PlanFree,
		Status:             StatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
		CalculationsLimit:  calcLimit,
		APICallsLimit:      apiLimit,
	}
}
