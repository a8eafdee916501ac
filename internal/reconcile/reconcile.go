// Package reconcile holds the subscription state machine: a pure mapping from
// (current local state, canonical event) to the next local state. All
// gateway-reported fields are overwritten from the gateway's snapshot rather
// than patched, so repeated or reordered deliveries converge once the latest
// snapshot has been applied.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"billingsync/internal/catalog"
	"billingsync/internal/models"
)

var (
	ErrInvalidEvent     = errors.New("invalid event payload")
	ErrUnhandledEvent   = errors.New("unhandled event type")
	ErrMissingSnapshot  = errors.New("event requires a canonical snapshot")
	ErrNotCancellable   = errors.New("subscription is not in a cancellable state")
	ErrResumeNotAllowed = errors.New("subscription is not pending cancellation")
)

// Apply returns the subscription state after ev. It never touches usage
// counters (the meter owns those) or the version field (the store owns that).
func Apply(cur models.Subscription, ev Event, cat *catalog.Catalog, now time.Time) (models.Subscription, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		if e.Snapshot.SubscriptionID == "" {
			return cur, ErrMissingSnapshot
		}
		next := cur
		if next.UserID == 0 {
			next.UserID = e.UserID
		}
		return applySnapshot(next, e.Snapshot, cat, now), nil
	case SubscriptionUpserted:
		if e.Snapshot.SubscriptionID == "" {
			return cur, ErrMissingSnapshot
		}
		return applySnapshot(cur, e.Snapshot, cat, now), nil
	case SubscriptionCanceled:
		if e.Snapshot.SubscriptionID == "" {
			return cur, ErrMissingSnapshot
		}
		next := applySnapshot(cur, e.Snapshot, cat, now)
		next.Status = models.StatusCanceled
		if next.CanceledAt == nil {
			next.CanceledAt = &now
		}
		return next, nil
	case PaymentFailed:
		next := cur
		next.Status = models.StatusPastDue
		return next, nil
	case PaymentSucceeded:
		next := cur
		next.Status = models.StatusActive
		next.LastPaymentAt = &now
		return next, nil
	case CustomerCancelRequested:
		switch cur.Status {
		case models.StatusActive, models.StatusTrialing, models.StatusPastDue:
		case models.StatusCancelling:
			return cur, nil // already requested, idempotent
		default:
			return cur, ErrNotCancellable
		}
		next := cur
		next.Status = models.StatusCancelling
		next.CancelAtPeriodEnd = true
		next.CanceledAt = &now
		return next, nil
	case CustomerResumeRequested:
		if cur.Status != models.StatusCancelling {
			return cur, ErrResumeNotAllowed
		}
		next := cur
		next.Status = models.StatusActive
		next.CancelAtPeriodEnd = false
		next.CanceledAt = nil
		return next, nil
	case Unhandled:
		return cur, fmt.Errorf("%w: %s", ErrUnhandledEvent, e.Type)
	default:
		return cur, fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
	}
}

// applySnapshot overwrites every gateway-reported field from the snapshot.
// This is the convergence rule: no deltas, no merging with stale local state.
func applySnapshot(cur models.Subscription, snap models.Snapshot, cat *catalog.Catalog, now time.Time) models.Subscription {
	next := cur
	next.StripeSubscriptionID = snap.SubscriptionID
	if snap.CustomerID != "" {
		next.StripeCustomerID = snap.CustomerID
	}
	next.StripePriceID = snap.PriceID

	tier, limits := cat.Resolve(snap.PriceID)
	next.Plan = tier
	next.CalculationsLimit = limits.Calculations
	next.APICallsLimit = limits.APICalls

	next.CurrentPeriodStart = snap.CurrentPeriodStart
	next.CurrentPeriodEnd = snap.CurrentPeriodEnd
	next.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	next.Status = MapStatus(snap.Status, snap.CancelAtPeriodEnd)

	switch next.Status {
	case models.StatusCancelling, models.StatusCanceled:
		if next.CanceledAt == nil {
			next.CanceledAt = &now
		}
	default:
		next.CanceledAt = nil
	}
	return next
}

// MapStatus translates a gateway status into the local one. A subscription
// the gateway still reports active but flagged cancel-at-period-end is
// CANCELLING locally, which is how a customer cancel request gets confirmed
// by the following snapshot.
func MapStatus(gatewayStatus string, cancelAtPeriodEnd bool) string {
	switch gatewayStatus {
	case "active":
		if cancelAtPeriodEnd {
			return models.StatusCancelling
		}
		return models.StatusActive
	case "canceled":
		return models.StatusCanceled
	case "past_due":
		return models.StatusPastDue
	case "trialing":
		return models.StatusTrialing
	default:
		return models.StatusInactive
	}
}
