package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"billingsync/internal/models"

	"github.com/stripe/stripe-go/v76"
)

// Event is the canonical form of a gateway notification or customer action.
// The set of variants is closed: Apply switches over every one of them, and
// anything the parser does not recognize becomes Unhandled rather than being
// dropped in a silent default branch.
type Event interface {
	isEvent()
}

// CheckoutCompleted signals a finished checkout session. The session payload
// does not embed the subscription, so Snapshot is filled in by a canonical
// fetch before the event reaches Apply.
type CheckoutCompleted struct {
	UserID         int64
	SubscriptionID string
	Snapshot       models.Snapshot
}

// SubscriptionUpserted carries the gateway's complete subscription object
// (stripe embeds the full object in customer.subscription.* events).
type SubscriptionUpserted struct {
	Snapshot models.Snapshot
}

// SubscriptionCanceled is the terminal deletion notification.
type SubscriptionCanceled struct {
	Snapshot models.Snapshot
}

// PaymentFailed and PaymentSucceeded carry only the subscription id; they
// drive pure status transitions until the next snapshot overwrites.
type PaymentFailed struct {
	SubscriptionID string
}

type PaymentSucceeded struct {
	SubscriptionID string
}

// CustomerCancelRequested and CustomerResumeRequested are the synchronous
// customer actions, routed through the same state machine as webhooks.
type CustomerCancelRequested struct {
	UserID int64
}

type CustomerResumeRequested struct {
	UserID int64
}

// Unhandled is an event type this subsystem does not act on. It is a real
// variant so callers must decide to acknowledge it explicitly.
type Unhandled struct {
	Type string
}

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionUpserted) isEvent()    {}
func (SubscriptionCanceled) isEvent()    {}
func (PaymentFailed) isEvent()           {}
func (PaymentSucceeded) isEvent()        {}
func (CustomerCancelRequested) isEvent() {}
func (CustomerResumeRequested) isEvent() {}
func (Unhandled) isEvent()               {}

// ParseStripeEvent maps a verified stripe envelope onto a canonical event.
// Payloads that cannot be decoded return ErrInvalidEvent; event types outside
// this subsystem's interest come back as Unhandled, never as errors.
func ParseStripeEvent(event *stripe.Event) (Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session payload: %v", ErrInvalidEvent, err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription || sess.Subscription == nil {
			return Unhandled{Type: string(event.Type)}, nil
		}
		userID, err := checkoutUserID(&sess)
		if err != nil {
			return nil, err
		}
		return CheckoutCompleted{UserID: userID, SubscriptionID: sess.Subscription.ID}, nil
	case "customer.subscription.created", "customer.subscription.updated":
		snap, err := subscriptionSnapshot(event)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpserted{Snapshot: snap}, nil
	case "customer.subscription.deleted":
		snap, err := subscriptionSnapshot(event)
		if err != nil {
			return nil, err
		}
		return SubscriptionCanceled{Snapshot: snap}, nil
	case "invoice.payment_failed":
		subID, err := invoiceSubscriptionID(event)
		if err != nil {
			return nil, err
		}
		if subID == "" {
			return Unhandled{Type: string(event.Type)}, nil
		}
		return PaymentFailed{SubscriptionID: subID}, nil
	case "invoice.paid", "invoice.payment_succeeded":
		subID, err := invoiceSubscriptionID(event)
		if err != nil {
			return nil, err
		}
		if subID == "" {
			return Unhandled{Type: string(event.Type)}, nil
		}
		return PaymentSucceeded{SubscriptionID: subID}, nil
	default:
		return Unhandled{Type: string(event.Type)}, nil
	}
}

func checkoutUserID(sess *stripe.CheckoutSession) (int64, error) {
	ref := sess.ClientReferenceID
	if ref == "" {
		ref = sess.Metadata["user_id"]
	}
	userID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: checkout session without usable user reference", ErrInvalidEvent)
	}
	return userID, nil
}

func subscriptionSnapshot(event *stripe.Event) (models.Snapshot, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: subscription payload: %v", ErrInvalidEvent, err)
	}
	if sub.ID == "" {
		return models.Snapshot{}, fmt.Errorf("%w: subscription payload without id", ErrInvalidEvent)
	}
	return SnapshotFromStripe(&sub), nil
}

func invoiceSubscriptionID(event *stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("%w: invoice payload: %v", ErrInvalidEvent, err)
	}
	if inv.Subscription == nil {
		return "", nil
	}
	return inv.Subscription.ID, nil
}

// SnapshotFromStripe flattens a stripe subscription object into the canonical
// snapshot the reconciler consumes.
func SnapshotFromStripe(sub *stripe.Subscription) models.Snapshot {
	snap := models.Snapshot{
		SubscriptionID:     sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		snap.PriceID = sub.Items.Data[0].Price.ID
	}
	if raw, ok := sub.Metadata["user_id"]; ok {
		if userID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.UserID = userID
		}
	}
	return snap
}
