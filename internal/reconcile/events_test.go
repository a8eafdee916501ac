package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func stripeEvent(eventType string, payload string) *stripe.Event {
	return &stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

const subscriptionPayload = `{
	"id": "sub_1",
	"status": "active",
	"cancel_at_period_end": true,
	"current_period_start": 1767225600,
	"current_period_end": 1769904000,
	"customer": "cus_1",
	"items": {"data": [{"price": {"id": "price_pro"}}]},
	"metadata": {"user_id": "42"}
}`

func TestParseCheckoutCompleted(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("checkout.session.completed", `{
		"id": "cs_1",
		"mode": "subscription",
		"client_reference_id": "42",
		"subscription": "sub_1"
	}`))
	require.NoError(t, err)

	checkout, ok := ev.(CheckoutCompleted)
	require.True(t, ok)
	require.Equal(t, int64(42), checkout.UserID)
	require.Equal(t, "sub_1", checkout.SubscriptionID)
	require.Empty(t, checkout.Snapshot.SubscriptionID, "snapshot is filled by canonical fetch")
}

func TestParseCheckoutFallsBackToMetadataUserID(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("checkout.session.completed", `{
		"id": "cs_1",
		"mode": "subscription",
		"subscription": "sub_1",
		"metadata": {"user_id": "7"}
	}`))
	require.NoError(t, err)
	require.Equal(t, int64(7), ev.(CheckoutCompleted).UserID)
}

func TestParseCheckoutWithoutUserReference(t *testing.T) {
	_, err := ParseStripeEvent(stripeEvent("checkout.session.completed", `{
		"id": "cs_1",
		"mode": "subscription",
		"subscription": "sub_1"
	}`))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParsePaymentModeCheckoutIsUnhandled(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("checkout.session.completed", `{
		"id": "cs_1",
		"mode": "payment",
		"client_reference_id": "42"
	}`))
	require.NoError(t, err)
	require.IsType(t, Unhandled{}, ev)
}

func TestParseSubscriptionUpserted(t *testing.T) {
	for _, eventType := range []string{"customer.subscription.created", "customer.subscription.updated"} {
		ev, err := ParseStripeEvent(stripeEvent(eventType, subscriptionPayload))
		require.NoError(t, err, eventType)

		up, ok := ev.(SubscriptionUpserted)
		require.True(t, ok, eventType)
		require.Equal(t, "sub_1", up.Snapshot.SubscriptionID)
		require.Equal(t, "cus_1", up.Snapshot.CustomerID)
		require.Equal(t, "price_pro", up.Snapshot.PriceID)
		require.Equal(t, "active", up.Snapshot.Status)
		require.True(t, up.Snapshot.CancelAtPeriodEnd)
		require.Equal(t, int64(42), up.Snapshot.UserID)
		require.Equal(t, time.Unix(1767225600, 0).UTC(), up.Snapshot.CurrentPeriodStart)
		require.Equal(t, time.Unix(1769904000, 0).UTC(), up.Snapshot.CurrentPeriodEnd)
	}
}

func TestParseSubscriptionDeleted(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("customer.subscription.deleted", subscriptionPayload))
	require.NoError(t, err)
	require.IsType(t, SubscriptionCanceled{}, ev)
}

func TestParseSubscriptionWithoutID(t *testing.T) {
	_, err := ParseStripeEvent(stripeEvent("customer.subscription.updated", `{"status": "active"}`))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseInvoiceEvents(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("invoice.payment_failed", `{"id": "in_1", "subscription": "sub_1"}`))
	require.NoError(t, err)
	require.Equal(t, PaymentFailed{SubscriptionID: "sub_1"}, ev)

	ev, err = ParseStripeEvent(stripeEvent("invoice.paid", `{"id": "in_2", "subscription": "sub_1"}`))
	require.NoError(t, err)
	require.Equal(t, PaymentSucceeded{SubscriptionID: "sub_1"}, ev)
}

func TestParseInvoiceWithoutSubscriptionIsUnhandled(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("invoice.paid", `{"id": "in_3"}`))
	require.NoError(t, err)
	require.IsType(t, Unhandled{}, ev)
}

func TestParseUnknownTypeIsUnhandled(t *testing.T) {
	ev, err := ParseStripeEvent(stripeEvent("customer.created", `{"id": "cus_1"}`))
	require.NoError(t, err)
	require.Equal(t, Unhandled{Type: "customer.created"}, ev)
}

func TestParseMalformedPayload(t *testing.T) {
	_, err := ParseStripeEvent(stripeEvent("customer.subscription.updated", `{"id": `))
	require.ErrorIs(t, err, ErrInvalidEvent)
}
