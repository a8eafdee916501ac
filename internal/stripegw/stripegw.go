// Package stripegw wraps the outbound stripe calls the billing core depends
// on. Every mutation carries an idempotency key, so a timed-out call can be
// retried without duplicating charges or subscriptions.
package stripegw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"billingsync/internal/models"
	"billingsync/internal/reconcile"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/subscription"
)

var (
	ErrNotConfigured = errors.New("stripe not configured")
	// ErrUnavailable marks gateway failures the caller may retry.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// CheckoutSession is the result of starting a checkout flow.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Gateway is the customer action contract against the payment gateway. All
// calls are timeout-bounded and safe to retry.
type Gateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (models.Snapshot, error)
	CreateCheckoutSession(ctx context.Context, userID int64, priceID, successURL, cancelURL string) (CheckoutSession, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (models.Snapshot, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type Client struct {
	timeout time.Duration
}

func NewClient(secretKey string, timeout time.Duration) (*Client, error) {
	if secretKey == "" {
		return nil, ErrNotConfigured
	}
	stripe.Key = secretKey
	return &Client{timeout: timeout}, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return models.Snapshot{}, gatewayError("get subscription", err)
	}
	return reconcile.SnapshotFromStripe(sub), nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, userID int64, priceID, successURL, cancelURL string) (CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	userRef := strconv.FormatInt(userID, 10)
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userRef},
		},
		Metadata: map[string]string{"user_id": userRef},
	}
	params.SetIdempotencyKey(uuid.NewString())

	sess, err := checkoutsession.New(params)
	if err != nil {
		return CheckoutSession{}, gatewayError("create checkout session", err)
	}
	return CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancelFlag bool) (models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancelFlag),
	}
	params.SetIdempotencyKey(uuid.NewString())

	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return models.Snapshot{}, gatewayError("set cancel at period end", err)
	}
	return reconcile.SnapshotFromStripe(sub), nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", gatewayError("create portal session", err)
	}
	return sess.URL, nil
}

// Disabled satisfies Gateway for deployments without stripe credentials;
// every call reports the gateway as not configured.
type Disabled struct{}

func (Disabled) GetSubscription(context.Context, string) (models.Snapshot, error) {
	return models.Snapshot{}, ErrNotConfigured
}

func (Disabled) CreateCheckoutSession(context.Context, int64, string, string, string) (CheckoutSession, error) {
	return CheckoutSession{}, ErrNotConfigured
}

func (Disabled) SetCancelAtPeriodEnd(context.Context, string, bool) (models.Snapshot, error) {
	return models.Snapshot{}, ErrNotConfigured
}

func (Disabled) CreatePortalSession(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func gatewayError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Error().Str("op", op).Str("code", string(stripeErr.Code)).
			Str("type", string(stripeErr.Type)).Msg(stripeErr.Msg)
	} else {
		log.Error().Str("op", op).Err(err).Msg("stripe call failed")
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
