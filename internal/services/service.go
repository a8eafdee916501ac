package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billingsync/internal/catalog"
	"billingsync/internal/config"
	"billingsync/internal/metrics"
	"billingsync/internal/models"
	"billingsync/internal/reconcile"
	"billingsync/internal/stripegw"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrQuotaExceeded  = errors.New("quota exceeded for current period")
	ErrNoSubscription = errors.New("no gateway subscription for user")
	ErrConflict       = errors.New("concurrent update conflict")
)

// maxApplyAttempts bounds the optimistic-lock retry loop. Conflicts only
// happen when two events for the same user race, so a couple of reloads is
// plenty.
const maxApplyAttempts = 5

type Service struct {
	pool    *pgxpool.Pool
	catalog *catalog.Catalog
	gateway stripegw.Gateway
	cfg     config.Config
}

func New(pool *pgxpool.Pool, cat *catalog.Catalog, gw stripegw.Gateway, cfg config.Config) *Service {
	return &Service{pool: pool, catalog: cat, gateway: gw, cfg: cfg}
}

// ---- webhook ingestion ----

// HandleGatewayEvent runs one verified gateway event through the dedupe
// ledger and the reconciler. The event id is recorded before application, so
// a crash mid-processing never reapplies a partially-applied event; that is
// safe because reconciler effects are snapshot overwrites, not deltas.
func (s *Service) HandleGatewayEvent(ctx context.Context, event *stripe.Event) error {
	firstSight, err := s.recordEvent(ctx, event.ID, string(event.Type))
	if err != nil {
		return fmt.Errorf("record event %s: %w", event.ID, err)
	}
	if !firstSight {
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).
			Msg("duplicate gateway event acknowledged")
		return nil
	}

	ev, err := reconcile.ParseStripeEvent(event)
	if err != nil {
		// Malformed payloads are acknowledged: redelivery would only fail
		// the same way and a retry storm helps nobody.
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		log.Warn().Str("event_id", event.ID).Str("type", string(event.Type)).Err(err).
			Msg("invalid gateway event acknowledged")
		return nil
	}
	if u, ok := ev.(reconcile.Unhandled); ok {
		metrics.WebhookEvents.WithLabelValues("unhandled").Inc()
		log.Debug().Str("event_id", event.ID).Str("type", u.Type).
			Msg("gateway event type not handled")
		return nil
	}

	if err := s.processEvent(ctx, ev); err != nil {
		metrics.WebhookEvents.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WebhookEvents.WithLabelValues("processed").Inc()
	return nil
}

func (s *Service) recordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (stripe_event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (stripe_event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Service) processEvent(ctx context.Context, ev reconcile.Event) error {
	switch e := ev.(type) {
	case reconcile.CheckoutCompleted:
		// The session payload has no subscription object; fetch the
		// canonical snapshot instead of trusting partial data.
		snap, err := s.gateway.GetSubscription(ctx, e.SubscriptionID)
		if err != nil {
			return err
		}
		e.Snapshot = snap
		userID := e.UserID
		if userID == 0 {
			userID = snap.UserID
		}
		if userID == 0 {
			log.Warn().Str("stripe_subscription_id", e.SubscriptionID).
				Msg("checkout event without user reference, acknowledged")
			return nil
		}
		return s.applyForUser(ctx, userID, e)
	case reconcile.SubscriptionUpserted:
		return s.applyForSnapshot(ctx, e.Snapshot, e)
	case reconcile.SubscriptionCanceled:
		return s.applyForSnapshot(ctx, e.Snapshot, e)
	case reconcile.PaymentFailed:
		return s.applyForStripeID(ctx, e.SubscriptionID, e)
	case reconcile.PaymentSucceeded:
		return s.applyForStripeID(ctx, e.SubscriptionID, e)
	default:
		return fmt.Errorf("%w: %T", reconcile.ErrUnhandledEvent, ev)
	}
}

// applyForSnapshot targets the local row for a gateway subscription object,
// creating one from the snapshot's metadata user id when the subscription
// event outran the checkout event.
func (s *Service) applyForSnapshot(ctx context.Context, snap models.Snapshot, ev reconcile.Event) error {
	sub, found, err := s.getByStripeID(ctx, snap.SubscriptionID)
	if err != nil {
		return err
	}
	if found {
		return s.applyForUser(ctx, sub.UserID, ev)
	}
	if snap.UserID != 0 {
		return s.applyForUser(ctx, snap.UserID, ev)
	}
	log.Warn().Str("stripe_subscription_id", snap.SubscriptionID).
		Msg("subscription event for unknown user, acknowledged")
	return nil
}

func (s *Service) applyForStripeID(ctx context.Context, stripeSubID string, ev reconcile.Event) error {
	sub, found, err := s.getByStripeID(ctx, stripeSubID)
	if err != nil {
		return err
	}
	if !found {
		log.Warn().Str("stripe_subscription_id", stripeSubID).
			Msg("payment event for unknown subscription, acknowledged")
		return nil
	}
	return s.applyForUser(ctx, sub.UserID, ev)
}

// applyForUser is the serialized write path: load the row, run the pure
// reconciler, save under compare-and-set on version, retry on conflict.
func (s *Service) applyForUser(ctx context.Context, userID int64, ev reconcile.Event) error {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		cur, found, err := s.getByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			cur = models.Subscription{UserID: userID}
		}
		next, err := reconcile.Apply(cur, ev, s.catalog, time.Now().UTC())
		if err != nil {
			return err
		}
		var saved bool
		if found {
			saved, err = s.updateSubscription(ctx, next, cur.Version)
		} else {
			saved, err = s.insertSubscription(ctx, next)
		}
		if err != nil {
			return err
		}
		if saved {
			log.Info().Int64("user_id", userID).Str("plan", next.Plan).
				Str("status", next.Status).Msgf("subscription reconciled (%T)", ev)
			return nil
		}
		metrics.ReconcileConflicts.Inc()
	}
	return fmt.Errorf("%w: user %d", ErrConflict, userID)
}

// ---- customer actions ----

func (s *Service) CreateCheckout(ctx context.Context, userID int64, priceID, successURL, cancelURL string) (stripegw.CheckoutSession, error) {
	if userID == 0 || priceID == "" || successURL == "" || cancelURL == "" {
		return stripegw.CheckoutSession{}, ErrInvalidRequest
	}
	if !s.catalog.Known(priceID) {
		return stripegw.CheckoutSession{}, fmt.Errorf("%w: unknown price id", ErrInvalidRequest)
	}
	return s.gateway.CreateCheckoutSession(ctx, userID, priceID, successURL, cancelURL)
}

// CancelSubscription flags cancel-at-period-end at the gateway, then sets the
// local row to cancelling optimistically; the following subscription webhook
// confirms or corrects it.
func (s *Service) CancelSubscription(ctx context.Context, userID int64) (models.Subscription, error) {
	sub, found, err := s.getByUserID(ctx, userID)
	if err != nil {
		return models.Subscription{}, err
	}
	if !found || sub.StripeSubscriptionID == "" {
		return models.Subscription{}, ErrNoSubscription
	}
	// Reject locally before touching the gateway.
	if _, err := reconcile.Apply(sub, reconcile.CustomerCancelRequested{UserID: userID}, s.catalog, time.Now().UTC()); err != nil {
		return models.Subscription{}, err
	}
	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, true); err != nil {
		return models.Subscription{}, err
	}
	if err := s.applyForUser(ctx, userID, reconcile.CustomerCancelRequested{UserID: userID}); err != nil {
		return models.Subscription{}, err
	}
	return s.GetSubscription(ctx, userID)
}

// ResumeSubscription clears the cancel-at-period-end flag. Only allowed while
// the subscription is cancelling.
func (s *Service) ResumeSubscription(ctx context.Context, userID int64) (models.Subscription, error) {
	sub, found, err := s.getByUserID(ctx, userID)
	if err != nil {
		return models.Subscription{}, err
	}
	if !found || sub.StripeSubscriptionID == "" {
		return models.Subscription{}, ErrNoSubscription
	}
	if _, err := reconcile.Apply(sub, reconcile.CustomerResumeRequested{UserID: userID}, s.catalog, time.Now().UTC()); err != nil {
		return models.Subscription{}, err
	}
	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, false); err != nil {
		return models.Subscription{}, err
	}
	if err := s.applyForUser(ctx, userID, reconcile.CustomerResumeRequested{UserID: userID}); err != nil {
		return models.Subscription{}, err
	}
	return s.GetSubscription(ctx, userID)
}

func (s *Service) CreatePortalSession(ctx context.Context, userID int64, returnURL string) (string, error) {
	if returnURL == "" {
		return "", ErrInvalidRequest
	}
	sub, found, err := s.getByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found || sub.StripeCustomerID == "" {
		return "", ErrNoSubscription
	}
	return s.gateway.CreatePortalSession(ctx, sub.StripeCustomerID, returnURL)
}

// ---- reads ----

// GetSubscription returns the user's row, or the implicit free-tier view when
// none exists yet.
func (s *Service) GetSubscription(ctx context.Context, userID int64) (models.Subscription, error) {
	sub, found, err := s.getByUserID(ctx, userID)
	if err != nil {
		return models.Subscription{}, err
	}
	if !found {
		return s.freeSubscription(userID), nil
	}
	return sub, nil
}

func (s *Service) freeSubscription(userID int64) models.Subscription {
	limits := s.catalog.LimitsFor(models.PlanFree)
	return models.FreeSubscription(userID, limits.Calculations, limits.APICalls, time.Now().UTC())
}

// ---- usage metering ----

// ConsumeCalculation charges one calculation against the user's quota.
func (s *Service) ConsumeCalculation(ctx context.Context, userID int64) (models.Subscription, error) {
	return s.consume(ctx, userID, "calculations", "calculations_used", "calculations_limit")
}

// ConsumeAPICall charges one API call against the user's quota.
func (s *Service) ConsumeAPICall(ctx context.Context, userID int64) (models.Subscription, error) {
	return s.consume(ctx, userID, "api_calls", "api_calls_used", "api_calls_limit")
}

// consume is the atomic check-and-increment. The row is created on first use
// (implicit free tier), rolled over into the current calendar month if the
// stored period start is stale, then incremented under a quota condition in a
// single statement. No read-modify-write, so concurrent requests cannot
// overshoot the quota, and the rollover fires exactly once however many
// requests race it.
func (s *Service) consume(ctx context.Context, userID int64, meter, usedCol, limitCol string) (models.Subscription, error) {
	if userID == 0 {
		return models.Subscription{}, ErrInvalidRequest
	}
	if _, err := s.insertSubscription(ctx, s.freeSubscription(userID)); err != nil {
		return models.Subscription{}, err
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET calculations_used = 0,
			api_calls_used = 0,
			current_period_start = date_trunc('month', NOW()),
			current_period_end = date_trunc('month', NOW()) + INTERVAL '1 month',
			version = version + 1,
			updated_at = NOW()
		WHERE user_id = $1
			AND date_trunc('month', current_period_start) <> date_trunc('month', NOW())`, userID)
	if err != nil {
		return models.Subscription{}, err
	}

	var sub models.Subscription
	row := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET `+usedCol+` = `+usedCol+` + 1, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND (`+limitCol+` = -1 OR `+usedCol+` < `+limitCol+`)
		RETURNING `+subscriptionColumns, userID)
	if err := scanSubscription(row, &sub); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Row exists (ensured above); zero rows means the condition failed.
			metrics.QuotaDenials.WithLabelValues(meter).Inc()
			return models.Subscription{}, ErrQuotaExceeded
		}
		return models.Subscription{}, err
	}
	return sub, nil
}

// ---- ledger maintenance ----

// PruneProcessedEvents drops ledger rows older than the retention window.
// Dedupe only needs to cover the gateway's redelivery window.
func (s *Service) PruneProcessedEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.EventRetention())
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM processed_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ---- row access ----

const subscriptionColumns = `user_id, stripe_subscription_id, stripe_customer_id, stripe_price_id,
		plan, status, current_period_start, current_period_end, cancel_at_period_end,
		calculations_used, calculations_limit, api_calls_used, api_calls_limit,
		canceled_at, last_payment_at, version, created_at, updated_at`

func (s *Service) getByUserID(ctx context.Context, userID int64) (models.Subscription, bool, error) {
	var sub models.Subscription
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = $1`, userID)
	if err := scanSubscription(row, &sub); err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Subscription{}, false, nil
		}
		return models.Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *Service) getByStripeID(ctx context.Context, stripeSubID string) (models.Subscription, bool, error) {
	var sub models.Subscription
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE stripe_subscription_id = $1`, stripeSubID)
	if err := scanSubscription(row, &sub); err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Subscription{}, false, nil
		}
		return models.Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *Service) insertSubscription(ctx context.Context, sub models.Subscription) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, stripe_subscription_id, stripe_customer_id, stripe_price_id,
			plan, status, current_period_start, current_period_end, cancel_at_period_end,
			calculations_used, calculations_limit, api_calls_used, api_calls_limit,
			canceled_at, last_payment_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
		ON CONFLICT (user_id) DO NOTHING`,
		sub.UserID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.StripePriceID,
		sub.Plan, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CalculationsUsed, sub.CalculationsLimit, sub.APICallsUsed, sub.APICallsLimit,
		sub.CanceledAt, sub.LastPaymentAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// updateSubscription writes the reconciled row only if nobody else won the
// race since it was read; false means reload and retry.
func (s *Service) updateSubscription(ctx context.Context, sub models.Subscription, expectedVersion int64) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET stripe_subscription_id = $1, stripe_customer_id = $2, stripe_price_id = $3,
			plan = $4, status = $5, current_period_start = $6, current_period_end = $7,
			cancel_at_period_end = $8, calculations_limit = $9, api_calls_limit = $10,
			canceled_at = $11, last_payment_at = $12,
			version = version + 1, updated_at = NOW()
		WHERE user_id = $13 AND version = $14`,
		sub.StripeSubscriptionID, sub.StripeCustomerID, sub.StripePriceID,
		sub.Plan, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CalculationsLimit, sub.APICallsLimit,
		sub.CanceledAt, sub.LastPaymentAt,
		sub.UserID, expectedVersion)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func scanSubscription(row pgx.Row, sub *models.Subscription) error {
	err := row.Scan(
		&sub.UserID, &sub.StripeSubscriptionID, &sub.StripeCustomerID, &sub.StripePriceID,
		&sub.Plan, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CalculationsUsed, &sub.CalculationsLimit, &sub.APICallsUsed, &sub.APICallsLimit,
		&sub.CanceledAt, &sub.LastPaymentAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
