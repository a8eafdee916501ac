package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the tables this service owns. Statements are
// idempotent so startup is safe to repeat.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id BIGINT PRIMARY KEY,
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_price_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end TIMESTAMPTZ NOT NULL,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			calculations_used INT NOT NULL DEFAULT 0,
			calculations_limit INT NOT NULL,
			api_calls_used INT NOT NULL DEFAULT 0,
			api_calls_limit INT NOT NULL,
			canceled_at TIMESTAMPTZ,
			last_payment_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_stripe_subscription_id_idx
			ON subscriptions (stripe_subscription_id)
			WHERE stripe_subscription_id <> ''`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			stripe_event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS processed_events_received_at_idx
			ON processed_events (received_at)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
