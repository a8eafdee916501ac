package stripegw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", 10*time.Second)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestDisabledGateway(t *testing.T) {
	gw := Disabled{}
	ctx := context.Background()

	_, err := gw.GetSubscription(ctx, "sub_1")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = gw.CreateCheckoutSession(ctx, 42, "price_pro", "https://x/ok", "https://x/no")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = gw.SetCancelAtPeriodEnd(ctx, "sub_1", true)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = gw.CreatePortalSession(ctx, "cus_1", "https://x/account")
	require.ErrorIs(t, err, ErrNotConfigured)
}
