package notify_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/notify"
)

func received(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func quiet(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func exercise(t *testing.T, n notify.Notifier) {
	t.Helper()
	ctx := context.Background()
	ship, cancelShip, err := n.Subscribe(ctx, "ship")
	require.NoError(t, err)
	bill, cancelBill, err := n.Subscribe(ctx, "bill")
	require.NoError(t, err)
	defer cancelBill()

	require.NoError(t, n.Publish(ctx, "ship"))
	assert.True(t, received(ship))
	assert.True(t, quiet(bill))

	cancelShip()
	cancelShip()
	require.NoError(t, n.Publish(ctx, "ship"))
	assert.True(t, quiet(ship))
}

func TestLocal(t *testing.T) {
	exercise(t, notify.NewLocal())
}

func TestLocalCoalescesSignals(t *testing.T) {
	n := notify.NewLocal()
	ctx := context.Background()
	ch, cancel, err := n.Subscribe(ctx, "ship")
	require.NoError(t, err)
	defer cancel()
	for range 3 {
		require.NoError(t, n.Publish(ctx, "ship"))
	}
	assert.True(t, received(ch))
	assert.True(t, quiet(ch))
}

func TestRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	n := notify.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer n.Close()
	require.NoError(t, n.Ping(context.Background()))
	exercise(t, n)
}
