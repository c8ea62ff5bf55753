package memory

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

func TestPriceCache(t *testing.T) {
	ctx := context.Background()
	c := NewPriceCache()

	_, err := c.GetPrice(ctx, "ETH-USD")
	require.ErrorIs(t, err, domain.ErrNotFound)

	p := domain.PricePoint{Value: *uint256.NewInt(46000), ObservedAt: time.Unix(100, 0), Source: "push"}
	require.NoError(t, c.SetPrice(ctx, "ETH-USD", p))
	got, err := c.GetPrice(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Second)
	assert.False(t, ok)

	now = now.Add(1001 * time.Millisecond)
	ok, _ = rl.Allow(ctx, "k", 2, time.Second)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus()

	all, err := bus.Subscribe(ctx, "ch:*")
	require.NoError(t, err)
	one, err := bus.Subscribe(ctx, domain.ChannelRegistry)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelSettlement, []byte("s")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelRegistry, []byte("r")))

	assert.Equal(t, "s", string(<-all))
	assert.Equal(t, "r", string(<-all))
	assert.Equal(t, "r", string(<-one))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlement, []byte(p)))
	}
	msgs, err := bus.StreamRead(ctx, domain.StreamSettlement, "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	rest, err := bus.StreamRead(ctx, domain.StreamSettlement, msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))

	cancel()
	_, open := <-one
	for open {
		_, open = <-one
	}
}
