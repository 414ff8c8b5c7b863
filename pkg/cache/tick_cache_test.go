package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockstream.com/pkg/market"
)

func setupCache(t *testing.T, recent int) (*TickCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewTickCache(rdb, recent)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func tick(seq uint64, price float64) market.Tick {
	return market.Tick{
		Symbol:    "AAPL",
		Sequence:  seq,
		Timestamp: time.Unix(1700000000, int64(seq)*int64(20*time.Millisecond)).UTC(),
		Price:     price,
		Volume:    1000,
	}
}

func TestTickCache_LatestEmpty(t *testing.T) {
	c, _ := setupCache(t, 10)
	_, err := c.Latest(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrNoTick)
}

func TestTickCache_PushTrimsRecent(t *testing.T) {
	c, mr := setupCache(t, 5)
	ctx := context.Background()

	for seq := uint64(1); seq <= 12; seq++ {
		require.NoError(t, c.Push(ctx, tick(seq, 150+float64(seq))))
	}

	latest, err := c.Latest(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest.Sequence)
	assert.Equal(t, 162.0, latest.RealTimePrice)

	list, err := mr.List("tick:AAPL:recent")
	require.NoError(t, err)
	assert.Len(t, list, 5)

	recent, err := c.Recent(ctx, "AAPL", 0)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	// 正序
	for i, q := range recent {
		assert.Equal(t, uint64(8+i), q.Sequence)
	}

	two, err := c.Recent(ctx, "AAPL", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, uint64(11), two[0].Sequence)
	assert.Equal(t, uint64(12), two[1].Sequence)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1:1", 10)
	assert.Error(t, err)
}
