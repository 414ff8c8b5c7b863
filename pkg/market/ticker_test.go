package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTicker(t testing.TB, p *PriceProcess, cfgFn func(*TickerConfig), emitters ...Emitter) *Ticker {
	cfg := DefaultTickerConfig("AAPL")
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	tk, err := NewTicker(cfg, p, rand.New(rand.NewSource(1)), zap.NewNop(), emitters...)
	require.NoError(t, err)
	return tk
}

// recorder 记录收到的 Tick
type recorder struct {
	mu    sync.Mutex
	ticks []Tick
}

func (r *recorder) Publish(t Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func (r *recorder) All() []Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tick(nil), r.ticks...)
}

func TestTickerConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultTickerConfig("AAPL").Validate())

	cfg := DefaultTickerConfig("AAPL")
	cfg.Interval = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultTickerConfig("AAPL")
	cfg.Interval = -time.Millisecond
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultTickerConfig("")
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultTickerConfig("AAPL")
	cfg.MinVolume, cfg.MaxVolume = 10, 5
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestTicker_StepProducesGapFreeSequence(t *testing.T) {
	rec := &recorder{}
	p := newTestProcess(t, DefaultProcessConfig(150), nil, 1)
	tk := newTestTicker(t, p, nil, rec)

	for i := 0; i < 1000; i++ {
		_, err := tk.Step()
		require.NoError(t, err)
	}

	ticks := rec.All()
	require.Len(t, ticks, 1000)
	prevPrice := 150.0
	var prevTs time.Time
	for i, tick := range ticks {
		require.Equal(t, uint64(i+1), tick.Sequence)
		require.Equal(t, "AAPL", tick.Symbol)
		require.False(t, tick.Timestamp.Before(prevTs))
		require.GreaterOrEqual(t, tick.Volume, int64(1000))
		require.LessOrEqual(t, tick.Volume, int64(10000))
		require.Greater(t, tick.Price, 0.0)
		require.InDelta(t, tick.Price-prevPrice, tick.PriceChange, 1e-9)
		prevPrice = tick.Price
		prevTs = tick.Timestamp
	}
	require.Equal(t, uint64(1000), tk.Sequence())
}

func TestTicker_TimestampNeverGoesBackwards(t *testing.T) {
	p := newTestProcess(t, DefaultProcessConfig(100), nil, 1)
	tk := newTestTicker(t, p, nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	tk.now = func() time.Time {
		ts := clock[i]
		i++
		return ts
	}

	a, _ := tk.Step()
	b, _ := tk.Step()
	c, _ := tk.Step()
	assert.Equal(t, base, a.Timestamp)
	assert.Equal(t, base, b.Timestamp)
	assert.Equal(t, base.Add(time.Second), c.Timestamp)
}

func TestTicker_RunStopsOnContextCancel(t *testing.T) {
	rec := &recorder{}
	p := newTestProcess(t, DefaultProcessConfig(100), nil, 1)
	tk := newTestTicker(t, p, func(c *TickerConfig) { c.Interval = 5 * time.Millisecond }, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.Len() >= 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop within one second")
	}
}

func TestTicker_Stop(t *testing.T) {
	p := newTestProcess(t, DefaultProcessConfig(100), nil, 1)
	tk := newTestTicker(t, p, func(c *TickerConfig) { c.Interval = time.Millisecond })

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	tk.Stop()
	tk.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestTicker_RunHaltsOnInvariantViolation(t *testing.T) {
	rec := &recorder{}
	p := newTestProcess(t, DefaultProcessConfig(100), nil, 1)
	tk := newTestTicker(t, p, func(c *TickerConfig) { c.Interval = time.Millisecond }, rec)

	p.mu.Lock()
	p.volatility = math.NaN()
	p.mu.Unlock()

	err := tk.Run(context.Background())
	require.ErrorIs(t, err, ErrGeneratorInvariant)
	require.Zero(t, rec.Len(), "no tick may be published after a generator failure")
}

func TestTicker_ShockToggleAppliesOnNextCycle(t *testing.T) {
	cfg := DefaultShockConfig()
	cfg.Frequency = 1
	shock := newTestShock(t, cfg, 1)
	p := newTestProcess(t, DefaultProcessConfig(100), shock, 1)
	tk := newTestTicker(t, p, nil)

	tick, err := tk.Step()
	require.NoError(t, err)
	require.False(t, tick.HadShock)

	require.True(t, shock.Toggle())
	tick, err = tk.Step()
	require.NoError(t, err)
	require.True(t, tick.HadShock)

	require.False(t, shock.Toggle())
	tick, err = tk.Step()
	require.NoError(t, err)
	require.False(t, tick.HadShock)
}

func TestNewTicker_Validation(t *testing.T) {
	_, err := NewTicker(DefaultTickerConfig("AAPL"), nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTicker_ZeroMagnitudeShockStillFlagged(t *testing.T) {
	shock := newTestShock(t, ShockConfig{Enabled: true, Frequency: 1}, 3)
	p := newTestProcess(t, DefaultProcessConfig(100), shock, 3)
	tk := newTestTicker(t, p, nil)

	for i := 0; i < 5; i++ {
		tick, err := tk.Step()
		require.NoError(t, err)
		assert.True(t, tick.HadShock)
	}
}
