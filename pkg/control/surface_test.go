package control

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockstream.com/pkg/audit"
	"stockstream.com/pkg/cache"
	"stockstream.com/pkg/market"
	"stockstream.com/pkg/mirror"
)

type fixedClients int

func (f fixedClients) Count() int { return int(f) }

type testSurface struct {
	s       *Surface
	shock   *market.ShockInjector
	history *market.History
	rec     *audit.MemoryRecorder
	now     time.Time
}

func setupSurface(t *testing.T) *testSurface {
	shock, err := market.NewShockInjector(market.DefaultShockConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	process, err := market.NewPriceProcess(market.DefaultProcessConfig(150), shock, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	history := market.NewHistory(100, time.Minute, 0)
	rec := audit.NewMemoryRecorder(100)
	s, err := NewSurface(Deps{
		Symbol:   "AAPL",
		Shock:    shock,
		Process:  process,
		History:  history,
		Clients:  fixedClients(3),
		State:    func() string { return "running" },
		Recorder: rec,
	})
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return &testSurface{s: s, shock: shock, history: history, rec: rec, now: now}
}

func TestNewSurface_RequiresShockAndProcess(t *testing.T) {
	_, err := NewSurface(Deps{Symbol: "AAPL"})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestSurface_ToggleShock(t *testing.T) {
	ts := setupSurface(t)

	assert.False(t, ts.s.ShockEnabled())
	assert.True(t, ts.s.ToggleShock("test"))
	assert.True(t, ts.shock.Enabled())
	assert.False(t, ts.s.ToggleShock("test"))
	assert.False(t, ts.shock.Enabled())

	events := ts.rec.Controls()
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionToggleShock, events[0].Action)
	assert.True(t, events[0].Enabled)
	assert.False(t, events[1].Enabled)
	assert.Equal(t, "AAPL", events[1].Symbol)
}

func TestSurface_ConcurrentToggleIsConsistent(t *testing.T) {
	ts := setupSurface(t)

	const n = 100 // 偶数次翻转后回到初始值
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts.s.ToggleShock("test")
		}()
	}
	wg.Wait()
	assert.False(t, ts.shock.Enabled())
}

func TestSurface_Status(t *testing.T) {
	ts := setupSurface(t)
	ts.s.SetShock(true, "test")

	st := ts.s.Status()
	assert.Equal(t, "AAPL", st.Symbol)
	assert.Equal(t, "running", st.State)
	assert.True(t, st.ShockEnabled)
	assert.Equal(t, 3, st.Clients)
	assert.Equal(t, 150.0, st.Process.BasePrice)
	assert.Nil(t, st.Broadcast)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_Root(t *testing.T) {
	ts := setupSurface(t)
	rr := do(t, ts.s.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	assert.Equal(t, Banner, string(body))

	rr = do(t, ts.s.Handler(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_Health(t *testing.T) {
	ts := setupSurface(t)
	rr := do(t, ts.s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"running"}`, rr.Body.String())

	ts.s.d.State = func() string { return "stopping" }
	rr = do(t, ts.s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandler_ShockRoutes(t *testing.T) {
	ts := setupSurface(t)
	h := ts.s.Handler()

	rr := do(t, h, http.MethodPost, "/control/shock/toggle", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"shock_enabled":true}`, rr.Body.String())

	rr = do(t, h, http.MethodPut, "/control/shock", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"shock_enabled":false}`, rr.Body.String())
	assert.False(t, ts.shock.Enabled())

	rr = do(t, h, http.MethodPut, "/control/shock", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/control/shock/toggle", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	events := ts.rec.Controls()
	require.Len(t, events, 2)
	assert.True(t, strings.HasPrefix(events[0].Source, "http:"))
}

func TestHandler_StatusJSON(t *testing.T) {
	ts := setupSurface(t)
	rr := do(t, ts.s.Handler(), http.MethodGet, "/control/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "AAPL", st.Symbol)
	assert.Equal(t, 3, st.Clients)
}

func TestHandler_StatsAndCandles(t *testing.T) {
	ts := setupSurface(t)
	base := ts.now.Add(-3 * time.Second)
	prices := []float64{150, 151, 149, 150.5}
	for i, p := range prices {
		ts.history.Publish(market.Tick{
			Symbol:    "AAPL",
			Sequence:  uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * 500 * time.Millisecond),
			Price:     p,
			Volume:    1000,
			HadShock:  i == 2,
		})
	}
	h := ts.s.Handler()

	rr := do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats market.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 150.5, stats.CurrentPrice)
	assert.Equal(t, 151.0, stats.MaxPrice)
	assert.Equal(t, 149.0, stats.MinPrice)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 1, stats.Shocks)

	rr = do(t, h, http.MethodGet, "/candles?width=1s", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var candles []market.Candle
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &candles))
	require.Len(t, candles, 2)
	assert.Equal(t, 150.0, candles[0].Open)
	assert.Equal(t, 151.0, candles[0].High)
	assert.Equal(t, 149.0, candles[1].Low)
	assert.Equal(t, 150.5, candles[1].Close)

	rr = do(t, h, http.MethodGet, "/candles?width=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_HistoryDisabled(t *testing.T) {
	ts := setupSurface(t)
	ts.s.d.History = nil
	rr := do(t, ts.s.Handler(), http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type fixedMirrors []mirror.TargetStats

func (f fixedMirrors) Stats() []mirror.TargetStats { return f }

type droppingRecorder struct {
	audit.NopRecorder
	dropped int64
}

func (d droppingRecorder) Dropped() int64 { return d.dropped }

func TestSurface_StatusIncludesMirrorsAndAuditDrops(t *testing.T) {
	ts := setupSurface(t)
	ts.s.d.Mirrors = fixedMirrors{{Name: "redis", Sent: 10, Failed: 1}}
	ts.s.d.Recorder = droppingRecorder{dropped: 4}

	st := ts.s.Status()
	require.Len(t, st.Mirrors, 1)
	assert.Equal(t, "redis", st.Mirrors[0].Name)
	assert.Equal(t, int64(10), st.Mirrors[0].Sent)
	require.NotNil(t, st.AuditDropped)
	assert.Equal(t, int64(4), *st.AuditDropped)

	// MemoryRecorder 不统计丢弃
	ts = setupSurface(t)
	assert.Nil(t, ts.s.Status().AuditDropped)
	assert.Empty(t, ts.s.Status().Mirrors)
}

func TestHandler_TickCache(t *testing.T) {
	ts := setupSurface(t)
	h := ts.s.Handler()

	rr := do(t, h, http.MethodGet, "/ticks/latest", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	mr := miniredis.RunT(t)
	c := cache.NewTickCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 5)
	defer c.Close()
	ts.s.d.Ticks = c

	rr = do(t, h, http.MethodGet, "/ticks/latest", "")
	assert.Equal(t, http.StatusNotFound, rr.Code, "nothing cached yet")

	for seq := uint64(1); seq <= 8; seq++ {
		require.NoError(t, c.Push(context.Background(), market.Tick{
			Symbol: "AAPL", Sequence: seq, Timestamp: ts.now, Price: 150 + float64(seq),
		}))
	}

	rr = do(t, h, http.MethodGet, "/ticks/latest", "")
	require.Equal(t, http.StatusOK, rr.Code)
	latest, err := market.DecodeQuote(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), latest.Sequence)

	rr = do(t, h, http.MethodGet, "/ticks/recent?n=3", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var recent []market.Quote
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recent))
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(6), recent[0].Sequence)
	assert.Equal(t, uint64(8), recent[2].Sequence)

	// 缺省返回缓存保留的全部
	rr = do(t, h, http.MethodGet, "/ticks/recent", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recent))
	assert.Len(t, recent, 5)

	rr = do(t, h, http.MethodGet, "/ticks/recent?n=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_ControlHistory(t *testing.T) {
	ts := setupSurface(t)
	h := ts.s.Handler()

	ts.s.ToggleShock("test")
	ts.s.SetShock(false, "test")

	rr := do(t, h, http.MethodGet, "/control/history?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var events []audit.ControlEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionSetShock, events[0].Action)

	rr = do(t, h, http.MethodGet, "/control/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rr = do(t, h, http.MethodGet, "/control/history?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ts.s.d.Recorder = audit.NopRecorder{}
	rr = do(t, h, http.MethodGet, "/control/history", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNATS_SetShockReply(t *testing.T) {
	ts := setupSurface(t)

	resp, err := ts.s.natsSet("", []byte(`{"enabled":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"shock_enabled":true}`, string(resp))
	assert.True(t, ts.shock.Enabled())

	_, err = ts.s.natsSet("", []byte(`{}`))
	assert.Error(t, err)
	_, err = ts.s.natsSet("", []byte(`nope`))
	assert.Error(t, err)
}
