package market

import (
	"math"
	"sync"
	"time"
)

// History 最近一段时间的 Tick 环形缓冲
// 容量固定，写满后覆盖最旧的数据；查询时再按时间窗口过滤
type History struct {
	mu     sync.RWMutex
	buf    []Tick
	head   int // 下一个写入位置
	size   int
	window time.Duration
}

// NewHistory 创建环形缓冲
// capacity <= 0 时按 window/interval 估算
func NewHistory(capacity int, window, interval time.Duration) *History {
	if capacity <= 0 && interval > 0 {
		capacity = int(window / interval)
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		buf:    make([]Tick, capacity),
		window: window,
	}
}

// Publish 实现 Emitter，在生产者协程中调用
func (h *History) Publish(t Tick) {
	h.mu.Lock()
	h.buf[h.head] = t
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.mu.Unlock()
}

// Len 当前保存的数量
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap 容量
func (h *History) Cap() int {
	return len(h.buf)
}

// Snapshot 返回窗口内的 Tick，按序号从旧到新
// window 为 0 时不按时间过滤
func (h *History) Snapshot(now time.Time) []Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Tick, 0, h.size)
	start := (h.head - h.size + len(h.buf)) % len(h.buf)
	var cutoff time.Time
	if h.window > 0 {
		cutoff = now.Add(-h.window)
	}
	for i := 0; i < h.size; i++ {
		t := h.buf[(start+i)%len(h.buf)]
		if h.window > 0 && !t.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Stats 窗口统计
type Stats struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	MaxPrice     float64 `json:"max_price"`
	MinPrice     float64 `json:"min_price"`
	PriceRange   float64 `json:"price_range"`
	TotalTrades  int     `json:"total_trades"`
	Shocks       int     `json:"random_shocks"`
	LastSequence uint64  `json:"last_sequence"`
}

// Stats 计算窗口内的统计
func (h *History) Stats(now time.Time) Stats {
	ticks := h.Snapshot(now)
	if len(ticks) == 0 {
		return Stats{}
	}

	st := Stats{
		MaxPrice: math.Inf(-1),
		MinPrice: math.Inf(1),
	}
	for _, t := range ticks {
		st.MaxPrice = math.Max(st.MaxPrice, t.Price)
		st.MinPrice = math.Min(st.MinPrice, t.Price)
		if t.HadShock {
			st.Shocks++
		}
	}
	last := ticks[len(ticks)-1]
	st.Symbol = last.Symbol
	st.CurrentPrice = last.Price
	st.LastSequence = last.Sequence
	st.PriceRange = st.MaxPrice - st.MinPrice
	st.TotalTrades = len(ticks)
	return st
}

// Candle OHLC K 线
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	Shocks int       `json:"shocks"`
}

// Candles 按 width 重采样为 K 线，空桶跳过
func (h *History) Candles(now time.Time, width time.Duration) []Candle {
	if width <= 0 {
		width = time.Second
	}
	ticks := h.Snapshot(now)

	var out []Candle
	for _, t := range ticks {
		start := t.Timestamp.Truncate(width)
		n := len(out)
		if n == 0 || !out[n-1].Start.Equal(start) {
			out = append(out, Candle{
				Start: start,
				Open:  t.Price,
				High:  t.Price,
				Low:   t.Price,
				Close: t.Price,
			})
			n++
		}
		c := &out[n-1]
		c.High = math.Max(c.High, t.Price)
		c.Low = math.Min(c.Low, t.Price)
		c.Close = t.Price
		c.Volume += t.Volume
		if t.HadShock {
			c.Shocks++
		}
	}
	return out
}
