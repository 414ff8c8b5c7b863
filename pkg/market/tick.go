package market

import (
	"encoding/json"
	"time"
)

// Tick 一次调度周期产出的价格样本
// 创建后不再修改，按值传递给所有订阅者
type Tick struct {
	Symbol      string    // 标的，如 "AAPL"
	Sequence    uint64    // 从 1 开始，单调递增且无空洞
	Timestamp   time.Time // 生成时刻，单调不减
	Price       float64   // 当前价格
	PriceChange float64   // 相对上一笔的变动
	Volume      int64     // 成交量，每笔独立均匀采样
	HadShock    bool      // 本周期是否注入了冲击
}

// Quote 推送给客户端的 JSON 消息
// 前四个字段是下游图表依赖的线上契约，不能改名
type Quote struct {
	StockSymbol   string  `json:"stock_symbol"`
	RealTimePrice float64 `json:"real_time_price"`
	Volume        int64   `json:"volume"`
	PriceChange   float64 `json:"price_change"`

	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	HadShock  bool      `json:"had_shock"`
}

// Quote 转换为线上消息
func (t Tick) Quote() Quote {
	return Quote{
		StockSymbol:   t.Symbol,
		RealTimePrice: t.Price,
		Volume:        t.Volume,
		PriceChange:   t.PriceChange,
		Sequence:      t.Sequence,
		Timestamp:     t.Timestamp,
		HadShock:      t.HadShock,
	}
}

// Encode 序列化为线上 JSON
func (t Tick) Encode() ([]byte, error) {
	return json.Marshal(t.Quote())
}

// Tick 从线上消息还原
func (q Quote) Tick() Tick {
	return Tick{
		Symbol:      q.StockSymbol,
		Sequence:    q.Sequence,
		Timestamp:   q.Timestamp,
		Price:       q.RealTimePrice,
		PriceChange: q.PriceChange,
		Volume:      q.Volume,
		HadShock:    q.HadShock,
	}
}

// DecodeQuote 解析一条线上消息
func DecodeQuote(data []byte) (Quote, error) {
	var q Quote
	err := json.Unmarshal(data, &q)
	return q, err
}
