package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Emitter 接收 Ticker 产出的 Tick
// Publish 在生产者协程里同步调用，实现方不能阻塞
type Emitter interface {
	Publish(t Tick)
}

// TickerConfig 调度配置
type TickerConfig struct {
	Symbol    string        // 标的，如 "AAPL"
	Interval  time.Duration // 周期，默认 20ms（每秒 50 笔）
	MinVolume int64         // 成交量下限（含）
	MaxVolume int64         // 成交量上限（含）
}

// DefaultTickerConfig 默认配置
func DefaultTickerConfig(symbol string) TickerConfig {
	return TickerConfig{
		Symbol:    symbol,
		Interval:  20 * time.Millisecond,
		MinVolume: 1000,
		MaxVolume: 10000,
	}
}

// Validate 校验配置
func (c TickerConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0, got %v", ErrInvalidConfig, c.Interval)
	}
	if c.MinVolume < 0 || c.MaxVolume < c.MinVolume {
		return fmt.Errorf("%w: volume range [%d, %d]", ErrInvalidConfig, c.MinVolume, c.MaxVolume)
	}
	return nil
}

// Ticker 按固定周期驱动 PriceProcess，把样本打包成 Tick 发出
//
// 单生产者：只有 Run 所在的协程会调用 Step，lastTs/rng 不需要加锁
// seq 用原子变量，控制面会并发读取
type Ticker struct {
	cfg      TickerConfig
	process  *PriceProcess
	emitters []Emitter
	rng      *rand.Rand
	logger   *zap.Logger
	now      func() time.Time

	seq    atomic.Uint64
	lastTs time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTicker 创建调度器
func NewTicker(cfg TickerConfig, process *PriceProcess, rng *rand.Rand, logger *zap.Logger, emitters ...Emitter) (*Ticker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if process == nil {
		return nil, fmt.Errorf("%w: price process is required", ErrInvalidConfig)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ticker{
		cfg:      cfg,
		process:  process,
		emitters: emitters,
		rng:      rng,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}, nil
}

// Run 运行调度循环，直到 ctx 结束、Stop 被调用或生成器出错
// 正常停止返回 nil；生成器不变量被破坏时返回 ErrGeneratorInvariant
func (t *Ticker) Run(ctx context.Context) error {
	// 固定睡眠间隔，而不是对齐绝对时钟；慢周期带来的漂移不做补偿
	timer := time.NewTimer(t.cfg.Interval)
	defer timer.Stop()

	t.logger.Info("ticker started",
		zap.String("symbol", t.cfg.Symbol),
		zap.Duration("interval", t.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("ticker stopped", zap.Uint64("last_seq", t.seq.Load()))
			return nil
		case <-t.stopChan:
			t.logger.Info("ticker stopped", zap.Uint64("last_seq", t.seq.Load()))
			return nil
		case <-timer.C:
		}

		if _, err := t.Step(); err != nil {
			t.logger.Error("ticker halted", zap.Uint64("last_seq", t.seq.Load()), zap.Error(err))
			return err
		}
		timer.Reset(t.cfg.Interval)
	}
}

// Stop 通知 Run 退出，可重复调用
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// Step 执行一个完整周期：推进价格、分配序号、打时间戳、采样成交量、发布
// Tick 发布完成之前不会开始下一个周期
func (t *Ticker) Step() (Tick, error) {
	sample, err := t.process.Advance()
	if err != nil {
		return Tick{}, err
	}

	ts := t.now()
	if ts.Before(t.lastTs) {
		ts = t.lastTs
	}
	t.lastTs = ts
	seq := t.seq.Add(1)

	tick := Tick{
		Symbol:      t.cfg.Symbol,
		Sequence:    seq,
		Timestamp:   ts,
		Price:       sample.Price,
		PriceChange: sample.PriceChange,
		Volume:      t.cfg.MinVolume + t.rng.Int63n(t.cfg.MaxVolume-t.cfg.MinVolume+1),
		HadShock:    sample.Shocked,
	}

	for _, e := range t.emitters {
		e.Publish(tick)
	}
	return tick, nil
}

// Sequence 最近一次发出的序号
func (t *Ticker) Sequence() uint64 {
	return t.seq.Load()
}
