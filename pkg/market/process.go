package market

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// ProcessConfig 价格过程配置，构造后只读
type ProcessConfig struct {
	BasePrice        float64 // 均值回归的锚点
	VolatilityFactor float64 // 波动率下限 = BasePrice * VolatilityFactor
	VolatilitySpread float64 // 波动率聚集扰动 N(1, spread) 的标准差
	MeanReversion    float64 // 均值回归速度 (0, 1]
}

// DefaultProcessConfig 默认参数
func DefaultProcessConfig(basePrice float64) ProcessConfig {
	return ProcessConfig{
		BasePrice:        basePrice,
		VolatilityFactor: 0.0001,
		VolatilitySpread: 0.1,
		MeanReversion:    0.1,
	}
}

// Validate 校验配置
func (c ProcessConfig) Validate() error {
	if !finite(c.BasePrice) || c.BasePrice <= 0 {
		return fmt.Errorf("%w: base price must be > 0, got %v", ErrInvalidConfig, c.BasePrice)
	}
	if !finite(c.VolatilityFactor) || c.VolatilityFactor <= 0 {
		return fmt.Errorf("%w: volatility factor must be > 0, got %v", ErrInvalidConfig, c.VolatilityFactor)
	}
	if !finite(c.VolatilitySpread) || c.VolatilitySpread < 0 {
		return fmt.Errorf("%w: volatility spread must be >= 0, got %v", ErrInvalidConfig, c.VolatilitySpread)
	}
	if !finite(c.MeanReversion) || c.MeanReversion < 0 || c.MeanReversion > 1 {
		return fmt.Errorf("%w: mean reversion must be in [0, 1], got %v", ErrInvalidConfig, c.MeanReversion)
	}
	return nil
}

// ProcessState 价格过程的可变状态快照
type ProcessState struct {
	BasePrice         float64 `json:"base_price"`
	CurrentPrice      float64 `json:"current_price"`
	CurrentVolatility float64 `json:"current_volatility"`
	VolatilityFloor   float64 `json:"volatility_floor"`
	MeanReversionRate float64 `json:"mean_reversion_rate"`
}

// Sample 一次 Advance 的结果
type Sample struct {
	Price       float64
	PriceChange float64
	Shock       float64
	Shocked     bool // 本周期冲击是否触发
}

// PriceProcess 带均值回归和波动率聚集的随机价格过程
//
//	vol   = max(floor, vol * N(1, spread))
//	dp    = -k * (price - base) + N(0, vol) [+ shock]
//	price = price + dp
//
// 只由生产者协程推进；mu 只是为了让控制面能读到一致的状态快照
type PriceProcess struct {
	mu sync.Mutex

	basePrice     float64
	price         float64
	volatility    float64
	floor         float64
	spread        float64
	meanReversion float64

	shock *ShockInjector // 可选
	rng   *rand.Rand
}

// NewPriceProcess 创建价格过程
// shock 可以为 nil；rng 为 nil 时使用随机种子
func NewPriceProcess(cfg ProcessConfig, shock *ShockInjector, rng *rand.Rand) (*PriceProcess, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	floor := cfg.BasePrice * cfg.VolatilityFactor
	return &PriceProcess{
		basePrice:     cfg.BasePrice,
		price:         cfg.BasePrice,
		volatility:    floor,
		floor:         floor,
		spread:        cfg.VolatilitySpread,
		meanReversion: cfg.MeanReversion,
		shock:         shock,
		rng:           rng,
	}, nil
}

// Advance 推进一个周期
// 冲击开关在周期开始时读取一次，整个周期内不变
func (p *PriceProcess) Advance() (Sample, error) {
	shockEnabled := p.shock != nil && p.shock.Enabled()

	p.mu.Lock()
	defer p.mu.Unlock()

	// 波动率聚集；每个周期都强制下限，而不只是在上调时
	vol := p.volatility * (1 + p.spread*p.rng.NormFloat64())
	if vol < p.floor {
		vol = p.floor
	}
	if !finite(vol) || vol < 0 {
		return Sample{}, fmt.Errorf("%w: volatility %v", ErrGeneratorInvariant, vol)
	}

	deviation := p.price - p.basePrice
	change := -p.meanReversion*deviation + p.rng.NormFloat64()*vol

	var (
		shock   float64
		shocked bool
	)
	if shockEnabled {
		shock, shocked = p.shock.MaybeShock(p.basePrice)
		change += shock
	}

	price := p.price + change
	if !finite(price) || price <= 0 {
		return Sample{}, fmt.Errorf("%w: price %v", ErrGeneratorInvariant, price)
	}

	p.volatility = vol
	p.price = price
	return Sample{Price: price, PriceChange: change, Shock: shock, Shocked: shocked}, nil
}

// State 返回当前状态的拷贝
func (p *PriceProcess) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessState{
		BasePrice:         p.basePrice,
		CurrentPrice:      p.price,
		CurrentVolatility: p.volatility,
		VolatilityFloor:   p.floor,
		MeanReversionRate: p.meanReversion,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
