package market

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
)

// ShockConfig 冲击注入配置
type ShockConfig struct {
	Enabled      bool    // 运行时可通过控制面切换
	Frequency    float64 // 每个周期触发的概率 [0, 1]
	MinMagnitude float64 // 冲击幅度下限（相对 basePrice 的比例）
	MaxMagnitude float64 // 冲击幅度上限（相对 basePrice 的比例）
}

// DefaultShockConfig 默认配置：10% 概率，幅度 0.1% ~ 1%
func DefaultShockConfig() ShockConfig {
	return ShockConfig{
		Enabled:      false,
		Frequency:    0.1,
		MinMagnitude: 0.001,
		MaxMagnitude: 0.01,
	}
}

// Validate 校验配置
func (c ShockConfig) Validate() error {
	if math.IsNaN(c.Frequency) || c.Frequency < 0 || c.Frequency > 1 {
		return fmt.Errorf("%w: shock frequency %v not in [0, 1]", ErrInvalidConfig, c.Frequency)
	}
	if math.IsNaN(c.MinMagnitude) || math.IsNaN(c.MaxMagnitude) || c.MinMagnitude < 0 || c.MaxMagnitude < c.MinMagnitude {
		return fmt.Errorf("%w: shock magnitude range [%v, %v]", ErrInvalidConfig, c.MinMagnitude, c.MaxMagnitude)
	}
	if math.IsInf(c.MaxMagnitude, 0) {
		return fmt.Errorf("%w: shock magnitude must be finite", ErrInvalidConfig)
	}
	return nil
}

// ShockInjector 随机冲击叠加层
// 除 enabled 开关外没有状态；rng 只在生产者协程里使用
type ShockInjector struct {
	enabled   atomic.Bool
	frequency float64
	minMag    float64
	maxMag    float64
	rng       *rand.Rand
}

// NewShockInjector 创建冲击注入器
func NewShockInjector(cfg ShockConfig, rng *rand.Rand) (*ShockInjector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	s := &ShockInjector{
		frequency: cfg.Frequency,
		minMag:    cfg.MinMagnitude,
		maxMag:    cfg.MaxMagnitude,
		rng:       rng,
	}
	s.enabled.Store(cfg.Enabled)
	return s, nil
}

// Enabled 当前开关状态
func (s *ShockInjector) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled 设置开关，返回之前的值
func (s *ShockInjector) SetEnabled(enabled bool) bool {
	return s.enabled.Swap(enabled)
}

// Toggle 翻转开关，返回翻转后的值
func (s *ShockInjector) Toggle() bool {
	for {
		old := s.enabled.Load()
		if s.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// MaybeShock 以 frequency 的概率触发，返回 ±magnitude 和是否触发
// magnitude 在 [min, max] * basePrice 内均匀分布，符号等概率
// 幅度配置为 0 时也可能触发，以 fired 为准
// 不检查开关，调用方在周期开始时读取一次 Enabled
func (s *ShockInjector) MaybeShock(basePrice float64) (shock float64, fired bool) {
	if s.rng.Float64() >= s.frequency {
		return 0, false
	}
	magnitude := (s.minMag + s.rng.Float64()*(s.maxMag-s.minMag)) * basePrice
	if s.rng.Intn(2) == 0 {
		return -magnitude, true
	}
	return magnitude, true
}
