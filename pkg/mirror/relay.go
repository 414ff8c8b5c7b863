// 文件: pkg/mirror/relay.go
// Tick 镜像：把广播器的输出转发到 NATS / Kafka / Redis
//
// Relay 作为一个本地订阅者挂在广播器上，和 WebSocket 客户端一样受慢消费者规则约束
// 单个目标失败只记日志和计数，不影响其他目标

package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stockstream.com/pkg/cache"
	"stockstream.com/pkg/kafka"
	"stockstream.com/pkg/market"
	"stockstream.com/pkg/nats"
)

// Target 一个镜像目标
type Target interface {
	Name() string
	Send(ctx context.Context, t market.Tick) error
	Close() error
}

// =============================================================================
// 适配器
// =============================================================================

type natsTarget struct{ p *nats.Publisher }

// NATS 发布到 market.<symbol>.tick
func NATS(p *nats.Publisher) Target { return natsTarget{p: p} }

func (n natsTarget) Name() string                                { return "nats" }
func (n natsTarget) Send(_ context.Context, t market.Tick) error { return n.p.PublishTick(t) }
func (n natsTarget) Close() error                                { n.p.Close(); return nil }

type kafkaTarget struct{ p *kafka.Producer }

// Kafka 发布到配置的 topic，按 symbol 分区
func Kafka(p *kafka.Producer) Target { return kafkaTarget{p: p} }

func (k kafkaTarget) Name() string                                { return "kafka" }
func (k kafkaTarget) Send(_ context.Context, t market.Tick) error { return k.p.SendTick(t) }
func (k kafkaTarget) Close() error                                { return k.p.Close() }

// BackendStats 生产者自身的发送/失败/丢弃计数
func (k kafkaTarget) BackendStats() any { return k.p.Stats() }

type redisTarget struct{ c *cache.TickCache }

// Redis 写入最新/最近 Tick 缓存
func Redis(c *cache.TickCache) Target { return redisTarget{c: c} }

func (r redisTarget) Name() string                                  { return "redis" }
func (r redisTarget) Send(ctx context.Context, t market.Tick) error { return r.c.Push(ctx, t) }
func (r redisTarget) Close() error                                  { return r.c.Close() }

// =============================================================================
// Relay
// =============================================================================

type targetStats struct {
	sent   atomic.Int64
	failed atomic.Int64
}

// backendStatser 目标可选实现，附带底层客户端的统计
type backendStatser interface {
	BackendStats() any
}

// TargetStats 单个目标的统计
type TargetStats struct {
	Name    string `json:"name"`
	Sent    int64  `json:"sent"`
	Failed  int64  `json:"failed"`
	Backend any    `json:"backend,omitempty"`
}

// Relay 顺序转发到所有目标
type Relay struct {
	targets []Target
	stats   []*targetStats
	timeout time.Duration
	logger  *zap.Logger

	closeOnce sync.Once
}

// NewRelay 创建转发器，timeout 为单次发送超时
func NewRelay(timeout time.Duration, logger *zap.Logger, targets ...Target) *Relay {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stats := make([]*targetStats, len(targets))
	for i := range stats {
		stats[i] = &targetStats{}
	}
	return &Relay{
		targets: targets,
		stats:   stats,
		timeout: timeout,
		logger:  logger,
	}
}

// Len 目标数量
func (r *Relay) Len() int { return len(r.targets) }

// Handle 转发一笔 Tick
func (r *Relay) Handle(t market.Tick) {
	for i, target := range r.targets {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := target.Send(ctx, t)
		cancel()

		if err != nil {
			// 只在第一次和每 1000 次失败时打日志，避免刷屏
			if n := r.stats[i].failed.Add(1); n == 1 || n%1000 == 0 {
				r.logger.Warn("mirror send failed",
					zap.String("target", target.Name()),
					zap.Uint64("seq", t.Sequence),
					zap.Int64("failures", n),
					zap.Error(err))
			}
			continue
		}
		r.stats[i].sent.Add(1)
	}
}

// Stats 各目标统计
func (r *Relay) Stats() []TargetStats {
	out := make([]TargetStats, len(r.targets))
	for i, target := range r.targets {
		out[i] = TargetStats{
			Name:   target.Name(),
			Sent:   r.stats[i].sent.Load(),
			Failed: r.stats[i].failed.Load(),
		}
		if b, ok := target.(backendStatser); ok {
			out[i].Backend = b.BackendStats()
		}
	}
	return out
}

// Close 关闭所有目标
func (r *Relay) Close() error {
	var first error
	r.closeOnce.Do(func() {
		for _, target := range r.targets {
			if err := target.Close(); err != nil {
				r.logger.Warn("mirror close failed", zap.String("target", target.Name()), zap.Error(err))
				if first == nil {
					first = err
				}
			}
		}
	})
	return first
}
