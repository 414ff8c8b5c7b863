package market

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Token 订阅者注册凭证（雪花 ID）
type Token int64

// BroadcasterConfig 广播器配置
type BroadcasterConfig struct {
	NodeID     int64 // 雪花节点 ID (0-1023)
	BufferSize int   // 每个订阅者的缓冲深度
}

// DefaultBroadcasterConfig 默认配置
// 256 笔缓冲在 20ms 周期下约等于 5 秒的宽限期
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		NodeID:     0,
		BufferSize: 256,
	}
}

// Validate 校验配置
func (c BroadcasterConfig) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: sink buffer must be > 0, got %d", ErrInvalidConfig, c.BufferSize)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("%w: node id %d not in [0, 1023]", ErrInvalidConfig, c.NodeID)
	}
	return nil
}

// SinkOption 注册选项
type SinkOption func(*sinkOptions)

type sinkOptions struct {
	bufferSize int
}

// WithBuffer 覆盖单个订阅者的缓冲深度
func WithBuffer(n int) SinkOption {
	return func(o *sinkOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Sink 一个已注册的订阅者
// 缓冲满时被标记为慢消费者（Evicted 关闭），由持有者负责 Unregister
type Sink struct {
	token   Token
	ch      chan Tick
	evicted chan struct{}
	once    sync.Once
	closed  bool // 由 Broadcaster.mu 保护

	lastDelivered atomic.Uint64
}

// Token 注册凭证
func (s *Sink) Token() Token { return s.token }

// C 接收 Tick 的通道；Unregister 或 Broadcaster.Close 后关闭
func (s *Sink) C() <-chan Tick { return s.ch }

// Evicted 被判定为慢消费者后关闭
func (s *Sink) Evicted() <-chan struct{} { return s.evicted }

// IsEvicted 是否已被判定为慢消费者
func (s *Sink) IsEvicted() bool {
	select {
	case <-s.evicted:
		return true
	default:
		return false
	}
}

// Ack 记录已送达的序号，仅用于观测，不做重传
func (s *Sink) Ack(seq uint64) { s.lastDelivered.Store(seq) }

// LastDelivered 最近一次 Ack 的序号
func (s *Sink) LastDelivered() uint64 { return s.lastDelivered.Load() }

func (s *Sink) evict() bool {
	first := false
	s.once.Do(func() {
		close(s.evicted)
		first = true
	})
	return first
}

// Broadcaster 行情广播器（Fan-out）
//
//	     Ticker (生产者)
//	           |
//	     [Broadcaster]
//	      /    |    \
//	  sink1  sink2  sink3
//
// Publish 只由生产者调用，持读锁遍历；Register/Unregister 持写锁
// 每个订阅者一个有界缓冲，发送用 select default，慢订阅者不会拖住生产者和其他订阅者
// 订阅集合只由持有者通过 Register/Unregister 修改，Publish 只打标记
type Broadcaster struct {
	mu     sync.RWMutex
	sinks  map[Token]*Sink
	closed bool

	node       *snowflake.Node
	bufferSize int
	logger     *zap.Logger

	published atomic.Uint64
	evictions atomic.Uint64
}

// NewBroadcaster 创建广播器
func NewBroadcaster(cfg BroadcasterConfig, logger *zap.Logger) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		sinks:      make(map[Token]*Sink),
		node:       node,
		bufferSize: cfg.BufferSize,
		logger:     logger,
	}, nil
}

// Register 注册一个订阅者
// 不回放历史：在第 N 笔之后注册的订阅者只会收到 N+1 及之后的 Tick
func (b *Broadcaster) Register(opts ...SinkOption) (*Sink, error) {
	o := sinkOptions{bufferSize: b.bufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}

	s := &Sink{
		token:   Token(b.node.Generate().Int64()),
		ch:      make(chan Tick, o.bufferSize),
		evicted: make(chan struct{}),
	}
	b.sinks[s.token] = s
	return s, nil
}

// Unregister 注销订阅者并关闭其通道，重复调用返回 false
func (b *Broadcaster) Unregister(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sinks[token]
	if !ok {
		return false
	}
	delete(b.sinks, token)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return true
}

// Publish 把 Tick 分发给所有在册订阅者（Hot Path）
// 返回成功投递的订阅者数量
func (b *Broadcaster) Publish(t Tick) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	b.published.Add(1)

	delivered := 0
	for _, s := range b.sinks {
		if s.IsEvicted() {
			continue
		}
		select {
		case s.ch <- t:
			delivered++
		default:
			// 缓冲满：判定为慢消费者，之后不再投递
			if s.evict() {
				b.evictions.Add(1)
				b.logger.Warn("slow consumer evicted",
					zap.Int64("token", int64(s.token)),
					zap.Uint64("seq", t.Sequence))
			}
		}
	}
	return delivered
}

// Len 在册订阅者数量
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// BroadcasterStats 统计
type BroadcasterStats struct {
	Sinks     int    `json:"sinks"`
	Published uint64 `json:"published"`
	Evictions uint64 `json:"evictions"`
}

// Stats 统计信息
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		Sinks:     b.Len(),
		Published: b.published.Load(),
		Evictions: b.evictions.Load(),
	}
}

// Close 关闭广播器，关闭所有订阅者通道
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for token, s := range b.sinks {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		delete(b.sinks, token)
	}
}
