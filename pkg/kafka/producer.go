// 文件: pkg/kafka/producer.go
// Tick 镜像到 Kafka
//
// 特点:
// - 异步发送，Input 满时丢弃而不是阻塞调用方
// - 按 symbol 分区，同一 symbol 保序
// - 优雅关闭

package kafka

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"stockstream.com/pkg/market"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka producer is closed")

// ErrProducerBusy Input 队列已满
var ErrProducerBusy = errors.New("kafka producer input is full")

// =============================================================================
// Message 接口
// =============================================================================

// Message 通用消息接口
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 消息体
}

// TickMessage 一笔 Tick 的 Kafka 消息
type TickMessage struct {
	topic string
	tick  market.Tick
}

// NewTickMessage 构造 Tick 消息
func NewTickMessage(topic string, t market.Tick) TickMessage {
	return TickMessage{topic: topic, tick: t}
}

func (m TickMessage) Topic() string          { return m.topic }
func (m TickMessage) Key() string            { return m.tick.Symbol }
func (m TickMessage) Value() ([]byte, error) { return m.tick.Encode() }

// =============================================================================
// 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      // Kafka broker 地址列表
	Topic          string        // Tick topic
	RequiredAcks   int           // 0=不等待, 1=leader确认, -1=全部确认
	Compression    string        // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration // 刷新间隔
	FlushMessages  int           // 批量消息数
	MaxRetries     int           // 最大重试次数
}

// DefaultProducerConfig 默认配置
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		Topic:          "market.ticks",
		RequiredAcks:   1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// SaramaConfig 转成 sarama 配置
func (c ProducerConfig) SaramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	switch c.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch c.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// =============================================================================
// Producer
// =============================================================================

// Producer Tick 生产者
type Producer struct {
	producer sarama.AsyncProducer
	config   ProducerConfig
	logger   *zap.Logger

	sentCount    atomic.Int64
	errorCount   atomic.Int64
	droppedCount atomic.Int64

	mu     sync.RWMutex // Send 与 Close 互斥，避免向已关闭的 Input 写
	closed bool
	wg     sync.WaitGroup
}

// NewProducer 连接 broker 并创建生产者
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerWith(ap, cfg, logger), nil
}

// NewProducerWith 基于已有 AsyncProducer 创建
func NewProducerWith(ap sarama.AsyncProducer, cfg ProducerConfig, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		producer: ap,
		config:   cfg,
		logger:   logger,
	}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send 异步发送
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	m := &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	select {
	case p.producer.Input() <- m:
		p.sentCount.Add(1)
		return nil
	default:
		p.droppedCount.Add(1)
		return ErrProducerBusy
	}
}

// SendTick 发送一笔 Tick 到配置的 topic
func (p *Producer) SendTick(t market.Tick) error {
	return p.Send(NewTickMessage(p.config.Topic, t))
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()

	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		p.logger.Warn("kafka send failed",
			zap.String("topic", err.Msg.Topic),
			zap.Error(err.Err))
	}
}

// ProducerStats 统计信息
type ProducerStats struct {
	SentCount    int64 `json:"sent"`
	ErrorCount   int64 `json:"errors"`
	DroppedCount int64 `json:"dropped"`
}

// Stats 获取统计信息
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:    p.sentCount.Load(),
		ErrorCount:   p.errorCount.Load(),
		DroppedCount: p.droppedCount.Load(),
	}
}

// Close 关闭生产者，等待错误通道排空
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}
