// 文件: pkg/kafka/consumer.go
// Tick 消费者 (stockwatch 使用)
//
// 特点:
// - 消费者组
// - 解码失败跳过，不中断
// - 优雅关闭

package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"stockstream.com/pkg/market"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	OffsetInitial int64 // -1=newest, -2=oldest
	AutoCommit    bool
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetNewest,
		AutoCommit:    true,
	}
}

// QuoteHandler 处理一条解码后的报价
type QuoteHandler func(q market.Quote) error

// Consumer Tick 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler QuoteHandler
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler QuoteHandler, logger *zap.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start 启动消费
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h := &quoteGroupHandler{handler: c.handler, logger: c.logger}
		for {
			if err := c.client.Consume(c.ctx, c.config.Topics, h); err != nil {
				c.logger.Warn("kafka consume error", zap.Error(err))
				select {
				case <-c.ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// quoteGroupHandler 实现 sarama.ConsumerGroupHandler
type quoteGroupHandler struct {
	handler QuoteHandler
	logger  *zap.Logger
}

func (h *quoteGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *quoteGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *quoteGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *quoteGroupHandler) handle(msg *sarama.ConsumerMessage) {
	q, err := market.DecodeQuote(msg.Value)
	if err != nil {
		h.logger.Warn("kafka decode failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if err := h.handler(q); err != nil {
		h.logger.Warn("kafka handle failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
