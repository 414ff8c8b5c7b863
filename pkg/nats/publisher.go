// 文件: pkg/nats/publisher.go
// NATS 发布者：Tick 镜像
// 轻量级替代 Kafka，适合本地开发

package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"stockstream.com/pkg/market"
)

// TickSubject 行情主题 market.<symbol>.tick
func TickSubject(symbol string) string {
	return fmt.Sprintf("market.%s.tick", symbol)
}

// ControlSubject 控制主题 control.<symbol>.<op>
func ControlSubject(symbol, op string) string {
	return fmt.Sprintf("control.%s.%s", symbol, op)
}

// Connect 建立连接，断线自动重连
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
	own  bool
}

// NewPublisher 创建发布者并持有连接
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	conn, err := Connect(url, "stockstream-publisher", logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, own: true}, nil
}

// NewPublisherWith 复用已有连接，Close 不会关闭它
func NewPublisherWith(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// PublishTick 发布一笔 Tick 到 market.<symbol>.tick
func (p *Publisher) PublishTick(t market.Tick) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	return p.conn.Publish(TickSubject(t.Symbol), data)
}

// Request 请求/应答
func (p *Publisher) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := p.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Flush 等待已发布消息送达服务端
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close 关闭连接
func (p *Publisher) Close() {
	if p.own {
		p.conn.Drain()
	}
}
