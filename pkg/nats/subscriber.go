// 文件: pkg/nats/subscriber.go
// NATS 订阅者与请求应答

package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// ReplyHandler 请求处理函数，返回值作为应答
type ReplyHandler func(subject string, data []byte) ([]byte, error)

// Subscriber NATS 订阅者
type Subscriber struct {
	conn   *nats.Conn
	own    bool
	subs   []*nats.Subscription
	logger *zap.Logger
}

// NewSubscriber 创建订阅者并持有连接
func NewSubscriber(url string, logger *zap.Logger) (*Subscriber, error) {
	conn, err := Connect(url, "stockstream-subscriber", logger)
	if err != nil {
		return nil, err
	}
	s := NewSubscriberWith(conn, logger)
	s.own = true
	return s, nil
}

// NewSubscriberWith 复用已有连接
func NewSubscriberWith(conn *nats.Conn, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{conn: conn, logger: logger}
}

// Subscribe 订阅主题
func (s *Subscriber) Subscribe(handler MessageHandler, subjects ...string) error {
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
			if err := handler(msg.Subject, msg.Data); err != nil {
				s.logger.Warn("nats handle error", zap.String("subject", msg.Subject), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscribeQueue 队列订阅 (负载均衡)
func (s *Subscriber) SubscribeQueue(subject, queue string, handler MessageHandler) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			s.logger.Warn("nats handle error", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// errorReply 处理失败时的应答体
type errorReply struct {
	Error string `json:"error"`
}

// Reply 注册请求应答处理
// handler 出错时回复 {"error": "..."}
func (s *Subscriber) Reply(subject string, handler ReplyHandler) error {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp, err := handler(msg.Subject, msg.Data)
		if err != nil {
			s.logger.Warn("nats request failed", zap.String("subject", msg.Subject), zap.Error(err))
			resp, _ = json.Marshal(errorReply{Error: err.Error()})
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(resp); err != nil {
			s.logger.Warn("nats respond failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("reply %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 取消订阅，持有连接时一并关闭
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("nats unsubscribe", zap.Error(err))
		}
	}
	s.subs = nil
	if s.own {
		s.conn.Close()
	}
	return nil
}

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
