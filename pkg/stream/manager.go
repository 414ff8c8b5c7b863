// 文件: pkg/stream/manager.go
// WebSocket 连接管理
//
// 每个连接:
//   - 一个 Sink 注册在广播器上
//   - writePump: Sink -> JSON -> socket，带写超时和心跳
//   - readPump: 丢弃客户端输入，只维护 pong 超时
//
// 订阅集合只在这里增删：连接建立、断开、慢消费者、关闭

package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stockstream.com/pkg/audit"
	"stockstream.com/pkg/market"
)

// ErrManagerClosed 管理器已关闭
var ErrManagerClosed = errors.New("connection manager is closed")

// 断开原因
const (
	ReasonClientClosed  = "client closed"
	ReasonWriteFailed   = "write failed"
	ReasonSlowConsumer  = "slow consumer"
	ReasonShutdown      = "server shutdown"
	ReasonForcedClosure = "shutdown timeout"
)

// Config 连接参数
type Config struct {
	Symbol         string
	WriteWait      time.Duration // 单次写超时，超过视为客户端卡死
	PongWait       time.Duration // 多久没收到 pong 判定断线
	PingPeriod     time.Duration // 心跳间隔，必须小于 PongWait
	MaxMessageSize int64         // 客户端消息上限
	SinkBuffer     int           // 每个连接的 Tick 缓冲，0 表示用广播器默认值
}

// DefaultConfig 默认配置
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		WriteWait:      time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     50 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Manager 连接管理器，实现 http.Handler
type Manager struct {
	bc       *market.Broadcaster
	cfg      Config
	upgrader websocket.Upgrader
	recorder audit.Recorder
	logger   *zap.Logger

	accepting atomic.Bool

	mu      sync.Mutex
	closed  bool
	clients map[market.Token]*client
	locals  map[string]*local
	wg      sync.WaitGroup
}

// NewManager 创建管理器，初始不接受连接
func NewManager(bc *market.Broadcaster, cfg Config, recorder audit.Recorder, logger *zap.Logger) *Manager {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bc:  bc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recorder: recorder,
		logger:   logger.With(zap.String("component", "stream")),
		clients:  make(map[market.Token]*client),
		locals:   make(map[string]*local),
	}
}

// SetAccepting 开关新连接
func (m *Manager) SetAccepting(v bool) { m.accepting.Store(v) }

// Accepting 是否接受新连接
func (m *Manager) Accepting() bool { return m.accepting.Load() }

// Count 当前 WebSocket 连接数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) sinkOptions() []market.SinkOption {
	if m.cfg.SinkBuffer > 0 {
		return []market.SinkOption{market.WithBuffer(m.cfg.SinkBuffer)}
	}
	return nil
}

// ServeHTTP 升级为 WebSocket 并注册到广播器
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.accepting.Load() {
		http.Error(w, "server is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		m.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sink, err := m.bc.Register(m.sinkOptions()...)
	if err != nil {
		m.rejectConn(conn)
		return
	}

	c := &client{
		m:      m,
		conn:   conn,
		sink:   sink,
		remote: r.RemoteAddr,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.bc.Unregister(sink.Token())
		m.rejectConn(conn)
		return
	}
	m.clients[sink.Token()] = c
	m.wg.Add(2)
	m.mu.Unlock()

	m.logger.Info("client connected",
		zap.Int64("token", int64(sink.Token())),
		zap.String("remote", c.remote))
	m.recorder.RecordSession(audit.SessionEvent{
		Token:      int64(sink.Token()),
		Symbol:     m.cfg.Symbol,
		RemoteAddr: c.remote,
		Kind:       audit.SessionConnect,
		CreatedAt:  time.Now(),
	})

	go c.writePump()
	go c.readPump()
}

func (m *Manager) rejectConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonShutdown)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteWait))
	_ = conn.Close()
}

func (m *Manager) remove(c *client, reason string) {
	m.mu.Lock()
	delete(m.clients, c.sink.Token())
	m.mu.Unlock()

	m.bc.Unregister(c.sink.Token())

	m.logger.Info("client disconnected",
		zap.Int64("token", int64(c.sink.Token())),
		zap.String("remote", c.remote),
		zap.String("reason", reason),
		zap.Uint64("last_seq", c.sink.LastDelivered()))
	m.recorder.RecordSession(audit.SessionEvent{
		Token:      int64(c.sink.Token()),
		Symbol:     m.cfg.Symbol,
		RemoteAddr: c.remote,
		Kind:       audit.SessionDisconnect,
		Reason:     reason,
		Delivered:  c.sink.LastDelivered(),
		CreatedAt:  time.Now(),
	})
}

// Close 停止接受连接，通知所有客户端关闭，ctx 到期后强制断开
func (m *Manager) Close(ctx context.Context) error {
	m.accepting.Store(false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	locals := make([]*local, 0, len(m.locals))
	for _, l := range m.locals {
		locals = append(locals, l)
	}
	m.mu.Unlock()

	for _, l := range locals {
		l.stop()
	}

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonShutdown)
	deadline := time.Now().Add(m.cfg.WriteWait)
	for _, c := range clients {
		// 客户端回 close 帧后 readPump 退出并完成清理
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.shutdown(ReasonShutdown)
		}
	}

	waitCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.shutdown(ReasonForcedClosure)
		}
		<-waitCh
		return ctx.Err()
	}
}

// =============================================================================
// client
// =============================================================================

type client struct {
	m      *Manager
	conn   *websocket.Conn
	sink   *market.Sink
	remote string

	done     chan struct{}
	doneOnce sync.Once
}

// shutdown 只执行一次：注销 Sink，关闭连接，记录断开
func (c *client) shutdown(reason string) {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.m.remove(c, reason)
	})
}

func (c *client) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.m.cfg.WriteWait))
}

func (c *client) writePump() {
	defer c.m.wg.Done()

	var ping <-chan time.Time
	if c.m.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(c.m.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case t, ok := <-c.sink.C():
			if !ok {
				// 被注销或广播器已关闭
				c.writeClose(websocket.CloseGoingAway, ReasonShutdown)
				c.shutdown(ReasonShutdown)
				return
			}
			data, err := t.Encode()
			if err != nil {
				c.m.logger.Error("encode tick failed", zap.Uint64("seq", t.Sequence), zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(ReasonWriteFailed)
				return
			}
			c.sink.Ack(t.Sequence)

		case <-c.sink.Evicted():
			c.writeClose(websocket.ClosePolicyViolation, ReasonSlowConsumer)
			c.shutdown(ReasonSlowConsumer)
			return

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.m.cfg.WriteWait)); err != nil {
				c.shutdown(ReasonWriteFailed)
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) readPump() {
	defer c.m.wg.Done()

	if c.m.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.m.cfg.MaxMessageSize)
	}
	if c.m.cfg.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.PongWait))
		})
	}

	// 客户端不需要发任何东西，读只为了处理控制帧和发现断线
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			c.shutdown(ReasonClientClosed)
			return
		}
	}
}
