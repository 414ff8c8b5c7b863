// 文件: pkg/server/server.go
// 行情服务：组装各组件并驱动状态机
//
//	Ticker ──> History
//	   │
//	   └──> Broadcaster ──> ws 客户端 (stream.Manager)
//	                   └──> mirror.Relay ──> NATS / Kafka / Redis
//
//	control.Surface ──> ShockInjector (HTTP / NATS)

package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"stockstream.com/pkg/audit"
	"stockstream.com/pkg/cache"
	"stockstream.com/pkg/config"
	"stockstream.com/pkg/control"
	"stockstream.com/pkg/kafka"
	"stockstream.com/pkg/market"
	"stockstream.com/pkg/mirror"
	"stockstream.com/pkg/nats"
	"stockstream.com/pkg/stream"
)

// ErrAlreadyRunning Run 只能调用一次
var ErrAlreadyRunning = errors.New("server already started")

const dialTimeout = 3 * time.Second

// Option 可选项
type Option func(*Server)

// WithRecorder 替换审计记录器（优先于 mysql_dsn）
func WithRecorder(r audit.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithTargets 追加镜像目标
func WithTargets(targets ...mirror.Target) Option {
	return func(s *Server) { s.targets = append(s.targets, targets...) }
}

// Server 行情服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	state   atomic.Int32
	started atomic.Bool
	ready   chan struct{}

	shock    *market.ShockInjector
	process  *market.PriceProcess
	ticker   *market.Ticker
	bc       *market.Broadcaster
	history  *market.History
	manager  *stream.Manager
	surface  *control.Surface
	recorder audit.Recorder

	targets  []mirror.Target
	relay    *mirror.Relay
	ticks    *cache.TickCache
	natsConn *natsgo.Conn
	natsSub  *nats.Subscriber

	addrMu    sync.RWMutex
	wsAddr    net.Addr
	adminAddr net.Addr
}

// New 校验配置并组装组件，失败时不会进入 Running
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.buildCore(); err != nil {
		return nil, err
	}
	if err := s.buildExternal(); err != nil {
		s.closeExternal()
		return nil, err
	}

	deps := control.Deps{
		Symbol:      cfg.Symbol,
		Shock:       s.shock,
		Process:     s.process,
		Ticker:      s.ticker,
		Broadcaster: s.bc,
		History:     s.history,
		Clients:     s.manager,
		State:       func() string { return s.State().String() },
		Recorder:    s.recorder,
		Logger:      logger,
	}
	// 接口字段不能装 nil 指针
	if s.relay != nil {
		deps.Mirrors = s.relay
	}
	if s.ticks != nil {
		deps.Ticks = s.ticks
	}

	var err error
	s.surface, err = control.NewSurface(deps)
	if err != nil {
		s.closeExternal()
		return nil, err
	}
	return s, nil
}

func (s *Server) buildCore() error {
	cfg := s.cfg
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var err error
	s.shock, err = market.NewShockInjector(cfg.ShockConfig(), rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	s.process, err = market.NewPriceProcess(cfg.ProcessConfig(), s.shock, rand.New(rand.NewSource(seed+1)))
	if err != nil {
		return err
	}
	s.bc, err = market.NewBroadcaster(cfg.BroadcasterConfig(), s.logger.Named("broadcaster"))
	if err != nil {
		return err
	}

	emitters := []market.Emitter{s.bc}
	if cfg.History.Window > 0 {
		s.history = market.NewHistory(0, cfg.History.Window, cfg.Interval)
		emitters = append(emitters, s.history)
	}

	s.ticker, err = market.NewTicker(cfg.TickerConfig(), s.process, rand.New(rand.NewSource(seed+2)),
		s.logger.Named("ticker"), emitters...)
	if err != nil {
		return err
	}
	return nil
}

// buildExternal 连接配置了的外部依赖，任何一个失败都中止启动
func (s *Server) buildExternal() error {
	cfg := s.cfg

	if s.recorder == nil {
		if cfg.MySQLDSN != "" {
			rec, err := audit.OpenMySQL(audit.DefaultMySQLConfig(cfg.MySQLDSN), s.logger.Named("audit"))
			if err != nil {
				return err
			}
			s.recorder = rec
		} else {
			s.recorder = audit.NopRecorder{}
		}
	}

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, "stockstream", s.logger.Named("nats"))
		if err != nil {
			return err
		}
		s.natsConn = conn
		s.natsSub = nats.NewSubscriberWith(conn, s.logger.Named("nats"))
		s.targets = append(s.targets, mirror.NATS(nats.NewPublisherWith(conn)))
	}

	if len(cfg.KafkaBrokers) > 0 {
		pcfg := kafka.DefaultProducerConfig(cfg.KafkaBrokers)
		pcfg.Topic = cfg.KafkaTopic
		p, err := kafka.NewProducer(pcfg, s.logger.Named("kafka"))
		if err != nil {
			return err
		}
		s.targets = append(s.targets, mirror.Kafka(p))
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		c, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisRecent)
		if err != nil {
			return err
		}
		s.ticks = c
		s.targets = append(s.targets, mirror.Redis(c))
	}

	if len(s.targets) > 0 {
		s.relay = mirror.NewRelay(0, s.logger.Named("mirror"), s.targets...)
	}

	s.manager = stream.NewManager(s.bc, cfg.StreamConfig(), s.recorder, s.logger)
	return nil
}

func (s *Server) closeExternal() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
	}
	if s.relay != nil {
		_ = s.relay.Close()
	} else {
		for _, t := range s.targets {
			_ = t.Close()
		}
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("close recorder", zap.Error(err))
		}
	}
}

// =============================================================================
// 状态
// =============================================================================

// State 当前状态，可并发读取
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	s.logger.Info("server state", zap.Stringer("from", from), zap.Stringer("to", to))
}

// beginStopping 先停止接受新连接，再切到 Stopping
func (s *Server) beginStopping() {
	s.manager.SetAccepting(false)
	s.setState(StateStopping)
}

// Ready 进入 Running 后关闭
func (s *Server) Ready() <-chan struct{} { return s.ready }

// WebsocketAddr 实际监听地址，Ready 之后有效
func (s *Server) WebsocketAddr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.wsAddr
}

// AdminAddr 管理端实际监听地址，Ready 之后有效
func (s *Server) AdminAddr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.adminAddr
}

// Surface 控制面
func (s *Server) Surface() *control.Surface { return s.surface }

// =============================================================================
// 运行
// =============================================================================

// Run 进入 Running，阻塞到 ctx 取消、监听失败或价格过程出错，然后停机
// ctx 取消时返回 nil
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	wsLn, err := net.Listen("tcp", s.cfg.WebsocketAddr())
	if err != nil {
		s.closeExternal()
		return fmt.Errorf("listen websocket: %w", err)
	}
	adminLn, err := net.Listen("tcp", s.cfg.AdminAddr())
	if err != nil {
		_ = wsLn.Close()
		s.closeExternal()
		return fmt.Errorf("listen admin: %w", err)
	}
	s.addrMu.Lock()
	s.wsAddr, s.adminAddr = wsLn.Addr(), adminLn.Addr()
	s.addrMu.Unlock()

	wsSrv := &http.Server{Handler: s.manager, ReadHeaderTimeout: 5 * time.Second}
	adminSrv := &http.Server{Handler: s.surface.Handler(), ReadHeaderTimeout: 5 * time.Second}

	if s.natsSub != nil {
		if err := s.surface.ServeNATS(s.natsSub); err != nil {
			s.logger.Warn("nats control disabled", zap.Error(err))
		}
	}
	if s.relay != nil {
		if err := s.manager.AttachLocal("mirror", s.relay.Handle); err != nil {
			s.logger.Warn("mirror disabled", zap.Error(err))
		}
	}

	s.setState(StateRunning)
	s.manager.SetAccepting(true)
	close(s.ready)

	s.logger.Info("stockstream running",
		zap.String("symbol", s.cfg.Symbol),
		zap.Stringer("websocket", wsLn.Addr()),
		zap.Stringer("admin", adminLn.Addr()),
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("shock", s.shock.Enabled()),
		zap.Int("mirrors", len(s.targets)))

	serveErr := make(chan error, 2)
	serve := func(name string, srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("websocket", wsSrv, wsLn)
	go serve("admin", adminSrv, adminLn)

	tickerDone := make(chan error, 1)
	go func() { tickerDone <- s.ticker.Run(ctx) }()

	var runErr error
	tickerStopped := false
	select {
	case <-ctx.Done():
	case err := <-tickerDone:
		tickerStopped = true
		if err != nil {
			s.logger.Error("price generator stopped", zap.Error(err))
			runErr = err
		}
	case err := <-serveErr:
		s.logger.Error("listener failed", zap.Error(err))
		runErr = err
	}

	s.beginStopping()

	s.ticker.Stop()
	if !tickerStopped {
		if err := <-tickerDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	grace := s.cfg.Stream.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.manager.Close(shutdownCtx); err != nil {
		s.logger.Warn("close connections", zap.Error(err))
	}
	s.bc.Close()

	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown websocket server", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown admin server", zap.Error(err))
	}

	s.closeExternal()
	s.setState(StateStopped)

	st := s.bc.Stats()
	s.logger.Info("stockstream stopped",
		zap.Uint64("last_seq", s.ticker.Sequence()),
		zap.Uint64("published", st.Published),
		zap.Uint64("evictions", st.Evictions))
	return runErr
}
