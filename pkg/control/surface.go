// 文件: pkg/control/surface.go
// 运行时控制：冲击开关和状态查询
//
// 只改 ShockInjector 的 enabled 标志（原子量），调度器下一个周期读到新值
// 不需要停止调度器

package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"stockstream.com/pkg/audit"
	"stockstream.com/pkg/market"
	"stockstream.com/pkg/mirror"
)

// ErrMissingDependency 缺少必需依赖
var ErrMissingDependency = errors.New("control: missing dependency")

// ClientCounter 当前连接数
type ClientCounter interface {
	Count() int
}

// MirrorStats 镜像目标统计
type MirrorStats interface {
	Stats() []mirror.TargetStats
}

// TickReader 缓存里的最新/最近报价
type TickReader interface {
	Latest(ctx context.Context, symbol string) (market.Quote, error)
	Recent(ctx context.Context, symbol string, n int) ([]market.Quote, error)
}

// Deps 控制面依赖，Shock 和 Process 必填，其余为空时对应功能关闭
type Deps struct {
	Symbol      string
	Shock       *market.ShockInjector
	Process     *market.PriceProcess
	Ticker      *market.Ticker
	Broadcaster *market.Broadcaster
	History     *market.History
	Clients     ClientCounter
	Mirrors     MirrorStats
	Ticks       TickReader
	State       func() string
	Recorder    audit.Recorder
	Logger      *zap.Logger
}

// Surface 控制面
type Surface struct {
	d      Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewSurface 创建控制面
func NewSurface(d Deps) (*Surface, error) {
	if d.Shock == nil || d.Process == nil {
		return nil, ErrMissingDependency
	}
	if d.Recorder == nil {
		d.Recorder = audit.NopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Surface{
		d:      d,
		logger: d.Logger.With(zap.String("component", "control")),
		now:    time.Now,
	}, nil
}

// ToggleShock 翻转冲击开关，返回新状态
func (s *Surface) ToggleShock(source string) bool {
	enabled := s.d.Shock.Toggle()
	s.logger.Info("shock toggled", zap.Bool("enabled", enabled), zap.String("source", source))
	s.record(audit.ActionToggleShock, enabled, source)
	return enabled
}

// SetShock 直接设置冲击开关，返回新状态
func (s *Surface) SetShock(enabled bool, source string) bool {
	prev := s.d.Shock.SetEnabled(enabled)
	if prev != enabled {
		s.logger.Info("shock set", zap.Bool("enabled", enabled), zap.String("source", source))
	}
	s.record(audit.ActionSetShock, enabled, source)
	return enabled
}

// ShockEnabled 当前开关
func (s *Surface) ShockEnabled() bool {
	return s.d.Shock.Enabled()
}

func (s *Surface) record(action audit.ControlAction, enabled bool, source string) {
	s.d.Recorder.RecordControl(audit.ControlEvent{
		Symbol:    s.d.Symbol,
		Action:    action,
		Enabled:   enabled,
		Source:    source,
		CreatedAt: s.now(),
	})
}

// Status 运行状态快照
type Status struct {
	Symbol       string                   `json:"symbol"`
	State        string                   `json:"state,omitempty"`
	ShockEnabled bool                     `json:"shock_enabled"`
	Sequence     uint64                   `json:"sequence"`
	Clients      int                      `json:"clients"`
	Process      market.ProcessState      `json:"process"`
	Broadcast    *market.BroadcasterStats `json:"broadcast,omitempty"`
	Mirrors      []mirror.TargetStats     `json:"mirrors,omitempty"`
	AuditDropped *int64                   `json:"audit_dropped,omitempty"`
}

// Status 查询状态
func (s *Surface) Status() Status {
	st := Status{
		Symbol:       s.d.Symbol,
		ShockEnabled: s.d.Shock.Enabled(),
		Process:      s.d.Process.State(),
	}
	if s.d.State != nil {
		st.State = s.d.State()
	}
	if s.d.Ticker != nil {
		st.Sequence = s.d.Ticker.Sequence()
	}
	if s.d.Clients != nil {
		st.Clients = s.d.Clients.Count()
	}
	if s.d.Broadcaster != nil {
		bs := s.d.Broadcaster.Stats()
		st.Broadcast = &bs
	}
	if s.d.Mirrors != nil {
		st.Mirrors = s.d.Mirrors.Stats()
	}
	if dc, ok := s.d.Recorder.(audit.DropCounter); ok {
		n := dc.Dropped()
		st.AuditDropped = &n
	}
	return st
}

// RecentControls 最近的控制事件，记录器不支持查询时返回 false
func (s *Surface) RecentControls(ctx context.Context, limit int) ([]audit.ControlEvent, bool, error) {
	h, ok := s.d.Recorder.(audit.ControlHistory)
	if !ok {
		return nil, false, nil
	}
	events, err := h.RecentControls(ctx, s.d.Symbol, limit)
	return events, true, err
}

// Stats 窗口内统计，未启用历史时返回 false
func (s *Surface) Stats() (market.Stats, bool) {
	if s.d.History == nil {
		return market.Stats{}, false
	}
	return s.d.History.Stats(s.now()), true
}

// Candles 窗口内 K 线，未启用历史时返回 false
func (s *Surface) Candles(width time.Duration) ([]market.Candle, bool) {
	if s.d.History == nil {
		return nil, false
	}
	return s.d.History.Candles(s.now(), width), true
}
