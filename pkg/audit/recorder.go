// 文件: pkg/audit/recorder.go
// 审计记录：控制面变更和客户端会话
//
// 调用方都在连接/控制路径上，Record 不能阻塞，满了直接丢弃

package audit

import (
	"context"
	"sync"
)

// Recorder 审计记录器
type Recorder interface {
	RecordControl(ev ControlEvent)
	RecordSession(ev SessionEvent)
	Close() error
}

// ControlHistory 可查询最近控制事件的记录器
type ControlHistory interface {
	RecentControls(ctx context.Context, symbol string, limit int) ([]ControlEvent, error)
}

// DropCounter 异步记录器的丢弃计数
type DropCounter interface {
	Dropped() int64
}

// =============================================================================
// NopRecorder
// =============================================================================

// NopRecorder 未配置数据库时使用
type NopRecorder struct{}

func (NopRecorder) RecordControl(ControlEvent) {}
func (NopRecorder) RecordSession(SessionEvent) {}
func (NopRecorder) Close() error               { return nil }

// =============================================================================
// MemoryRecorder
// =============================================================================

// MemoryRecorder 内存版，保留最近 limit 条
type MemoryRecorder struct {
	mu       sync.Mutex
	limit    int
	controls []ControlEvent
	sessions []SessionEvent
}

// NewMemoryRecorder 创建内存记录器
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryRecorder{limit: limit}
}

func (m *MemoryRecorder) RecordControl(ev ControlEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, ev)
	if len(m.controls) > m.limit {
		m.controls = m.controls[len(m.controls)-m.limit:]
	}
}

func (m *MemoryRecorder) RecordSession(ev SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, ev)
	if len(m.sessions) > m.limit {
		m.sessions = m.sessions[len(m.sessions)-m.limit:]
	}
}

func (m *MemoryRecorder) Close() error { return nil }

// Controls 返回控制事件拷贝
func (m *MemoryRecorder) Controls() []ControlEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ControlEvent(nil), m.controls...)
}

// RecentControls 按 symbol 过滤，新的在前
func (m *MemoryRecorder) RecentControls(_ context.Context, symbol string, limit int) ([]ControlEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ControlEvent
	for i := len(m.controls) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.controls[i].Symbol == symbol {
			out = append(out, m.controls[i])
		}
	}
	return out, nil
}

// Sessions 返回会话事件拷贝
func (m *MemoryRecorder) Sessions() []SessionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionEvent(nil), m.sessions...)
}
