package audit

import "time"

// ControlAction 控制面动作
type ControlAction string

const (
	ActionToggleShock ControlAction = "toggle_shock"
	ActionSetShock    ControlAction = "set_shock"
)

// SessionKind 会话事件类型
type SessionKind string

const (
	SessionConnect    SessionKind = "connect"
	SessionDisconnect SessionKind = "disconnect"
)

// ControlEvent 一次控制面变更
type ControlEvent struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol    string        `gorm:"type:varchar(32);index" json:"symbol"`
	Action    ControlAction `gorm:"type:varchar(32)" json:"action"`
	Enabled   bool          `json:"enabled"`
	Source    string        `gorm:"type:varchar(64)" json:"source"` // http / nats / cli
	CreatedAt time.Time     `gorm:"index" json:"created_at"`
}

// TableName 表名
func (ControlEvent) TableName() string { return "control_events" }

// SessionEvent 客户端连接/断开
// 只记录会话生命周期，不记录 Tick
type SessionEvent struct {
	ID         uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Token      int64       `gorm:"index" json:"token"`
	Symbol     string      `gorm:"type:varchar(32)" json:"symbol"`
	RemoteAddr string      `gorm:"type:varchar(128)" json:"remote_addr"`
	Kind       SessionKind `gorm:"type:varchar(16)" json:"kind"`
	Reason     string      `gorm:"type:varchar(255)" json:"reason"`
	Delivered  uint64      `json:"delivered"` // 断开时最后送达的序号
	CreatedAt  time.Time   `gorm:"index" json:"created_at"`
}

// TableName 表名
func (SessionEvent) TableName() string { return "session_events" }
