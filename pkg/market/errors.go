package market

import "errors"

var (
	// ErrInvalidConfig 启动期配置错误，必须在进入 Running 之前报告
	ErrInvalidConfig = errors.New("market: invalid config")

	// ErrGeneratorInvariant 生成器状态被破坏（波动率为负、非有限值等）
	// 出现后停止推送，不能发布损坏的 Tick
	ErrGeneratorInvariant = errors.New("market: generator invariant violated")

	// ErrBroadcasterClosed 广播器已关闭
	ErrBroadcasterClosed = errors.New("market: broadcaster closed")
)
