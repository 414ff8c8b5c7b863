// 文件: pkg/audit/mysql_recorder.go
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MySQLConfig 配置
type MySQLConfig struct {
	DSN          string
	QueueSize    int           // 异步写入队列
	WriteTimeout time.Duration // 单条写入超时
}

// DefaultMySQLConfig 默认配置
func DefaultMySQLConfig(dsn string) MySQLConfig {
	return MySQLConfig{
		DSN:          dsn,
		QueueSize:    1024,
		WriteTimeout: 2 * time.Second,
	}
}

type auditRecord struct {
	control *ControlEvent
	session *SessionEvent
}

// MySQLRecorder 异步写 MySQL
type MySQLRecorder struct {
	db     *gorm.DB
	cfg    MySQLConfig
	logger *zap.Logger

	queue   chan auditRecord
	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.RWMutex // 保护 queue 关闭与写入的竞争
	wg      sync.WaitGroup
}

// OpenMySQL 连接数据库并建表
func OpenMySQL(cfg MySQLConfig, logger *zap.Logger) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewMySQLRecorder(db, cfg, logger)
}

// NewMySQLRecorder 基于已有连接创建
func NewMySQLRecorder(db *gorm.DB, cfg MySQLConfig, logger *zap.Logger) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&ControlEvent{}, &SessionEvent{}); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &MySQLRecorder{
		db:     db,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan auditRecord, cfg.QueueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func (r *MySQLRecorder) RecordControl(ev ControlEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.enqueue(auditRecord{control: &ev})
}

func (r *MySQLRecorder) RecordSession(ev SessionEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.enqueue(auditRecord{session: &ev})
}

func (r *MySQLRecorder) enqueue(rec auditRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *MySQLRecorder) loop() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		var err error
		switch {
		case rec.control != nil:
			err = r.db.WithContext(ctx).Create(rec.control).Error
		case rec.session != nil:
			err = r.db.WithContext(ctx).Create(rec.session).Error
		}
		cancel()
		if err != nil {
			r.logger.Warn("audit write failed", zap.Error(err))
		}
	}
}

var (
	_ ControlHistory = (*MySQLRecorder)(nil)
	_ DropCounter    = (*MySQLRecorder)(nil)
)

// Dropped 因队列满被丢弃的条数
func (r *MySQLRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// RecentControls 最近的控制事件
func (r *MySQLRecorder) RecentControls(ctx context.Context, symbol string, limit int) ([]ControlEvent, error) {
	var events []ControlEvent
	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Close 排空队列后关闭连接
func (r *MySQLRecorder) Close() error {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()

	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
