package stream

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stockstream.com/pkg/market"
)

// local 进程内订阅者（镜像、历史等）
// 被判定为慢消费者时重新注册，中间的 Tick 丢失
type local struct {
	m    *Manager
	name string
	fn   func(market.Tick)

	mu   sync.Mutex
	sink *market.Sink

	quit     chan struct{}
	quitOnce sync.Once
}

// AttachLocal 注册一个进程内订阅者，fn 在独立 goroutine 中顺序调用
func (m *Manager) AttachLocal(name string, fn func(market.Tick)) error {
	sink, err := m.bc.Register(m.sinkOptions()...)
	if err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}

	l := &local{
		m:    m,
		name: name,
		fn:   fn,
		sink: sink,
		quit: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.bc.Unregister(sink.Token())
		return ErrManagerClosed
	}
	if _, dup := m.locals[name]; dup {
		m.mu.Unlock()
		m.bc.Unregister(sink.Token())
		return fmt.Errorf("attach %s: already attached", name)
	}
	m.locals[name] = l
	m.wg.Add(1)
	m.mu.Unlock()

	go l.run()
	return nil
}

func (l *local) current() *market.Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}

func (l *local) run() {
	defer l.m.wg.Done()
	defer func() {
		l.m.mu.Lock()
		delete(l.m.locals, l.name)
		l.m.mu.Unlock()
	}()

	for {
		sink := l.current()
		select {
		case t, ok := <-sink.C():
			if !ok {
				return
			}
			l.fn(t)
			sink.Ack(t.Sequence)

		case <-sink.Evicted():
			l.m.bc.Unregister(sink.Token())
			next, err := l.m.bc.Register(l.m.sinkOptions()...)
			if err != nil {
				l.m.logger.Warn("local consumer detached", zap.String("name", l.name), zap.Error(err))
				return
			}
			l.mu.Lock()
			l.sink = next
			l.mu.Unlock()
			l.m.logger.Warn("local consumer re-attached after eviction",
				zap.String("name", l.name),
				zap.Uint64("last_seq", sink.LastDelivered()))

		case <-l.quit:
			l.m.bc.Unregister(sink.Token())
			return
		}
	}
}

func (l *local) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}
