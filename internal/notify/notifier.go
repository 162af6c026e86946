// Package notify delivers upward-facing events to subscribers. Workers post
// from any goroutine; a single consumer goroutine invokes handlers, so
// events arrive in exactly the order they were posted. Handlers share one
// delivery goroutine and must not block for long.
package notify

import (
	"sync"

	"github.com/aclij/btransfer/pkg/logger"
)

type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

type Notifier struct {
	handlersMu sync.RWMutex
	handlers   map[EventType][]handlerEntry
	nextHID    uint64

	events    chan Event
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &Notifier{
		handlers: make(map[EventType][]handlerEntry),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go n.run()
	return n
}

// Subscribe 注册事件处理器并返回取消函数
func (n *Notifier) Subscribe(t EventType, fn Handler) (cancel func()) {
	n.handlersMu.Lock()
	n.nextHID++
	id := n.nextHID
	n.handlers[t] = append(n.handlers[t], handlerEntry{id: id, fn: fn})
	n.handlersMu.Unlock()

	return func() {
		n.handlersMu.Lock()
		entries := n.handlers[t]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(n.handlers, t)
		} else {
			n.handlers[t] = append([]handlerEntry(nil), filtered...)
		}
		n.handlersMu.Unlock()
	}
}

// Post 入队一个事件。投递是阻塞式的：队列满时发布方等待，
// 换来跨 worker 的全序投递保证。Close 之后的 Post 被丢弃。
func (n *Notifier) Post(e Event) {
	select {
	case <-n.done:
		logger.L().Sugar().Debugw("notify_post_after_close", "event", e.Type())
	case n.events <- e:
	}
}

// Close 停止接收新事件并等待已入队事件全部投递完
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
	<-n.drained
}

func (n *Notifier) run() {
	defer close(n.drained)
	for {
		select {
		case <-n.done:
			// 排空残留事件后退出，events 通道本身不关闭
			for {
				select {
				case e := <-n.events:
					n.dispatch(e)
				default:
					return
				}
			}
		case e := <-n.events:
			n.dispatch(e)
		}
	}
}

func (n *Notifier) dispatch(e Event) {
	n.handlersMu.RLock()
	entries := append([]handlerEntry(nil), n.handlers[e.Type()]...)
	entries = append(entries, n.handlers[EventAny]...)
	n.handlersMu.RUnlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.L().Sugar().Errorw("notify_handler_panic", "event", e.Type(), "panic", r)
				}
			}()
			entry.fn(e)
		}()
	}
}
