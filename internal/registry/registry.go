// Package registry owns the set of live device connections. Each entry runs
// a read loop and a heartbeat timer on their own goroutines; send operations
// are synchronous. External parties see connections only through the
// Listener callbacks and the Stats snapshot.
package registry

import (
	"sync"
	"time"

	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

// Listener 单条连接的事件回调。OnData 在读循环 goroutine 上同步调用，
// 因此回调内可以在下一次读发生之前调用 PauseReading/Acquire。
type Listener interface {
	OnConnected(address string)
	OnDisconnected(address string)
	OnData(address string, payload []byte)
	OnError(address string, errMsg string)
}

// Options 读循环和心跳参数，零值用默认
type Options struct {
	HeartbeatInterval time.Duration // 静默超过该时长就发心跳，默认 30s
	ReadProbes        int           // 读错误后的原地探测次数，默认 3
	ProbeDelay        time.Duration // 探测间隔，默认 2s
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ReadProbes <= 0 {
		out.ReadProbes = 3
	}
	if out.ProbeDelay <= 0 {
		out.ProbeDelay = 2 * time.Second
	}
	return out
}

type Registry struct {
	conns sync.Map // address -> *entry
	opt   Options
}

func New(opt Options) *Registry {
	return &Registry{opt: opt.withDefaults()}
}

// Add 注册连接并启动读循环。同地址已有连接时先拆掉旧的再挂新的，
// 任意时刻一个地址至多一条连接。
func (r *Registry) Add(address string, conn stream.Conn, l Listener) {
	if old, ok := r.conns.Load(address); ok {
		logger.L().Sugar().Warnw("connection_replaced", "address", address)
		old.(*entry).shutdown()
		old.(*entry).awaitExit()
	}
	e := newEntry(r, address, conn, l)
	r.conns.Store(address, e)
	go e.run()
	logger.L().Sugar().Debugw("connection_added", "address", address)
}

// Remove 拆除并丢弃连接，返回之前是否存在
func (r *Registry) Remove(address string) bool {
	v, ok := r.conns.Load(address)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.shutdown()
	e.awaitExit()
	logger.L().Sugar().Debugw("connection_removed", "address", address)
	return true
}

// Send 同步写一帧。连接不存在或未连接返回 false 而不是报错；
// 写失败返回 false 并通过 OnError 上报，但不主动断链。
func (r *Registry) Send(address string, payload []byte) bool {
	v, ok := r.conns.Load(address)
	if !ok {
		logger.L().Sugar().Warnw("send_no_connection", "address", address)
		return false
	}
	return v.(*entry).send(payload)
}

// IsConnected null/未知地址一律 false
func (r *Registry) IsConnected(address string) bool {
	if address == "" {
		return false
	}
	v, ok := r.conns.Load(address)
	if !ok {
		return false
	}
	return v.(*entry).isConnected()
}

// PauseReading 置起读循环轮询的暂停标志；跨重连不保留
func (r *Registry) PauseReading(address string) {
	if v, ok := r.conns.Load(address); ok {
		v.(*entry).setPaused(true)
	}
}

// ResumeReading 清掉暂停标志
func (r *Registry) ResumeReading(address string) {
	if v, ok := r.conns.Load(address); ok {
		v.(*entry).setPaused(false)
	}
}

// Acquire 租借连接的裸字节流给文件传输用。读循环停在暂停位、
// 写端互斥拿到后才返回，同一连接同时只有一个租借方。
// 用完必须 Release，否则读循环永远停着。
func (r *Registry) Acquire(address string) (*Lease, error) {
	v, ok := r.conns.Load(address)
	if !ok {
		return nil, ErrNoConnection
	}
	return v.(*entry).acquire()
}

// ConnectedDevices 当前在连的设备地址快照
func (r *Registry) ConnectedDevices() []string {
	var out []string
	r.conns.Range(func(k, v any) bool {
		if v.(*entry).isConnected() {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}

// Stats 连接计数器的一致性时点快照
func (r *Registry) Stats(address string) (Stats, bool) {
	v, ok := r.conns.Load(address)
	if !ok {
		return Stats{}, false
	}
	return v.(*entry).stats(), true
}

// Close 拆除全部连接
func (r *Registry) Close() {
	r.conns.Range(func(_, v any) bool {
		e := v.(*entry)
		e.shutdown()
		e.awaitExit()
		return true
	})
}

// drop removes e from the map only if it is still the registered entry for
// its address; a replacement added meanwhile is left alone.
func (r *Registry) drop(e *entry) {
	r.conns.CompareAndDelete(e.address, e)
}

// Stats 单条连接的观测数据
type Stats struct {
	Address       string
	Connected     bool
	ConnectTime   time.Time
	Uptime        time.Duration
	BytesSent     int64
	BytesReceived int64
	LastTraffic   time.Time
	ReadProbes    int
	ReadingPaused bool
}
