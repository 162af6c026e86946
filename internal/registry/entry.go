package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

var ErrNoConnection = errors.New("registry: no connection for address")

// HeartbeatPayload 静默链路上的存活探测哨兵帧
var HeartbeatPayload = []byte("HEARTBEAT")

// pollInterval 读 deadline 的轮询周期，决定暂停/关闭的最大响应延迟
const pollInterval = 500 * time.Millisecond

// pausePoll 暂停状态下读循环的轮询间隔
const pausePoll = 10 * time.Millisecond

var errPauseRequested = errors.New("registry: pause requested")
var errShuttingDown = errors.New("registry: shutting down")

// entry 一条连接的全部运行时状态。
// 读循环单 goroutine、心跳单 goroutine；计数器都是原子量，
// 从 worker 写、从 Stats 快照读。
type entry struct {
	reg      *Registry
	address  string
	conn     stream.Conn
	listener Listener

	connected atomic.Bool
	announced atomic.Bool // reached the Connected state at least once
	paused    atomic.Bool
	closed    atomic.Bool

	connectTime   time.Time
	lastTraffic   atomic.Int64 // unix ms
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	readProbes    atomic.Int32

	// readMu 是流的租约：读循环在每次帧读取期间持有读侧；
	// 传输任务通过 acquire 同时拿下读写两侧，独占裸流。
	readMu  sync.Mutex
	writeMu sync.Mutex

	stop     chan struct{}
	exited   chan struct{}
	shutOnce sync.Once
}

func newEntry(reg *Registry, address string, conn stream.Conn, l Listener) *entry {
	e := &entry{
		reg:         reg,
		address:     address,
		conn:        conn,
		listener:    l,
		connectTime: time.Now(),
		stop:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
	e.lastTraffic.Store(time.Now().UnixMilli())
	// 流活着就立刻标记已连接，调用方在 Add 返回后马上 Send/Acquire 也成立
	if conn.IsOpen() {
		e.connected.Store(true)
	}
	return e
}

// run 状态机：Starting → Connected → ReadLoop → Disconnected（终态）
func (e *entry) run() {
	defer e.teardown()

	if !e.conn.IsOpen() {
		logger.L().Sugar().Warnw("connection_not_open", "address", e.address)
		e.listener.OnError(e.address, "stream not connected")
		return
	}

	e.connected.Store(true)
	e.announced.Store(true)
	observe.AddActive(1)
	observe.IncConnection("established")
	e.listener.OnConnected(e.address)

	hbDone := make(chan struct{})
	go e.heartbeatLoop(hbDone)
	// 读循环自己退出（EOF、读错误耗尽）时 stop 还没关，先 shutdown
	// 叫停心跳再等它退出，否则两边互等
	defer func() {
		e.shutdown()
		<-hbDone
	}()

	for {
		if e.closed.Load() {
			return
		}
		if e.paused.Load() {
			// 轮询暂停标志；流所有权此刻在租借方手里
			select {
			case <-e.stop:
				return
			case <-time.After(pausePoll):
			}
			continue
		}

		e.readMu.Lock()
		payload, err := e.readFrame()
		e.readMu.Unlock()

		switch {
		case err == nil:
			e.bytesReceived.Add(int64(len(payload)))
			e.touch()
			observe.IncMessage("received")
			e.listener.OnData(e.address, payload)
		case errors.Is(err, errPauseRequested):
			continue
		case errors.Is(err, errShuttingDown):
			return
		case errors.Is(err, io.EOF):
			logger.L().Sugar().Debugw("connection_closed_by_remote", "address", e.address)
			return
		default:
			if e.closed.Load() {
				return
			}
			// 有界原地探测：只看现有流有没有恢复，这一层不重拨号
			probes := int(e.readProbes.Load())
			if probes < e.reg.opt.ReadProbes {
				e.readProbes.Add(1)
				logger.L().Sugar().Debugw("read_probe", "address", e.address, "attempt", probes+1, "err", err)
				select {
				case <-e.stop:
					return
				case <-time.After(e.reg.opt.ProbeDelay):
				}
				if e.conn.IsOpen() {
					continue
				}
			}
			e.listener.OnError(e.address, "connection lost: "+err.Error())
			return
		}
	}
}

// readFrame 带 deadline 轮询的帧读取。帧头一个字节都没到且有暂停/关闭
// 请求时让出；一旦帧头开始到达就先把整帧读完，不会把半帧丢在流里。
func (e *entry) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	got := 0
	for got < 4 {
		if e.closed.Load() {
			return nil, errShuttingDown
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := e.conn.Read(header[got:])
		got += n
		if err != nil {
			if stream.IsTimeout(err) {
				if got == 0 && e.paused.Load() {
					return nil, errPauseRequested
				}
				continue
			}
			return nil, err
		}
	}

	length := int(binary.BigEndian.Uint32(header))
	if length > message.MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}
	buf := make([]byte, length)
	read := 0
	for read < length {
		if e.closed.Load() {
			return nil, errShuttingDown
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := e.conn.Read(buf[read:])
		read += n
		if err != nil {
			if stream.IsTimeout(err) {
				continue
			}
			return nil, err
		}
	}
	_ = e.conn.SetReadDeadline(time.Time{})
	return buf, nil
}

func (e *entry) heartbeatLoop(done chan<- struct{}) {
	defer close(done)
	interval := e.reg.opt.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if !e.isConnected() || e.paused.Load() {
				continue
			}
			silent := time.Since(time.UnixMilli(e.lastTraffic.Load()))
			if silent <= interval {
				continue
			}
			// 存活探测而非协议握手：发送失败只上报，不拆链
			if e.send(HeartbeatPayload) {
				observe.IncHeartbeat()
				logger.L().Sugar().Debugw("heartbeat_sent", "address", e.address)
			}
		}
	}
}

func (e *entry) send(payload []byte) bool {
	if !e.isConnected() {
		return false
	}
	if len(payload) > message.MaxFrameSize {
		e.listener.OnError(e.address, fmt.Sprintf("failed to send: frame too large: %d", len(payload)))
		return false
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.conn.Write(header); err != nil {
		e.listener.OnError(e.address, "failed to send: "+err.Error())
		return false
	}
	if _, err := e.conn.Write(payload); err != nil {
		e.listener.OnError(e.address, "failed to send: "+err.Error())
		return false
	}
	e.bytesSent.Add(int64(len(payload)) + 4)
	e.touch()
	observe.IncMessage("sent")
	return true
}

func (e *entry) isConnected() bool {
	return e.connected.Load() && e.conn.IsOpen()
}

func (e *entry) setPaused(p bool) {
	e.paused.Store(p)
	logger.L().Sugar().Debugw("reading_paused_set", "address", e.address, "paused", p)
}

func (e *entry) touch() {
	e.lastTraffic.Store(time.Now().UnixMilli())
}

// acquire 独占裸流：先置暂停标志让读循环停下，再拿读写两把锁。
// 读循环最迟一个 pollInterval 后让出；已经到了一半的帧会先被读完。
func (e *entry) acquire() (*Lease, error) {
	if !e.isConnected() {
		return nil, ErrNoConnection
	}
	e.setPaused(true)
	e.readMu.Lock()
	e.writeMu.Lock()
	if !e.conn.IsOpen() {
		e.writeMu.Unlock()
		e.readMu.Unlock()
		e.setPaused(false)
		return nil, ErrNoConnection
	}
	_ = e.conn.SetReadDeadline(time.Time{})
	return &Lease{entry: e}, nil
}

// shutdown 幂等：置关闭标志、关流、叫停心跳。断连通知统一由读循环
// 退出路径发出，保证资源只释放一次。
func (e *entry) shutdown() {
	e.shutOnce.Do(func() {
		e.closed.Store(true)
		e.connected.Store(false)
		close(e.stop)
		_ = e.conn.Close()
	})
}

func (e *entry) awaitExit() {
	<-e.exited
}

func (e *entry) teardown() {
	e.shutdown()
	if e.announced.Load() {
		observe.AddActive(-1)
		observe.IncConnection("lost")
	}
	e.reg.drop(e)
	e.listener.OnDisconnected(e.address)
	close(e.exited)
}

func (e *entry) stats() Stats {
	return Stats{
		Address:       e.address,
		Connected:     e.isConnected(),
		ConnectTime:   e.connectTime,
		Uptime:        time.Since(e.connectTime),
		BytesSent:     e.bytesSent.Load(),
		BytesReceived: e.bytesReceived.Load(),
		LastTraffic:   time.UnixMilli(e.lastTraffic.Load()),
		ReadProbes:    int(e.readProbes.Load()),
		ReadingPaused: e.paused.Load(),
	}
}

// Lease 裸流的独占租约，同一时刻一个连接最多一份
type Lease struct {
	entry   *entry
	relOnce sync.Once
}

// Stream 返回租约覆盖的裸流
func (l *Lease) Stream() stream.Conn { return l.entry.conn }

// Address 返回对端地址
func (l *Lease) Address() string { return l.entry.address }

// AddBytesSent 把传输字节计入连接统计
func (l *Lease) AddBytesSent(n int64) { l.entry.bytesSent.Add(n); l.entry.touch() }

// AddBytesReceived 把接收字节计入连接统计
func (l *Lease) AddBytesReceived(n int64) { l.entry.bytesReceived.Add(n); l.entry.touch() }

// Release 归还流并恢复读循环，可重复调用
func (l *Lease) Release() {
	l.relOnce.Do(func() {
		l.entry.writeMu.Unlock()
		l.entry.readMu.Unlock()
		l.entry.setPaused(false)
	})
}
