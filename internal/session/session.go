// Package session ties the lower layers together: it owns the registry,
// filter chain, transfer engine, reconnect supervisor and notifier, and
// translates registry events into application-facing notifications.
package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aclij/btransfer/internal/config"
	"github.com/aclij/btransfer/internal/filter"
	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/internal/reconnect"
	"github.com/aclij/btransfer/internal/registry"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/internal/transfer"
	"github.com/aclij/btransfer/pkg/logger"
)

var (
	ErrSendFailed = errors.New("session: send failed")
)

// FileResolver 把对端请求的文件名映射到本地路径，
// 返回 false 表示不提供该文件
type FileResolver func(name string) (string, bool)

// Manager 进程内唯一的会话核心，server 和 client 角色共用
type Manager struct {
	cfg      *config.Config
	registry *registry.Registry
	chain    *filter.Chain
	notifier *notify.Notifier
	engine   *transfer.Engine
	super    *reconnect.Supervisor
	dialer   stream.Dialer

	mu       sync.RWMutex
	resolver FileResolver
	closed   bool
}

func NewManager(cfg *config.Config, dialer stream.Dialer) *Manager {
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
	}
	m.notifier = notify.NewNotifier(cfg.OutBuffer)
	m.chain = filter.NewChain()
	m.engine = transfer.NewEngine(m.notifier)
	m.registry = registry.New(registry.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadProbes:        cfg.ReadProbes,
		ProbeDelay:        cfg.ProbeDelay,
	})
	m.super = reconnect.NewSupervisor(reconnect.Config{
		Enabled:      cfg.ReconnectEnabled,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		InitialDelay: cfg.ReconnectInitialDelay,
		MaxDelay:     cfg.ReconnectMaxDelay,
	}, m.redial, m.notifier)
	return m
}

func (m *Manager) Registry() *registry.Registry     { return m.registry }
func (m *Manager) Chain() *filter.Chain             { return m.chain }
func (m *Manager) Notifier() *notify.Notifier       { return m.notifier }
func (m *Manager) Transfers() *transfer.Engine      { return m.engine }
func (m *Manager) Reconnect() *reconnect.Supervisor { return m.super }

// SetFileResolver 配置 file_request 的响应策略，nil 表示只上报事件
func (m *Manager) SetFileResolver(r FileResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

// Attach 把一条新链路交给 registry 接管。autoReconnect 只对主动拨出的
// 链路为 true，服务端接受的链路断开后由对端负责重连。
func (m *Manager) Attach(address string, conn stream.Conn, autoReconnect bool) {
	m.registry.Add(address, conn, &link{mgr: m, autoReconnect: autoReconnect})
}

// SendMessage 出站链路：过滤链 -> 编码 -> 帧写。
// Validation 失败向上抛，其他过滤器错误 fail-open。
func (m *Manager) SendMessage(address string, msg *message.Message) error {
	out, err := m.chain.ApplyOutgoing(msg)
	if err != nil {
		return err
	}
	payload, err := message.Encode(out)
	if err != nil {
		return err
	}
	if !m.registry.Send(address, payload) {
		return ErrSendFailed
	}
	return nil
}

// SendText 发一条最普通的文本消息
func (m *Manager) SendText(address, content string) error {
	return m.SendMessage(address, message.NewText(content))
}

// SendDeviceInfo 把本机标识发给对端
func (m *Manager) SendDeviceInfo(address string) error {
	msg := &message.Message{
		Type:      message.TypeDeviceInfo,
		Content:   m.cfg.ServiceName,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  map[string]any{message.MetaDeviceAddress: address},
	}
	return m.SendMessage(address, msg)
}

// redial 重连监督器的一次完整尝试：拨号成功即重新入册
func (m *Manager) redial(ctx context.Context, address string) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dctx, address)
	if err != nil {
		return err
	}
	m.Attach(address, conn, true)
	return nil
}

// Close 幂等关停：先停重连和传输，再撤所有连接，最后排空通知队列
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	// 先禁用监督器，registry 关停触发的丢链事件才不会再起新任务
	cfg := m.super.Config()
	cfg.Enabled = false
	m.super.SetConfig(cfg)
	m.super.AbortAll("shutting down")
	m.engine.CancelAll()
	m.registry.Close()
	m.notifier.Close()
}

// link registry.Listener 的实现，一条连接一个实例
type link struct {
	mgr           *Manager
	autoReconnect bool
}

func (l *link) OnConnected(address string) {
	l.mgr.notifier.Post(&notify.ConnectionEstablished{When: time.Now(), Address: address})
}

func (l *link) OnDisconnected(address string) {
	const reason = "connection closed"
	l.mgr.notifier.Post(&notify.ConnectionLost{When: time.Now(), Address: address, Reason: reason})
	if l.autoReconnect {
		l.mgr.super.Start(address, reason)
	}
}

func (l *link) OnError(address, errMsg string) {
	l.mgr.notifier.Post(&notify.Error{When: time.Now(), Message: address + ": " + errMsg})
}

// OnData 在读循环 goroutine 上同步执行，这里可以安全地 Acquire 同一条流
func (l *link) OnData(address string, payload []byte) {
	if bytes.Equal(payload, registry.HeartbeatPayload) {
		observe.IncHeartbeat()
		logger.L().Sugar().Debugw("heartbeat_received", "address", address)
		return
	}

	msg := message.Decode(payload)
	msg.Meta()[message.MetaSenderAddress] = address
	processed, err := l.mgr.chain.ApplyIncoming(msg)
	if err != nil {
		logger.L().Sugar().Warnw("inbound_message_rejected", "address", address, "err", err)
		l.mgr.notifier.Post(&notify.Error{When: time.Now(), Message: "message rejected: " + err.Error()})
		return
	}

	switch processed.Type {
	case message.TypeDeviceInfoRequest:
		go func() {
			if err := l.mgr.SendDeviceInfo(address); err != nil {
				logger.L().Sugar().Warnw("device_info_reply_failed", "address", address, "err", err)
			}
		}()
	case message.TypeFileRequest:
		l.serveFileRequest(address, processed)
	}

	l.mgr.notifier.Post(&notify.MessageReceived{When: time.Now(), From: address, Message: processed})
}

// serveFileRequest 对端要文件：租下流并开始上传。
// Acquire 在读循环自身的回调里执行，下一次迭代读循环就会停下。
func (l *link) serveFileRequest(address string, msg *message.Message) {
	l.mgr.mu.RLock()
	resolver := l.mgr.resolver
	l.mgr.mu.RUnlock()
	if resolver == nil {
		return
	}
	path, ok := resolver(msg.Content)
	if !ok {
		logger.L().Sugar().Warnw("file_request_refused", "address", address, "file", msg.Content)
		l.mgr.notifier.Post(&notify.Error{When: time.Now(), Message: "file not available: " + msg.Content})
		return
	}
	lease, err := l.mgr.registry.Acquire(address)
	if err != nil {
		l.mgr.notifier.Post(&notify.Error{When: time.Now(), Message: "cannot serve file: " + err.Error()})
		return
	}
	l.mgr.engine.StartUpload(lease, path)
}
