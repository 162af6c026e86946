package session

import (
	"context"
	"fmt"
	"time"

	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

// Client 主动侧：扫描、拨号、请求文件
type Client struct {
	mgr       *Manager
	discovery stream.Discovery
}

func NewClient(mgr *Manager, discovery stream.Discovery) *Client {
	return &Client{mgr: mgr, discovery: discovery}
}

// Scan 时间盒内的设备发现，按地址去重，每个设备恰好上报一次。
// timeout <= 0 用配置默认值。
func (c *Client) Scan(ctx context.Context, timeout time.Duration) ([]stream.Device, error) {
	if timeout <= 0 {
		timeout = c.mgr.cfg.ScanTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := c.discovery.Scan(sctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var found []stream.Device
	for d := range ch {
		if seen[d.Address] {
			continue
		}
		seen[d.Address] = true
		found = append(found, d)
		c.mgr.notifier.Post(&notify.DeviceDiscovered{When: time.Now(), Device: d})
	}
	c.mgr.notifier.Post(&notify.ScanCompleted{When: time.Now(), Devices: found})
	logger.L().Sugar().Infow("scan_completed", "devices", len(found))
	return found, nil
}

// Connect 有界超时拨号，成功后入册并开启自动重连
func (c *Client) Connect(ctx context.Context, address string) error {
	dctx, cancel := context.WithTimeout(ctx, c.mgr.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.mgr.dialer.Dial(dctx, address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	c.mgr.Attach(address, conn, true)
	return nil
}

// Disconnect 主动断开：先掐掉重连任务再撤连接
func (c *Client) Disconnect(address string) bool {
	_ = c.mgr.super.Abort(address, "disconnected by user")
	return c.mgr.registry.Remove(address)
}

// RequestFile 向对端请求一个文件并下载到 savePath。
// 先租下流再发请求，保证对端的首批字节不会被读循环当帧头消费。
func (c *Client) RequestFile(address, remoteFileName, savePath string) (string, error) {
	req := &message.Message{
		Type:      message.TypeFileRequest,
		Content:   remoteFileName,
		Timestamp: time.Now().UnixMilli(),
	}
	out, err := c.mgr.chain.ApplyOutgoing(req)
	if err != nil {
		return "", err
	}
	payload, err := message.Encode(out)
	if err != nil {
		return "", err
	}

	lease, err := c.mgr.registry.Acquire(address)
	if err != nil {
		return "", err
	}
	// 租约持有写锁，请求帧直接写在租下的流上
	codec := message.NewFrameCodec()
	if err := codec.WriteFrame(lease.Stream(), payload); err != nil {
		lease.Release()
		return "", fmt.Errorf("file request %s: %w", address, err)
	}
	lease.AddBytesSent(int64(len(payload) + 4))

	id := c.mgr.engine.StartDownload(lease, remoteFileName, savePath)
	if id == "" {
		return "", fmt.Errorf("file request %s: download could not start", address)
	}
	return id, nil
}

// SendFile 把本地文件推给对端，对端需已在等待接收
func (c *Client) SendFile(address, filePath string) (string, error) {
	lease, err := c.mgr.registry.Acquire(address)
	if err != nil {
		return "", err
	}
	id := c.mgr.engine.StartUpload(lease, filePath)
	if id == "" {
		return "", fmt.Errorf("send file %s: upload could not start", address)
	}
	return id, nil
}

// RequestDeviceInfo 请求对端标识，响应作为普通管道消息回来
func (c *Client) RequestDeviceInfo(address string) error {
	return c.mgr.SendMessage(address, &message.Message{
		Type:      message.TypeDeviceInfoRequest,
		Timestamp: time.Now().UnixMilli(),
	})
}
