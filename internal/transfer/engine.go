// Package transfer moves whole files over an already-open connection
// stream, with progress notifications and cooperative cancellation. The
// wire format is a single 8-byte big-endian length prefix followed by
// exactly that many raw bytes; no filename, checksum or trailer.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/internal/registry"
	"github.com/aclij/btransfer/pkg/logger"
)

const (
	// ChunkSize 文件分块大小
	ChunkSize = 64 * 1024
	// progressInterval 进度通知的节流窗口
	progressInterval = 500 * time.Millisecond
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Engine 活动传输集合。每个任务独占租来的裸流跑在自己的 goroutine 上，
// 终态（completed/failed/cancelled）恰好发生一次并从集合移除。
type Engine struct {
	active   sync.Map // transferId -> *task
	notifier *notify.Notifier
}

func NewEngine(n *notify.Notifier) *Engine {
	return &Engine{notifier: n}
}

type task struct {
	id         string
	direction  string
	localPath  string
	remoteName string
	lease      *registry.Lease

	cancelled   atomic.Bool
	totalBytes  atomic.Int64
	transferred atomic.Int64
	startTime   time.Time

	done sync.Once // guards terminal transition
}

// Info 传输任务的时点快照
type Info struct {
	TransferID       string
	FileName         string
	FilePath         string
	Direction        string
	TotalBytes       int64
	TransferredBytes int64
	Percentage       float64
	StartTime        time.Time
	Cancelled        bool
}

// StartUpload 启动上传。本地文件不存在时同步发 failed 通知并返回空 id。
// 成功启动后租约归任务所有，终态时归还。
func (e *Engine) StartUpload(lease *registry.Lease, filePath string) string {
	name := filepath.Base(filePath)
	st, err := os.Stat(filePath)
	if err != nil || st.IsDir() {
		lease.Release()
		e.notifier.Post(&notify.TransferFailed{
			When: time.Now(), TransferID: "", FileName: name,
			Reason: "File not found: " + filePath,
		})
		return ""
	}

	t := &task{
		id:        newTransferID(),
		direction: DirectionUpload,
		localPath: filePath,
		lease:     lease,
		startTime: time.Now(),
	}
	t.totalBytes.Store(st.Size())
	e.active.Store(t.id, t)
	observe.IncTransfer("started")
	logger.L().Sugar().Infow("upload_started", "transfer", t.id, "file", name, "bytes", st.Size())

	go e.runUpload(t)
	return t.id
}

// StartDownload 启动下载，savePath 的父目录缺失时自动创建
func (e *Engine) StartDownload(lease *registry.Lease, remoteFileName, savePath string) string {
	if dir := filepath.Dir(savePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lease.Release()
			e.notifier.Post(&notify.TransferFailed{
				When: time.Now(), TransferID: "", FileName: remoteFileName,
				Reason: "failed to create directory: " + err.Error(),
			})
			return ""
		}
	}

	t := &task{
		id:         newTransferID(),
		direction:  DirectionDownload,
		localPath:  savePath,
		remoteName: remoteFileName,
		lease:      lease,
		startTime:  time.Now(),
	}
	e.active.Store(t.id, t)
	observe.IncTransfer("started")
	logger.L().Sugar().Infow("download_started", "transfer", t.id, "file", remoteFileName, "save", savePath)

	go e.runDownload(t)
	return t.id
}

// Cancel 置取消标志并强制关流，唤醒阻塞中的读写。未知 id 返回 false。
func (e *Engine) Cancel(transferID string) bool {
	v, ok := e.active.Load(transferID)
	if !ok {
		logger.L().Sugar().Warnw("cancel_unknown_transfer", "transfer", transferID)
		return false
	}
	t := v.(*task)
	t.cancelled.Store(true)
	// 关流是最后手段，把卡在 Read/Write 上的任务踢醒
	_ = t.lease.Stream().Close()
	logger.L().Sugar().Infow("transfer_cancel_requested", "transfer", transferID)
	return true
}

// CancelAll 取消全部在途传输，teardown 用
func (e *Engine) CancelAll() {
	e.active.Range(func(k, _ any) bool {
		e.Cancel(k.(string))
		return true
	})
}

// ActiveIDs 在途传输 id 快照
func (e *Engine) ActiveIDs() []string {
	var out []string
	e.active.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// TransferInfo 查询在途任务状态
func (e *Engine) TransferInfo(transferID string) (Info, bool) {
	v, ok := e.active.Load(transferID)
	if !ok {
		return Info{}, false
	}
	t := v.(*task)
	total := t.totalBytes.Load()
	moved := t.transferred.Load()
	return Info{
		TransferID:       t.id,
		FileName:         t.fileName(),
		FilePath:         t.localPath,
		Direction:        t.direction,
		TotalBytes:       total,
		TransferredBytes: moved,
		Percentage:       percentage(moved, total),
		StartTime:        t.startTime,
		Cancelled:        t.cancelled.Load(),
	}, true
}

func (t *task) fileName() string {
	if t.direction == DirectionDownload {
		return t.remoteName
	}
	return filepath.Base(t.localPath)
}

func percentage(moved, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(moved) / float64(total) * 100
}

func newTransferID() string {
	return fmt.Sprintf("transfer_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
