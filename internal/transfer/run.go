package transfer

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/pkg/logger"
)

func (e *Engine) runUpload(t *task) {
	defer t.lease.Release()

	f, err := os.Open(t.localPath)
	if err != nil {
		e.fail(t, "failed to open file: "+err.Error())
		return
	}
	defer f.Close()

	stream := t.lease.Stream()
	total := t.totalBytes.Load()

	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(total))
	if _, err := stream.Write(prefix[:]); err != nil {
		if t.cancelled.Load() {
			e.cancelledUpload(t)
			return
		}
		e.fail(t, "failed to send file size: "+err.Error())
		return
	}
	t.lease.AddBytesSent(8)

	buf := make([]byte, ChunkSize)
	lastProgress := time.Now()
	for {
		if t.cancelled.Load() {
			e.cancelledUpload(t)
			return
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				if t.cancelled.Load() {
					e.cancelledUpload(t)
					return
				}
				e.fail(t, "write failed: "+werr.Error())
				return
			}
			t.lease.AddBytesSent(int64(n))
			observe.AddTransferBytes(float64(n))
			moved := t.transferred.Add(int64(n))
			if time.Since(lastProgress) >= progressInterval {
				lastProgress = time.Now()
				e.progress(t, moved, total)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			e.fail(t, "read failed: "+rerr.Error())
			return
		}
	}

	if t.cancelled.Load() {
		e.cancelledUpload(t)
		return
	}
	e.complete(t, t.localPath)
}

func (e *Engine) runDownload(t *task) {
	defer t.lease.Release()

	out, err := os.Create(t.localPath)
	if err != nil {
		e.fail(t, "failed to create file: "+err.Error())
		return
	}

	stream := t.lease.Stream()

	var prefix [8]byte
	if _, err := io.ReadFull(stream, prefix[:]); err != nil {
		out.Close()
		if t.cancelled.Load() {
			e.cancelledDownload(t, out.Name())
			return
		}
		e.fail(t, "failed to read file size: "+err.Error())
		return
	}
	t.lease.AddBytesReceived(8)
	total := int64(binary.BigEndian.Uint64(prefix[:]))
	t.totalBytes.Store(total)

	buf := make([]byte, ChunkSize)
	lastProgress := time.Now()
	var moved int64
	for moved < total {
		if t.cancelled.Load() {
			out.Close()
			e.cancelledDownload(t, t.localPath)
			return
		}
		want := int64(len(buf))
		if remaining := total - moved; remaining < want {
			want = remaining
		}
		n, rerr := stream.Read(buf[:want])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				e.fail(t, "write failed: "+werr.Error())
				return
			}
			t.lease.AddBytesReceived(int64(n))
			observe.AddTransferBytes(float64(n))
			moved = t.transferred.Add(int64(n))
			if time.Since(lastProgress) >= progressInterval {
				lastProgress = time.Now()
				e.progress(t, moved, total)
			}
		}
		if rerr != nil {
			out.Close()
			if t.cancelled.Load() {
				e.cancelledDownload(t, t.localPath)
				return
			}
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				e.fail(t, "unexpected end of stream")
				return
			}
			e.fail(t, "read failed: "+rerr.Error())
			return
		}
	}

	if err := out.Close(); err != nil {
		e.fail(t, "failed to flush file: "+err.Error())
		return
	}
	if t.cancelled.Load() {
		e.cancelledDownload(t, t.localPath)
		return
	}
	e.complete(t, t.localPath)
}

// progress 在途进度，百分比单调不减
func (e *Engine) progress(t *task, moved, total int64) {
	e.notifier.Post(&notify.TransferProgress{
		When:             time.Now(),
		TransferID:       t.id,
		FileName:         t.fileName(),
		TotalBytes:       total,
		TransferredBytes: moved,
		Percentage:       percentage(moved, total),
	})
}

func (e *Engine) complete(t *task, path string) {
	t.done.Do(func() {
		e.active.Delete(t.id)
		observe.IncTransfer("completed")
		total := t.totalBytes.Load()
		// 终态前保证出现过一次 100% 的进度
		e.notifier.Post(&notify.TransferProgress{
			When:             time.Now(),
			TransferID:       t.id,
			FileName:         t.fileName(),
			TotalBytes:       total,
			TransferredBytes: total,
			Percentage:       100,
		})
		e.notifier.Post(&notify.TransferCompleted{
			When:       time.Now(),
			TransferID: t.id,
			FileName:   t.fileName(),
			Path:       path,
		})
		logger.L().Sugar().Infow("transfer_completed", "transfer", t.id, "file", t.fileName(), "bytes", total)
	})
}

func (e *Engine) fail(t *task, reason string) {
	t.done.Do(func() {
		e.active.Delete(t.id)
		observe.IncTransfer("failed")
		e.notifier.Post(&notify.TransferFailed{
			When:       time.Now(),
			TransferID: t.id,
			FileName:   t.fileName(),
			Reason:     reason,
		})
		logger.L().Sugar().Warnw("transfer_failed", "transfer", t.id, "file", t.fileName(), "reason", reason)
	})
}

func (e *Engine) cancelledUpload(t *task) {
	t.done.Do(func() {
		e.active.Delete(t.id)
		observe.IncTransfer("cancelled")
		e.notifier.Post(&notify.TransferCancelled{
			When:       time.Now(),
			TransferID: t.id,
			FileName:   t.fileName(),
		})
		logger.L().Sugar().Infow("transfer_cancelled", "transfer", t.id, "file", t.fileName())
	})
}

// cancelledDownload 取消时删掉写到一半的文件
func (e *Engine) cancelledDownload(t *task, path string) {
	t.done.Do(func() {
		e.active.Delete(t.id)
		observe.IncTransfer("cancelled")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.L().Sugar().Warnw("partial_file_remove_failed", "path", path, "err", err)
		}
		e.notifier.Post(&notify.TransferCancelled{
			When:       time.Now(),
			TransferID: t.id,
			FileName:   t.fileName(),
		})
		logger.L().Sugar().Infow("transfer_cancelled", "transfer", t.id, "file", t.fileName())
	})
}
