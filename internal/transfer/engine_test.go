package transfer

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/registry"
	"github.com/aclij/btransfer/internal/stream"
)

type nopListener struct{}

func (nopListener) OnConnected(string)     {}
func (nopListener) OnDisconnected(string)  {}
func (nopListener) OnData(string, []byte)  {}
func (nopListener) OnError(string, string) {}

// eventTap 按类型收集传输事件
type eventTap struct {
	mu        sync.Mutex
	progress  []*notify.TransferProgress
	completed []*notify.TransferCompleted
	failed    []*notify.TransferFailed
	cancelled []*notify.TransferCancelled
	terminal  chan struct{}
}

func tapTransfers(n *notify.Notifier) *eventTap {
	tap := &eventTap{terminal: make(chan struct{}, 4)}
	n.Subscribe(notify.EventAny, func(e notify.Event) {
		tap.mu.Lock()
		defer tap.mu.Unlock()
		switch ev := e.(type) {
		case *notify.TransferProgress:
			tap.progress = append(tap.progress, ev)
		case *notify.TransferCompleted:
			tap.completed = append(tap.completed, ev)
			tap.terminal <- struct{}{}
		case *notify.TransferFailed:
			tap.failed = append(tap.failed, ev)
			tap.terminal <- struct{}{}
		case *notify.TransferCancelled:
			tap.cancelled = append(tap.cancelled, ev)
			tap.terminal <- struct{}{}
		}
	})
	return tap
}

func (tap *eventTap) awaitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-tap.terminal:
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal transfer event")
	}
}

// leasedPipe 建一条入册的连接并立刻租下流
func leasedPipe(t *testing.T) (*registry.Lease, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	reg := registry.New(registry.Options{HeartbeatInterval: time.Minute})
	t.Cleanup(reg.Close)
	reg.Add("dev", stream.WrapNetConn(a, "dev"), nopListener{})
	require.Eventually(t, func() bool { return reg.IsConnected("dev") }, time.Second, 5*time.Millisecond)

	lease, err := reg.Acquire("dev")
	require.NoError(t, err)
	return lease, b
}

func TestUploadTenByteFile(t *testing.T) {
	n := notify.NewNotifier(32)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	src := filepath.Join(t.TempDir(), "ten.bin")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	lease, peer := leasedPipe(t)

	type wire struct {
		prefix uint64
		body   []byte
	}
	got := make(chan wire, 1)
	go func() {
		var header [8]byte
		if _, err := io.ReadFull(peer, header[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint64(header[:])
		body := make([]byte, size)
		if _, err := io.ReadFull(peer, body); err != nil {
			return
		}
		got <- wire{prefix: size, body: body}
	}()

	id := engine.StartUpload(lease, src)
	require.NotEmpty(t, id)

	w := <-got
	assert.Equal(t, uint64(10), w.prefix)
	assert.Equal(t, []byte("0123456789"), w.body)

	tap.awaitTerminal(t)
	n.Close()

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.progress, 1, "small file gets exactly one progress event")
	assert.Equal(t, float64(100), tap.progress[0].Percentage)
	assert.Equal(t, int64(10), tap.progress[0].TransferredBytes)
	require.Len(t, tap.completed, 1)
	assert.Equal(t, id, tap.completed[0].TransferID)
	assert.Empty(t, tap.failed)
	assert.Empty(t, tap.cancelled)
	assert.Empty(t, engine.ActiveIDs())
}

func TestUploadMissingFileFailsSynchronously(t *testing.T) {
	n := notify.NewNotifier(8)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	lease, _ := leasedPipe(t)
	id := engine.StartUpload(lease, filepath.Join(t.TempDir(), "absent.bin"))
	assert.Empty(t, id)

	tap.awaitTerminal(t)
	n.Close()

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.failed, 1)
	assert.Contains(t, tap.failed[0].Reason, "File not found")
}

func TestDownloadRoundTrip(t *testing.T) {
	n := notify.NewNotifier(32)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	lease, peer := leasedPipe(t)
	save := filepath.Join(t.TempDir(), "nested", "out.bin")

	content := []byte("file sent over a leased stream")
	go func() {
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], uint64(len(content)))
		_, _ = peer.Write(header[:])
		_, _ = peer.Write(content)
	}()

	id := engine.StartDownload(lease, "out.bin", save)
	require.NotEmpty(t, id)

	tap.awaitTerminal(t)
	n.Close()

	written, err := os.ReadFile(save)
	require.NoError(t, err)
	assert.Equal(t, content, written)

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.completed, 1)
	assert.Equal(t, save, tap.completed[0].Path)
	require.NotEmpty(t, tap.progress)
	last := tap.progress[len(tap.progress)-1]
	assert.Equal(t, float64(100), last.Percentage)
	for i := 1; i < len(tap.progress); i++ {
		assert.GreaterOrEqual(t, tap.progress[i].Percentage, tap.progress[i-1].Percentage)
	}
}

func TestDownloadPrematureEOFFails(t *testing.T) {
	n := notify.NewNotifier(8)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	lease, peer := leasedPipe(t)
	save := filepath.Join(t.TempDir(), "short.bin")

	go func() {
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], 1000)
		_, _ = peer.Write(header[:])
		_, _ = peer.Write([]byte("only this"))
		peer.Close()
	}()

	id := engine.StartDownload(lease, "short.bin", save)
	require.NotEmpty(t, id)

	tap.awaitTerminal(t)
	n.Close()

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.failed, 1)
	assert.Empty(t, tap.completed)
}

func TestCancelDownloadDeletesPartialFile(t *testing.T) {
	n := notify.NewNotifier(8)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	lease, peer := leasedPipe(t)
	save := filepath.Join(t.TempDir(), "partial.bin")

	started := make(chan struct{})
	go func() {
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], 1<<20)
		_, _ = peer.Write(header[:])
		_, _ = peer.Write([]byte("some early bytes"))
		close(started)
		// 之后保持沉默，下载方会卡在读上直到被取消
	}()

	id := engine.StartDownload(lease, "partial.bin", save)
	require.NotEmpty(t, id)
	<-started
	time.Sleep(100 * time.Millisecond)

	require.True(t, engine.Cancel(id))
	tap.awaitTerminal(t)
	n.Close()

	_, err := os.Stat(save)
	assert.True(t, os.IsNotExist(err), "partial download must be deleted")

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.cancelled, 1)
	assert.Empty(t, tap.completed)
	assert.Empty(t, tap.failed)
}

func TestCancelUploadKeepsSourceFile(t *testing.T) {
	n := notify.NewNotifier(8)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, 256*1024), 0o644))

	lease, _ := leasedPipe(t)
	// 对端不读，上传会阻塞在写上
	id := engine.StartUpload(lease, src)
	require.NotEmpty(t, id)
	time.Sleep(100 * time.Millisecond)

	require.True(t, engine.Cancel(id))
	tap.awaitTerminal(t)
	n.Close()

	_, err := os.Stat(src)
	assert.NoError(t, err, "source file untouched after cancel")

	tap.mu.Lock()
	defer tap.mu.Unlock()
	require.Len(t, tap.cancelled, 1)
	assert.Empty(t, tap.completed)
	assert.Empty(t, tap.failed)
}

func TestCancelUnknownIDIsSilent(t *testing.T) {
	n := notify.NewNotifier(8)
	tap := tapTransfers(n)
	engine := NewEngine(n)

	assert.False(t, engine.Cancel("transfer_0_deadbeef"))
	n.Close()

	tap.mu.Lock()
	defer tap.mu.Unlock()
	assert.Empty(t, tap.progress)
	assert.Empty(t, tap.cancelled)
	assert.Empty(t, tap.failed)
}

func TestTransferInfoSnapshot(t *testing.T) {
	n := notify.NewNotifier(8)
	engine := NewEngine(n)

	lease, peer := leasedPipe(t)
	save := filepath.Join(t.TempDir(), "info.bin")

	go func() {
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], 1<<20)
		_, _ = peer.Write(header[:])
		_, _ = peer.Write(make([]byte, 4096))
	}()

	id := engine.StartDownload(lease, "info.bin", save)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		info, ok := engine.TransferInfo(id)
		return ok && info.TransferredBytes > 0
	}, 3*time.Second, 20*time.Millisecond)

	info, ok := engine.TransferInfo(id)
	require.True(t, ok)
	assert.Equal(t, DirectionDownload, info.Direction)
	assert.Equal(t, "info.bin", info.FileName)
	assert.Equal(t, int64(1<<20), info.TotalBytes)
	assert.Contains(t, engine.ActiveIDs(), id)

	engine.Cancel(id)
	n.Close()
}
