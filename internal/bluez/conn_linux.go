//go:build linux

package bluez

import (
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aclij/btransfer/internal/stream"
)

// fdConn 把 RFCOMM socket fd 包成 stream.Conn。fd 要先切换到
// 非阻塞模式，os.File 的 deadline 才能生效。
type fdConn struct {
	f      *os.File
	remote string
	closed atomic.Bool
}

func newFDConn(fd int, remote string) (stream.Conn, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &fdConn{f: os.NewFile(uintptr(fd), "rfcomm"), remote: remote}, nil
}

func (c *fdConn) IsOpen() bool { return !c.closed.Load() }

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	if err != nil && !stream.IsTimeout(err) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	if err != nil && !stream.IsTimeout(err) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *fdConn) SetReadDeadline(t time.Time) error { return c.f.SetReadDeadline(t) }

func (c *fdConn) Close() error {
	c.closed.Store(true)
	return c.f.Close()
}

func (c *fdConn) RemoteAddr() string { return c.remote }
