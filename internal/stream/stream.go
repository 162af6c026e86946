// Package stream defines the byte-stream, listener and discovery
// abstractions the connection layer runs on. Implementations exist for
// BlueZ RFCOMM sockets (internal/bluez) and plain net.Conn (below), which
// doubles as the TCP fallback transport and the in-memory test transport.
package stream

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Conn 有序字节流，一端一个远端地址。
// SetReadDeadline 是读循环让出流所有权的关键：net.Conn 原生支持，
// RFCOMM 的 fd 设为非阻塞后由 os.File 提供同样的语义。
type Conn interface {
	// IsOpen reports whether the underlying stream is still usable.
	IsOpen() bool
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound connections for the server role.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

// Device 扫描结果的最小描述
type Device struct {
	Address string // required, unique key
	Name    string // optional
	Paired  bool
}

// Discovery yields discovered-device records until the scan window closes.
// Implementations must close the channel when ctx is done.
type Discovery interface {
	Scan(ctx context.Context) (<-chan Device, error)
}

// Dialer opens an outbound connection to a device address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// netConn adapts a net.Conn to Conn. The open flag flips once on Close or
// on the first read/write error, which is how RFCOMM sockets report
// liveness too.
type netConn struct {
	net.Conn
	remote string
	closed atomic.Bool
}

// WrapNetConn adapts c; remote overrides c.RemoteAddr() when non-empty
// (net.Pipe has no meaningful address).
func WrapNetConn(c net.Conn, remote string) Conn {
	if remote == "" && c.RemoteAddr() != nil {
		remote = c.RemoteAddr().String()
	}
	return &netConn{Conn: c, remote: remote}
}

func (c *netConn) IsOpen() bool { return !c.closed.Load() }

// IsTimeout 判断读写错误是不是 deadline 到期，到期不算连接故障
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *netConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil && !IsTimeout(err) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *netConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil && !IsTimeout(err) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *netConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (c *netConn) RemoteAddr() string { return c.remote }

// netListener adapts a net.Listener.
type netListener struct {
	net.Listener
}

func WrapNetListener(ln net.Listener) Listener { return &netListener{ln} }

func (l *netListener) Accept() (Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return WrapNetConn(c, ""), nil
}
