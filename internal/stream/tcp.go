package stream

import (
	"context"
	"net"
)

// TCPDialer 无 BlueZ 环境下的回退传输，也是测试里最方便的真实链路
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return WrapNetConn(c, address), nil
}

// ListenTCP TCP 回退监听
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return WrapNetListener(ln), nil
}
