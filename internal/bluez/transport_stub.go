//go:build !linux

package bluez

import (
	"context"
	"errors"

	"github.com/aclij/btransfer/internal/stream"
)

var errUnsupported = errors.New("bluez: bluetooth transport requires linux")

// Transport 非 linux 平台的占位实现
type Transport struct{}

func Open(serviceUUID string) (*Transport, error) { return nil, errUnsupported }

func (t *Transport) Listen(serviceName string) (stream.Listener, error) { return nil, errUnsupported }

func (t *Transport) Dial(ctx context.Context, address string) (stream.Conn, error) {
	return nil, errUnsupported
}

func (t *Transport) Scan(ctx context.Context) (<-chan stream.Device, error) {
	return nil, errUnsupported
}

func (t *Transport) Close() error { return nil }
