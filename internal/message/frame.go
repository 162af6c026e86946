package message

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize 单帧硬上限，防御失控的长度前缀
const MaxFrameSize = 16 * 1024 * 1024

// readBufSize 读缓冲大小；RFCOMM 链路上 32KB 足够摊薄单次读的开销
const readBufSize = 32 * 1024

// FrameCodec 数据包的编解码器，使用 4 字节大端长度前缀帧格式。
// 读写各自持锁，同一个 codec 可以被读循环和发送方并发使用。
type FrameCodec struct {
	readMu  sync.Mutex
	writeMu sync.Mutex
	bufPool *sync.Pool
}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{
		bufPool: &sync.Pool{
			New: func() any {
				return make([]byte, readBufSize)
			},
		},
	}
}

// WriteFrame 先发长度，再发内容，整体在写锁内保证不被交错
func (c *FrameCodec) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame 读取一个完整帧并返回调用者可持有的拷贝
func (c *FrameCodec) ReadFrame(r io.Reader) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(header))
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := c.bufPool.Get().([]byte)
	if cap(buf) < length {
		// 容量不足，换新缓冲区，旧的交给 GC
		buf = make([]byte, length)
	} else {
		buf = buf[:length]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		c.bufPool.Put(buf[:cap(buf)])
		return nil, err
	}
	data := make([]byte, length)
	copy(data, buf)
	c.bufPool.Put(buf[:cap(buf)])
	return data, nil
}
