// Package bluez 基于 BlueZ D-Bus API 的 RFCOMM 传输层。
// 通过 Profile1 注册 SPP profile，NewConnection 回调拿到内核建好的
// RFCOMM socket fd，之后的读写全部走这个 fd。
package bluez

const (
	// SPPUUID 串口服务的标准 UUID
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultChannel 服务端 profile 固定使用的 RFCOMM 信道
	DefaultChannel uint16 = 22
)
