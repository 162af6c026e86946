package notify

import (
	"time"

	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/internal/stream"
)

type EventType int

const (
	// EventAny 订阅所有事件类型
	EventAny EventType = iota
	EventConnectionEstablished
	EventConnectionLost
	EventMessageReceived
	EventTransferProgress
	EventTransferCompleted
	EventTransferFailed
	EventTransferCancelled
	EventReconnectAttempt
	EventReconnectSuccess
	EventReconnectFailed
	EventReconnectAborted
	EventDeviceDiscovered
	EventScanCompleted
	EventServerStarted
	EventServerStopped
	EventError
)

// Event 上行通知的统一接口
type Event interface {
	Type() EventType
	Time() time.Time
}

type ConnectionEstablished struct {
	When    time.Time
	Address string
}

func (e *ConnectionEstablished) Type() EventType { return EventConnectionEstablished }
func (e *ConnectionEstablished) Time() time.Time { return e.When }

type ConnectionLost struct {
	When    time.Time
	Address string
	Reason  string
}

func (e *ConnectionLost) Type() EventType { return EventConnectionLost }
func (e *ConnectionLost) Time() time.Time { return e.When }

// MessageReceived 已经过 filter 链处理的入站消息，metadata 带 senderAddress
type MessageReceived struct {
	When    time.Time
	From    string
	Message *message.Message
}

func (e *MessageReceived) Type() EventType { return EventMessageReceived }
func (e *MessageReceived) Time() time.Time { return e.When }

type TransferProgress struct {
	When             time.Time
	TransferID       string
	FileName         string
	TotalBytes       int64
	TransferredBytes int64
	Percentage       float64
}

func (e *TransferProgress) Type() EventType { return EventTransferProgress }
func (e *TransferProgress) Time() time.Time { return e.When }

type TransferCompleted struct {
	When       time.Time
	TransferID string
	FileName   string
	Path       string
}

func (e *TransferCompleted) Type() EventType { return EventTransferCompleted }
func (e *TransferCompleted) Time() time.Time { return e.When }

type TransferFailed struct {
	When       time.Time
	TransferID string
	FileName   string
	Reason     string
}

func (e *TransferFailed) Type() EventType { return EventTransferFailed }
func (e *TransferFailed) Time() time.Time { return e.When }

type TransferCancelled struct {
	When       time.Time
	TransferID string
	FileName   string
}

func (e *TransferCancelled) Type() EventType { return EventTransferCancelled }
func (e *TransferCancelled) Time() time.Time { return e.When }

type ReconnectAttempt struct {
	When        time.Time
	Address     string
	Attempt     int
	MaxAttempts int
}

func (e *ReconnectAttempt) Type() EventType { return EventReconnectAttempt }
func (e *ReconnectAttempt) Time() time.Time { return e.When }

type ReconnectSuccess struct {
	When     time.Time
	Address  string
	Attempts int
}

func (e *ReconnectSuccess) Type() EventType { return EventReconnectSuccess }
func (e *ReconnectSuccess) Time() time.Time { return e.When }

type ReconnectFailed struct {
	When     time.Time
	Address  string
	Attempts int
}

func (e *ReconnectFailed) Type() EventType { return EventReconnectFailed }
func (e *ReconnectFailed) Time() time.Time { return e.When }

type ReconnectAborted struct {
	When    time.Time
	Address string
	Reason  string
}

func (e *ReconnectAborted) Type() EventType { return EventReconnectAborted }
func (e *ReconnectAborted) Time() time.Time { return e.When }

type DeviceDiscovered struct {
	When   time.Time
	Device stream.Device
}

func (e *DeviceDiscovered) Type() EventType { return EventDeviceDiscovered }
func (e *DeviceDiscovered) Time() time.Time { return e.When }

type ScanCompleted struct {
	When    time.Time
	Devices []stream.Device
}

func (e *ScanCompleted) Type() EventType { return EventScanCompleted }
func (e *ScanCompleted) Time() time.Time { return e.When }

type ServerStarted struct {
	When        time.Time
	ServiceName string
}

func (e *ServerStarted) Type() EventType { return EventServerStarted }
func (e *ServerStarted) Time() time.Time { return e.When }

type ServerStopped struct {
	When time.Time
}

func (e *ServerStopped) Type() EventType { return EventServerStopped }
func (e *ServerStopped) Time() time.Time { return e.When }

// Error 通用错误通知，带人类可读的原因
type Error struct {
	When    time.Time
	Message string
}

func (e *Error) Type() EventType { return EventError }
func (e *Error) Time() time.Time { return e.When }
