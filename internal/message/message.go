package message

import (
	"encoding/json"
	"time"
)

// Well-known message types crossing the wire.
const (
	TypeText              = "text"
	TypeFileRequest       = "file_request"
	TypeDeviceInfo        = "device_info"
	TypeDeviceInfoRequest = "device_info_request"
)

// Metadata keys set by filters and session managers.
const (
	MetaCompressed    = "compressed"
	MetaDecompressed  = "decompressed"
	MetaOriginalSize  = "originalSize"
	MetaEncrypted     = "encrypted"
	MetaDecrypted     = "decrypted"
	MetaRoutedTo      = "routedTo"
	MetaSenderAddress = "senderAddress"
	MetaDeviceAddress = "deviceAddress"
)

// Message 一次发送/接收的结构化消息单元，不做持久化
type Message struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Data      []byte         `json:"data,omitempty"` // opaque binary payload, base64 in JSON
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"` // unix ms
}

// NewText builds a plain text message stamped with the current time.
func NewText(content string) *Message {
	return &Message{Type: TypeText, Content: content, Timestamp: time.Now().UnixMilli()}
}

// Meta returns the metadata map, allocating it on first use.
func (m *Message) Meta() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// MetaBool reads a boolean metadata flag; absent or non-bool counts as false.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, ok := m.Metadata[key].(bool)
	return ok && b
}

// MetaString reads a string metadata value; absent returns "".
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// Clone 浅拷贝消息并复制 metadata，filter 变换前先 Clone 以保持 fail-open 语义
func (m *Message) Clone() *Message {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Encode serializes a message to its wire payload (JSON).
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire payload. Payloads that are not valid JSON objects
// (heartbeat sentinels, legacy peers) fall back to a text message carrying
// the raw bytes as content.
func Decode(data []byte) *Message {
	var m Message
	if err := json.Unmarshal(data, &m); err == nil && m.Type != "" {
		return &m
	}
	return NewText(string(data))
}
