package filter

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/pkg/logger"
)

// ---- logging ----

type loggingFilter struct {
	base
	logIncoming bool
	logOutgoing bool
}

// NewLogging 只打日志，消息原样通过
func NewLogging(id string, priority int, logIncoming, logOutgoing bool) Filter {
	return &loggingFilter{base{id, priority}, logIncoming, logOutgoing}
}

func (f *loggingFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	if f.logIncoming {
		logger.L().Sugar().Debugw("filter_incoming", "filter", f.id, "type", m.Type, "content", m.Content)
	}
	return m, nil
}

func (f *loggingFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	if f.logOutgoing {
		logger.L().Sugar().Debugw("filter_outgoing", "filter", f.id, "type", m.Type, "content", m.Content)
	}
	return m, nil
}

// ---- compression ----

type compressionFilter struct {
	base
	threshold int
}

// NewCompression 超过阈值的 content 做 gzip+base64，出入方向互逆
func NewCompression(id string, priority, threshold int) Filter {
	return &compressionFilter{base{id, priority}, threshold}
}

func (f *compressionFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	if len(m.Content) < f.threshold {
		return m, nil
	}
	compressed, err := gzipEncode(m.Content)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	out := m.Clone()
	out.Meta()[message.MetaOriginalSize] = len(m.Content)
	out.Meta()[message.MetaCompressed] = true
	out.Content = compressed
	return out, nil
}

func (f *compressionFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	// 只逆转确实压缩过的消息
	if !m.MetaBool(message.MetaCompressed) {
		return m, nil
	}
	plain, err := gzipDecode(m.Content)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	out := m.Clone()
	out.Content = plain
	delete(out.Metadata, message.MetaCompressed)
	out.Meta()[message.MetaDecompressed] = true
	return out, nil
}

func gzipEncode(content string) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func gzipDecode(content string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer gz.Close()
	plain, err := io.ReadAll(gz)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ---- encryption ----

// xorFilter 是一个演示用的对称密钥流占位实现。XOR 毫无密码学强度，
// 只用来验证 filter 链的可逆变换协议，换真实加密时替换这两个函数即可。
type xorFilter struct {
	base
	key []byte
}

func NewEncryption(id string, priority int, key string) (Filter, error) {
	if key == "" {
		return nil, errors.New("encryption filter requires a non-empty key")
	}
	return &xorFilter{base{id, priority}, []byte(key)}, nil
}

func (f *xorFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	if m.Content == "" {
		return m, nil
	}
	out := m.Clone()
	out.Content = base64.StdEncoding.EncodeToString(f.xor([]byte(m.Content)))
	out.Meta()[message.MetaEncrypted] = true
	return out, nil
}

func (f *xorFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	if !m.MetaBool(message.MetaEncrypted) {
		return m, nil
	}
	raw, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	out := m.Clone()
	out.Content = string(f.xor(raw))
	delete(out.Metadata, message.MetaEncrypted)
	out.Meta()[message.MetaDecrypted] = true
	return out, nil
}

func (f *xorFilter) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ f.key[i%len(f.key)]
	}
	return out
}

// ---- validation ----

type validationFilter struct {
	base
	requiredFields []string
}

// NewValidation 空 type 或缺少必填 metadata 字段时返回 ValidationError，
// 这是唯一一个以报错为职责的 filter
func NewValidation(id string, priority int, requiredFields []string) Filter {
	return &validationFilter{base{id, priority}, requiredFields}
}

func (f *validationFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	return m, f.validate(m)
}

func (f *validationFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	return m, f.validate(m)
}

func (f *validationFilter) validate(m *message.Message) error {
	if m.Type == "" {
		return &ValidationError{FilterID: f.id, Reason: "message type cannot be empty"}
	}
	for _, field := range f.requiredFields {
		if m.Metadata == nil {
			return &ValidationError{FilterID: f.id, Reason: "required field missing: " + field}
		}
		if v, ok := m.Metadata[field]; !ok || v == nil {
			return &ValidationError{FilterID: f.id, Reason: "required field missing: " + field}
		}
	}
	return nil
}

// ---- routing ----

type routingFilter struct {
	base
	routes map[string]string // message type -> destination hint
}

// NewRouting 命中路由规则时在 metadata 里带上 routedTo，两个方向行为一致
func NewRouting(id string, priority int, routes map[string]string) Filter {
	return &routingFilter{base{id, priority}, routes}
}

func (f *routingFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	return f.route(m), nil
}

func (f *routingFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	return f.route(m), nil
}

func (f *routingFilter) route(m *message.Message) *message.Message {
	dest, ok := f.routes[m.Type]
	if !ok {
		return m
	}
	out := m.Clone()
	out.Meta()[message.MetaRoutedTo] = dest
	return out
}

// ---- custom ----

// TransformFunc 用户自定义变换
type TransformFunc func(*message.Message) (*message.Message, error)

type customFilter struct {
	base
	incoming TransformFunc
	outgoing TransformFunc
}

// NewCustom wraps a user-supplied transform pair; nil means passthrough for
// that direction.
func NewCustom(id string, priority int, incoming, outgoing TransformFunc) Filter {
	return &customFilter{base{id, priority}, incoming, outgoing}
}

func (f *customFilter) ProcessIncoming(m *message.Message) (*message.Message, error) {
	if f.incoming == nil {
		return m, nil
	}
	return f.incoming(m)
}

func (f *customFilter) ProcessOutgoing(m *message.Message) (*message.Message, error) {
	if f.outgoing == nil {
		return m, nil
	}
	return f.outgoing(m)
}
