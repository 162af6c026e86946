// Package filter implements the ordered message transform chain applied to
// every message crossing the connection boundary. Filters are a closed set
// of kinds plus one open Custom variant; each kind gets its own constructor
// and the map-driven New factory covers dynamically configured setups.
package filter

import (
	"fmt"

	"github.com/aclij/btransfer/internal/message"
)

// Filter 一次可逆变换，按方向分别处理
type Filter interface {
	ID() string
	Priority() int
	ProcessIncoming(*message.Message) (*message.Message, error)
	ProcessOutgoing(*message.Message) (*message.Message, error)
}

// ValidationError marks a malformed message. Unlike every other filter
// error it aborts the apply and propagates to the send/receive caller.
type ValidationError struct {
	FilterID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed in filter %s: %s", e.FilterID, e.Reason)
}

type base struct {
	id       string
	priority int
}

func (b base) ID() string    { return b.id }
func (b base) Priority() int { return b.priority }

// New 按配置表构造内置 filter，type 字段选择变体。
// Custom filter 不走这里，直接用 NewCustom 传变换函数。
func New(id string, cfg map[string]any) (Filter, error) {
	typ, _ := cfg["type"].(string)
	priority := intValue(cfg["priority"], 0)

	switch typ {
	case "logging":
		return NewLogging(id, priority, boolValue(cfg["logIncoming"], true), boolValue(cfg["logOutgoing"], true)), nil
	case "compression":
		return NewCompression(id, priority, intValue(cfg["threshold"], 1024)), nil
	case "encryption":
		key, _ := cfg["key"].(string)
		return NewEncryption(id, priority, key)
	case "validation":
		return NewValidation(id, priority, stringsValue(cfg["requiredFields"])), nil
	case "routing":
		return NewRouting(id, priority, routesValue(cfg["routes"])), nil
	default:
		return nil, fmt.Errorf("unknown filter type: %q", typ)
	}
}

func intValue(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64: // JSON 解码出来的数字
		return int(n)
	default:
		return def
	}
}

func boolValue(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func stringsValue(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func routesValue(v any) map[string]string {
	switch r := v.(type) {
	case map[string]string:
		return r
	case map[string]any:
		out := make(map[string]string, len(r))
		for k, e := range r {
			if str, ok := e.(string); ok {
				out[k] = str
			}
		}
		return out
	default:
		return nil
	}
}
