package filter

import (
	"errors"
	"sort"
	"sync"

	"github.com/aclij/btransfer/internal/message"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/pkg/logger"
)

// Chain 活动 filter 集合，按 id 去重存放，应用时按优先级现排。
// incoming 升序、outgoing 降序：外层 filter（如 priority 0 的 logging）
// 出方向最后执行、入方向最先执行，端到端对称，像协议栈的洋葱分层。
type Chain struct {
	mu      sync.RWMutex
	filters map[string]Filter
}

func NewChain() *Chain {
	return &Chain{filters: make(map[string]Filter)}
}

// Add 注册 filter，同 id 覆盖旧的
func (c *Chain) Add(f Filter) {
	c.mu.Lock()
	c.filters[f.ID()] = f
	c.mu.Unlock()
	logger.L().Sugar().Debugw("filter_added", "filter", f.ID(), "priority", f.Priority())
}

// Remove 移除 filter，返回是否存在
func (c *Chain) Remove(id string) bool {
	c.mu.Lock()
	_, ok := c.filters[id]
	delete(c.filters, id)
	c.mu.Unlock()
	return ok
}

func (c *Chain) Clear() {
	c.mu.Lock()
	c.filters = make(map[string]Filter)
	c.mu.Unlock()
}

// ActiveIDs 当前 filter id 快照，顺序不保证
func (c *Chain) ActiveIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.filters))
	for id := range c.filters {
		ids = append(ids, id)
	}
	return ids
}

// ApplyIncoming folds ProcessIncoming over the filters in ascending
// priority order.
func (c *Chain) ApplyIncoming(m *message.Message) (*message.Message, error) {
	return c.apply(m, true)
}

// ApplyOutgoing folds ProcessOutgoing over the filters in descending
// priority order.
func (c *Chain) ApplyOutgoing(m *message.Message) (*message.Message, error) {
	return c.apply(m, false)
}

func (c *Chain) apply(m *message.Message, incoming bool) (*message.Message, error) {
	current := m
	for _, f := range c.sorted(incoming) {
		var next *message.Message
		var err error
		if incoming {
			next, err = f.ProcessIncoming(current)
		} else {
			next, err = f.ProcessOutgoing(current)
		}
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				// 校验失败中止整条链，错误上抛给发送/接收方
				return nil, err
			}
			// 其余 filter 错误 fail-open：记一笔，消息保持该 filter 之前的样子
			observe.IncFilterError(f.ID())
			logger.L().Sugar().Warnw("filter_error", "filter", f.ID(), "incoming", incoming, "err", err)
			continue
		}
		current = next
	}
	return current, nil
}

// sorted 返回按方向排序的 filter 快照；同优先级按 id 保证确定性
func (c *Chain) sorted(ascending bool) []Filter {
	c.mu.RLock()
	out := make([]Filter, 0, len(c.filters))
	for _, f := range c.filters {
		out = append(out, f)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			if ascending {
				return out[i].Priority() < out[j].Priority()
			}
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
