// Package reconnect supervises reconnection to peers whose link dropped
// unexpectedly. One task per remote address, exponential backoff, and a
// clear distinction between giving up (exhausted) and being told to stop
// (aborted).
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/pkg/logger"
)

const (
	minAttempts     = 1
	minInitialDelay = 500 * time.Millisecond
	minMaxDelay     = time.Second
	backoffFactor   = 1.5
)

// ConnectFunc 执行一次完整的重连（拨号 + 注册），由 session 层注入
type ConnectFunc func(ctx context.Context, address string) error

// Config 重连策略。SetConfig 对非法值做下限收敛而不是报错。
type Config struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withFloors() Config {
	if c.MaxAttempts < minAttempts {
		c.MaxAttempts = minAttempts
	}
	if c.InitialDelay < minInitialDelay {
		c.InitialDelay = minInitialDelay
	}
	if c.MaxDelay < minMaxDelay {
		c.MaxDelay = minMaxDelay
	}
	return c
}

// Status 某个地址上重连任务的时点快照
type Status struct {
	Address     string
	Reason      string // 触发重连的原始断连原因
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
	Active      bool
}

// Supervisor 每地址最多一个重连任务
type Supervisor struct {
	mu       sync.Mutex
	cfg      Config
	tasks    map[string]*reconnTask
	connect  ConnectFunc
	notifier *notify.Notifier
}

type reconnTask struct {
	address string
	reason  string
	cancel  context.CancelFunc
	stop    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	attempt   int
	nextDelay time.Duration
}

func NewSupervisor(cfg Config, connect ConnectFunc, n *notify.Notifier) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withFloors(),
		tasks:    make(map[string]*reconnTask),
		connect:  connect,
		notifier: n,
	}
}

// Start 为 address 启动重连任务，reason 记录触发它的断连原因。
// 禁用、地址为空或任务已存在时返回 false。
func (s *Supervisor) Start(address, reason string) bool {
	if address == "" {
		return false
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return false
	}
	if _, exists := s.tasks[address]; exists {
		s.mu.Unlock()
		logger.L().Sugar().Debugw("reconnect_already_running", "address", address)
		return false
	}
	cfg := s.cfg
	ctx, cancel := context.WithCancel(context.Background())
	t := &reconnTask{
		address:   address,
		reason:    reason,
		cancel:    cancel,
		stop:      make(chan struct{}),
		nextDelay: cfg.InitialDelay,
	}
	s.tasks[address] = t
	s.mu.Unlock()

	logger.L().Sugar().Infow("reconnect_scheduled", "address", address, "reason", reason, "delay", cfg.InitialDelay)
	go s.run(ctx, t, cfg)
	return true
}

// Abort 停止 address 上的重连任务，发 aborted 通知。无任务返回 false。
func (s *Supervisor) Abort(address, reason string) bool {
	s.mu.Lock()
	t, ok := s.tasks[address]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.abort()
	s.postAborted(t, reason)
	return true
}

// AbortAll 停止所有在途任务，关停时用
func (s *Supervisor) AbortAll(reason string) {
	s.mu.Lock()
	all := make([]*reconnTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()
	for _, t := range all {
		t.abort()
		s.postAborted(t, reason)
	}
}

func (t *reconnTask) abort() {
	t.once.Do(func() {
		close(t.stop)
		t.cancel()
	})
}

// postAborted terminal 通知由中止方发出，任务 goroutine 只负责静默退出
func (s *Supervisor) postAborted(t *reconnTask, reason string) {
	s.remove(t)
	observe.IncReconnect("aborted")
	s.notifier.Post(&notify.ReconnectAborted{When: time.Now(), Address: t.address, Reason: reason})
	logger.L().Sugar().Infow("reconnect_aborted", "address", t.address, "reason", reason)
}

// Status 查询某地址的任务快照
func (s *Supervisor) Status(address string) (Status, bool) {
	s.mu.Lock()
	t, ok := s.tasks[address]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return t.snapshot(cfg), true
}

// StatusAll 所有在途任务的快照
func (s *Supervisor) StatusAll() []Status {
	s.mu.Lock()
	cfg := s.cfg
	all := make([]*reconnTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()
	out := make([]Status, 0, len(all))
	for _, t := range all {
		out = append(out, t.snapshot(cfg))
	}
	return out
}

func (t *reconnTask) snapshot(cfg Config) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Address:     t.address,
		Reason:      t.reason,
		Attempt:     t.attempt,
		MaxAttempts: cfg.MaxAttempts,
		NextDelay:   t.nextDelay,
		Active:      true,
	}
}

// Config 当前策略快照
func (s *Supervisor) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig 更新策略，只影响之后启动的任务
func (s *Supervisor) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withFloors()
	s.mu.Unlock()
}

func (s *Supervisor) remove(t *reconnTask) {
	s.mu.Lock()
	if cur, ok := s.tasks[t.address]; ok && cur == t {
		delete(s.tasks, t.address)
	}
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context, t *reconnTask, cfg Config) {
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		t.mu.Lock()
		t.attempt = attempt
		t.nextDelay = NextDelay(delay, cfg.MaxDelay)
		t.mu.Unlock()

		s.notifier.Post(&notify.ReconnectAttempt{
			When: time.Now(), Address: t.address,
			Attempt: attempt, MaxAttempts: cfg.MaxAttempts,
		})
		logger.L().Sugar().Infow("reconnect_attempt", "address", t.address, "attempt", attempt, "max", cfg.MaxAttempts)

		err := s.connect(ctx, t.address)
		select {
		case <-t.stop:
			// 中止赢了，结果作废
			return
		default:
		}
		if err == nil {
			s.remove(t)
			observe.IncReconnect("success")
			s.notifier.Post(&notify.ReconnectSuccess{When: time.Now(), Address: t.address, Attempts: attempt})
			logger.L().Sugar().Infow("reconnect_success", "address", t.address, "attempts", attempt)
			return
		}
		logger.L().Sugar().Warnw("reconnect_attempt_failed", "address", t.address, "attempt", attempt, "err", err)
		delay = NextDelay(delay, cfg.MaxDelay)
	}

	s.remove(t)
	observe.IncReconnect("exhausted")
	s.notifier.Post(&notify.ReconnectFailed{When: time.Now(), Address: t.address, Attempts: cfg.MaxAttempts})
	logger.L().Sugar().Warnw("reconnect_exhausted", "address", t.address, "attempts", cfg.MaxAttempts)
}

// NextDelay 下一次退避间隔，1.5 倍增长并封顶
func NextDelay(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > max {
		next = max
	}
	return next
}
