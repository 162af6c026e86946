package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclij/btransfer/internal/notify"
)

func TestBackoffSequence(t *testing.T) {
	max := 30000 * time.Millisecond
	want := []time.Duration{
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
		22781250 * time.Microsecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond, // 封顶后不再增长
	}
	d := 2000 * time.Millisecond
	for i, expected := range want {
		d = NextDelay(d, max)
		assert.Equal(t, expected, d, "step %d", i)
		assert.LessOrEqual(t, d, max)
	}
}

func TestConfigFloors(t *testing.T) {
	got := Config{Enabled: true, MaxAttempts: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}.withFloors()
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, got.InitialDelay)
	assert.Equal(t, time.Second, got.MaxDelay)
}

func newTestSupervisor(t *testing.T, cfg Config, connect ConnectFunc) (*Supervisor, *notify.Notifier) {
	t.Helper()
	n := notify.NewNotifier(32)
	t.Cleanup(n.Close)
	return NewSupervisor(cfg, connect, n), n
}

func TestReconnectSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	connect := func(ctx context.Context, address string) error {
		if calls.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}
	s, n := newTestSupervisor(t, Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
	}, connect)

	var mu sync.Mutex
	var attempts []int
	success := make(chan *notify.ReconnectSuccess, 1)
	n.Subscribe(notify.EventReconnectAttempt, func(e notify.Event) {
		mu.Lock()
		attempts = append(attempts, e.(*notify.ReconnectAttempt).Attempt)
		mu.Unlock()
	})
	n.Subscribe(notify.EventReconnectSuccess, func(e notify.Event) {
		success <- e.(*notify.ReconnectSuccess)
	})

	require.True(t, s.Start("dev", "link dropped"))

	select {
	case ev := <-success:
		assert.Equal(t, "dev", ev.Address)
		assert.Equal(t, 3, ev.Attempts)
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect never succeeded")
	}

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	_, active := s.Status("dev")
	assert.False(t, active, "task removed after success")
}

func TestReconnectExhaustsBudget(t *testing.T) {
	connect := func(ctx context.Context, address string) error {
		return errors.New("unreachable")
	}
	s, n := newTestSupervisor(t, Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
	}, connect)

	failed := make(chan *notify.ReconnectFailed, 1)
	n.Subscribe(notify.EventReconnectFailed, func(e notify.Event) {
		failed <- e.(*notify.ReconnectFailed)
	})

	require.True(t, s.Start("dev", "link dropped"))

	select {
	case ev := <-failed:
		assert.Equal(t, 2, ev.Attempts)
	case <-time.After(10 * time.Second):
		t.Fatal("budget never exhausted")
	}
	_, active := s.Status("dev")
	assert.False(t, active)
}

func TestSecondStartIsNoOp(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	connect := func(ctx context.Context, address string) error {
		calls.Add(1)
		<-block
		return nil
	}
	s, _ := newTestSupervisor(t, Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
	}, connect)

	require.True(t, s.Start("dev", "link dropped"))
	assert.False(t, s.Start("dev", "link dropped"), "second start for the same address is a no-op")

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.Start("dev", "link dropped"))
	assert.EqualValues(t, 1, calls.Load(), "attempt counter unaffected by the second call")
	close(block)
}

func TestAbortDistinctFromExhausted(t *testing.T) {
	connect := func(ctx context.Context, address string) error {
		return errors.New("down")
	}
	s, n := newTestSupervisor(t, Config{
		Enabled:      true,
		MaxAttempts:  10,
		InitialDelay: 5 * time.Second, // 第一轮尝试前就中止
		MaxDelay:     10 * time.Second,
	}, connect)

	aborted := make(chan *notify.ReconnectAborted, 1)
	failedSeen := atomic.Bool{}
	n.Subscribe(notify.EventReconnectAborted, func(e notify.Event) {
		aborted <- e.(*notify.ReconnectAborted)
	})
	n.Subscribe(notify.EventReconnectFailed, func(notify.Event) { failedSeen.Store(true) })

	require.True(t, s.Start("dev", "link dropped"))
	st, active := s.Status("dev")
	require.True(t, active)
	assert.Equal(t, "dev", st.Address)
	assert.Equal(t, "link dropped", st.Reason, "status carries the original loss reason")
	assert.Equal(t, 10, st.MaxAttempts)

	require.True(t, s.Abort("dev", "user asked"))
	ev := <-aborted
	assert.Equal(t, "user asked", ev.Reason)
	assert.False(t, failedSeen.Load())

	assert.False(t, s.Abort("dev", "again"), "no task left to abort")
}

func TestDisabledSupervisorRefusesTasks(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Enabled: false, MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second}, nil)
	assert.False(t, s.Start("dev", "link dropped"))
	assert.Empty(t, s.StatusAll())
}

func TestSetConfigAppliesToNewTasks(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 2 * time.Second}, func(context.Context, string) error { return nil })
	s.SetConfig(Config{Enabled: true, MaxAttempts: 0, InitialDelay: 0, MaxDelay: 0})
	got := s.Config()
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, got.InitialDelay)
	assert.Equal(t, time.Second, got.MaxDelay)
}
