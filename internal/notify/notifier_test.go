package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryOrderMatchesPostOrder(t *testing.T) {
	n := NewNotifier(16)

	var mu sync.Mutex
	var got []string
	n.Subscribe(EventConnectionEstablished, func(e Event) {
		mu.Lock()
		got = append(got, e.(*ConnectionEstablished).Address)
		mu.Unlock()
	})

	want := []string{"a", "b", "c", "d", "e"}
	for _, addr := range want {
		n.Post(&ConnectionEstablished{When: time.Now(), Address: addr})
	}
	n.Close()

	assert.Equal(t, want, got)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	n := NewNotifier(64)

	var mu sync.Mutex
	count := 0
	n.Subscribe(EventError, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		n.Post(&Error{When: time.Now(), Message: "x"})
	}
	n.Close()
	assert.Equal(t, 50, count, "Close must deliver everything already posted")
}

func TestSubscribeAnyReceivesEverything(t *testing.T) {
	n := NewNotifier(8)

	var mu sync.Mutex
	var types []EventType
	n.Subscribe(EventAny, func(e Event) {
		mu.Lock()
		types = append(types, e.Type())
		mu.Unlock()
	})

	n.Post(&ServerStarted{When: time.Now(), ServiceName: "svc"})
	n.Post(&ConnectionLost{When: time.Now(), Address: "a", Reason: "r"})
	n.Close()

	require.Len(t, types, 2)
	assert.Equal(t, EventServerStarted, types[0])
	assert.Equal(t, EventConnectionLost, types[1])
}

func TestSubscriptionCancel(t *testing.T) {
	n := NewNotifier(8)

	var mu sync.Mutex
	count := 0
	c2 := n.Subscribe(EventError, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	n.Post(&Error{When: time.Now(), Message: "first"})
	// 让第一条送达后再取消
	time.Sleep(50 * time.Millisecond)
	c2()
	n.Post(&Error{When: time.Now(), Message: "second"})
	n.Close()

	assert.Equal(t, 1, count)
}

func TestHandlerPanicDoesNotKillDelivery(t *testing.T) {
	n := NewNotifier(8)

	var mu sync.Mutex
	delivered := 0
	n.Subscribe(EventError, func(Event) { panic("handler bug") })
	n.Subscribe(EventError, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	n.Post(&Error{When: time.Now(), Message: "boom"})
	n.Close()
	assert.Equal(t, 1, delivered)
}
