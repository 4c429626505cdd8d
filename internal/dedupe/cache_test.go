// ABOUTME: Tests for the submission dedupe window.
// ABOUTME: Validates reservation semantics, TTL expiry, eviction, sweeping and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newWindow(ttl time.Duration, size int) (*Window, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, size, 0)
	w.now = clock.now
	return w, clock
}

func TestWindow_ReserveRejectsDuplicate(t *testing.T) {
	w, _ := newWindow(time.Minute, 10)
	defer w.Close()

	key := Key("conv-1", "m-1")
	assert.True(t, w.Reserve(key))
	assert.False(t, w.Reserve(key))
	assert.True(t, w.Seen(key))

	// Same message ID in another conversation is distinct.
	assert.True(t, w.Reserve(Key("conv-2", "m-1")))
}

func TestWindow_ReleaseAllowsRetry(t *testing.T) {
	w, _ := newWindow(time.Minute, 10)
	defer w.Close()

	key := Key("conv-1", "m-1")
	assert.True(t, w.Reserve(key))
	w.Release(key)
	assert.False(t, w.Seen(key))
	assert.True(t, w.Reserve(key))
}

func TestWindow_ReleaseKeepsCommitted(t *testing.T) {
	w, _ := newWindow(time.Minute, 10)
	defer w.Close()

	key := Key("conv-1", "m-1")
	w.Reserve(key)
	w.Commit(key)
	w.Release(key)
	assert.True(t, w.Seen(key))
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newWindow(time.Minute, 10)
	defer w.Close()

	key := Key("conv-1", "m-1")
	w.Reserve(key)
	w.Commit(key)

	clock.advance(59 * time.Second)
	assert.True(t, w.Seen(key))

	clock.advance(time.Second)
	assert.False(t, w.Seen(key))
	assert.True(t, w.Reserve(key), "expired key can be reserved again")
}

func TestWindow_CommitRestartsTTL(t *testing.T) {
	w, clock := newWindow(time.Minute, 10)
	defer w.Close()

	key := Key("conv-1", "m-1")
	w.Reserve(key)
	clock.advance(50 * time.Second)
	w.Commit(key)
	clock.advance(50 * time.Second)
	assert.True(t, w.Seen(key))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, _ := newWindow(time.Hour, 3)
	defer w.Close()

	for i := 1; i <= 4; i++ {
		w.Reserve(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("k1"))
	assert.True(t, w.Seen("k2"))
	assert.True(t, w.Seen("k4"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newWindow(time.Minute, 10)
	defer w.Close()

	w.Reserve("old")
	clock.advance(2 * time.Minute)
	w.Reserve("new")

	w.Sweep()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("new"))
}

func TestWindow_ConcurrentReserveSingleWinner(t *testing.T) {
	w, _ := newWindow(time.Minute, 100)
	defer w.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Reserve("contended") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestWindow_CloseIdempotent(t *testing.T) {
	w := New(time.Minute, 10, time.Millisecond)
	w.Close()
	w.Close()
}
