// ABOUTME: Thread-safe TTL window of submitted message IDs per conversation
// ABOUTME: Reserve/Commit/Release lets a submission claim an ID before routing succeeds

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	at        time.Time
	committed bool
	element   *list.Element
}

// Window remembers message IDs recently submitted to each conversation.
// Entries expire after the TTL and the oldest are evicted once the window
// holds maxSize keys. A reservation that is never committed expires like any
// other entry.
type Window struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a window and starts a background sweep every sweepEvery.
// A non-positive sweepEvery disables the sweep; expired keys are then only
// dropped lazily or by eviction.
func New(ttl time.Duration, maxSize int, sweepEvery time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go w.sweepLoop(sweepEvery)
	}
	return w
}

// Key builds the window key for a message in a conversation.
func Key(conversationID, messageID string) string {
	return conversationID + "\x00" + messageID
}

// Seen reports whether key is reserved or committed and not expired.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked(key) != nil
}

// Reserve claims key. It returns false if the key is already live, which
// marks the submission as a duplicate.
func (w *Window) Reserve(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.liveLocked(key) != nil {
		return false
	}
	if e, ok := w.entries[key]; ok {
		w.removeLocked(e)
	}
	for len(w.entries) >= w.maxSize {
		w.removeLocked(w.order.Front().Value.(*entry))
	}

	e := &entry{key: key, at: w.now()}
	e.element = w.order.PushBack(e)
	w.entries[key] = e
	return true
}

// Commit marks a reservation as a completed submission and restarts its TTL.
func (w *Window) Commit(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[key]; ok {
		e.committed = true
		e.at = w.now()
		w.order.MoveToBack(e.element)
	}
}

// Release drops a reservation that was not committed, so the ID can be
// submitted again.
func (w *Window) Release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[key]; ok && !e.committed {
		w.removeLocked(e)
	}
}

// Len returns the number of tracked keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) liveLocked(key string) *entry {
	e, ok := w.entries[key]
	if !ok || w.now().Sub(e.at) >= w.ttl {
		return nil
	}
	return e
}

func (w *Window) removeLocked(e *entry) {
	w.order.Remove(e.element)
	delete(w.entries, e.key)
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.done:
			return
		}
	}
}

// Sweep removes expired keys.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for el := w.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); now.Sub(e.at) >= w.ttl {
			w.removeLocked(e)
		}
		el = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
