package bridge

import (
	"context"
	"sync"
)

// Handle is how a Tracker stops a registered bridge.
type Handle struct {
	Cancel func(cause error)
}

// Tracker keeps at most one live entry per key. Registering a key that is
// already held cancels the previous holder with ErrSuperseded.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedEntry
	wg      sync.WaitGroup
}

type trackedEntry struct {
	handle Handle
	once   sync.Once
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*trackedEntry),
	}
}

// Register adds h under key and returns the function that removes it.
func (t *Tracker) Register(key string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedEntry{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*trackedEntry)
	}
	old := t.entries[key]
	t.entries[key] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel(ErrSuperseded)
		}
		t.unregister(key, old)
	}

	return func() { t.unregister(key, entry) }
}

func (t *Tracker) unregister(key string, entry *trackedEntry) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[key] == entry {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live entries.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has reports whether key is held.
func (t *Tracker) Has(key string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// CancelAll cancels every live entry with cause.
func (t *Tracker) CancelAll(cause error) (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func(error)
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
		canceled++
	}
	return canceled
}

// Wait blocks until every registered entry has been removed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
