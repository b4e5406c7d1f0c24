// Package sessions tracks active live connections so shutdown can warn them,
// cancel them, and wait for their run loops to drain.
package sessions

import (
	"context"
	"sort"
	"sync"
)

// Handle exposes the two things the tracker needs from a running engine.
type Handle struct {
	SessionID string
	Cancel    func()
	Warn      func(code, message string) error
}

type Tracker struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*tracked
	wg     sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[uint64]*tracked)}
}

// Register adds one live connection and returns its unregister func. A studio
// session may have several concurrent live connections; each gets its own
// entry.
func (t *Tracker) Register(h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.active == nil {
		t.active = make(map[uint64]*tracked)
	}
	t.nextID++
	id := t.nextID
	t.active[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() {
		entry.once.Do(func() {
			t.mu.Lock()
			delete(t.active, id)
			t.mu.Unlock()
			t.wg.Done()
		})
	}
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// SessionIDs lists the studio sessions with at least one live connection.
func (t *Tracker) SessionIDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	seen := make(map[string]struct{}, len(t.active))
	for _, entry := range t.active {
		if entry != nil && entry.handle.SessionID != "" {
			seen[entry.handle.SessionID] = struct{}{}
		}
	}
	t.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.active {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.active {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered, or the
// context expires. Reports whether the drain completed.
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
