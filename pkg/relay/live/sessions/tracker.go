// Package sessions tracks the live sessions a relay process is running so
// shutdown can warn them, end them, and wait for them to drain.
package sessions

import (
	"context"
	"sync"
)

// Handle exposes the two controls a running session grants the daemon.
type Handle struct {
	End    func()
	Notify func(code, message string) error
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedSession
	wg      sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*trackedSession),
	}
}

// Register adds a session under its id and returns the matching unregister
// func. Registering an id that is already present evicts the old entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*trackedSession)
	}
	old := t.entries[sessionID]
	t.entries[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[sessionID] == entry {
			delete(t.entries, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.entries))
	for _, entry := range t.entries {
		if entry != nil {
			out = append(out, entry.handle)
		}
	}
	return out
}

// NotifyAll delivers a non-fatal notice to every running session, best
// effort.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Notify == nil {
			continue
		}
		_ = h.Notify(code, message)
		sent++
	}
	return sent
}

// EndAll force-ends every running session.
func (t *Tracker) EndAll() (ended int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.End == nil {
			continue
		}
		h.End()
		ended++
	}
	return ended
}

// Wait blocks until every tracked session has unregistered or ctx expires,
// reporting whether the tracker fully drained.
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
