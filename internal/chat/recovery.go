package chat

import (
	"sync"
	"time"
)

type parkedSession struct {
	username string
	room     string
	timer    *time.Timer
}

// recoveryTable holds the identities of recently dropped connections so a
// reconnecting client can pick up where it left off.
type recoveryTable struct {
	mu      sync.Mutex
	window  time.Duration
	closed  bool
	entries map[string]*parkedSession // connID -> parked
}

func newRecoveryTable(window time.Duration) *recoveryTable {
	return &recoveryTable{window: window, entries: make(map[string]*parkedSession)}
}

// park keeps connID recoverable for the window and calls onExpire if nobody
// takes it back in time. It reports false when recovery is disabled or the
// table is closed.
func (t *recoveryTable) park(connID, username, room string, onExpire func(username string)) bool {
	if t.window <= 0 {
		return false
	}
	entry := &parkedSession{username: username, room: room}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if previous, ok := t.entries[connID]; ok {
		previous.timer.Stop()
	}
	t.entries[connID] = entry
	entry.timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		current, ok := t.entries[connID]
		expired := ok && current == entry
		if expired {
			delete(t.entries, connID)
		}
		t.mu.Unlock()
		if expired {
			onExpire(entry.username)
		}
	})
	return true
}

func (t *recoveryTable) take(connID string) (parkedSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[connID]
	if !ok {
		return parkedSession{}, false
	}
	delete(t.entries, connID)
	entry.timer.Stop()
	return *entry, true
}

// close empties the table without firing the expiry callbacks and refuses
// every later park.
func (t *recoveryTable) close() map[string]parkedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	out := make(map[string]parkedSession, len(t.entries))
	for connID, entry := range t.entries {
		entry.timer.Stop()
		out[connID] = *entry
	}
	t.entries = make(map[string]*parkedSession)
	return out
}

func (t *recoveryTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
