package session

import (
	"sync"
	"time"
)

type timerPurpose uint8

const (
	timerGrace timerPurpose = iota + 1
	timerBotStep
)

type timerKey struct {
	purpose timerPurpose
	id      string
}

// timerTable tracks every pending timer a session owns, keyed by purpose
// and subject, so scheduling is always replace-not-stack and shutdown can
// sweep whatever is left. Callbacks fire on timer goroutines; they must
// only post back into the session loop.
type timerTable struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{timers: make(map[timerKey]*time.Timer)}
}

// Schedule arms fn after d, replacing any timer already keyed the same way.
func (t *timerTable) Schedule(purpose timerPurpose, id string, d time.Duration, fn func()) {
	key := timerKey{purpose: purpose, id: id}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops a pending timer. It reports whether one was pending; a
// timer whose callback already started counts as gone.
func (t *timerTable) Cancel(purpose timerPurpose, id string) bool {
	key := timerKey{purpose: purpose, id: id}
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	delete(t.timers, key)
	return timer.Stop()
}

// CancelAll sweeps every pending timer.
func (t *timerTable) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
