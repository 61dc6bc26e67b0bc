package presence

import (
	"sync"
	"time"
)

type typingKey struct {
	conv string
	user string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// typingTimers owns one expiry timer per (conversation, user). A restart bumps the
// generation so a timer that already fired for an older start cannot clear a newer one.
type typingTimers struct {
	mu      sync.Mutex
	timeout time.Duration
	gen     uint64
	timers  map[typingKey]*typingTimer

	hookMu sync.RWMutex
	hook   func(conversationID, userID string)
}

func newTypingTimers(timeout time.Duration) *typingTimers {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &typingTimers{timeout: timeout, timers: make(map[typingKey]*typingTimer)}
}

func (t *typingTimers) setHook(fn func(conversationID, userID string)) {
	t.hookMu.Lock()
	t.hook = fn
	t.hookMu.Unlock()
}

// start (re)arms the timer. expire runs outside the lock and reports whether it
// dropped the indicator; the hook fires only if it did and no newer start re-armed it.
func (t *typingTimers) start(conv, user string, expire func() bool) {
	k := typingKey{conv, user}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[k]; ok {
		cur.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[k] = &typingTimer{
		gen: gen,
		timer: time.AfterFunc(t.timeout, func() {
			t.mu.Lock()
			cur, ok := t.timers[k]
			if !ok || cur.gen != gen {
				t.mu.Unlock()
				return
			}
			delete(t.timers, k)
			t.mu.Unlock()

			if !expire() {
				return
			}
			t.mu.Lock()
			_, rearmed := t.timers[k]
			t.mu.Unlock()
			if rearmed {
				return
			}
			t.hookMu.RLock()
			hook := t.hook
			t.hookMu.RUnlock()
			if hook != nil {
				hook(conv, user)
			}
		}),
	}
}

func (t *typingTimers) stop(conv, user string) bool {
	k := typingKey{conv, user}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.timers[k]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(t.timers, k)
	return true
}

func (t *typingTimers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, cur := range t.timers {
		cur.timer.Stop()
		delete(t.timers, k)
	}
}
