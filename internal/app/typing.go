package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTypingInterval = 250 * time.Millisecond
	DefaultTypingIdle     = 1000 * time.Millisecond
)

// TypingDebouncer rate-limits local typing signals and expires remote typing
// indicators. Each remote typist gets an independent cancellable timer keyed
// by nickname, re-armed on every TYPING envelope seen from them.
type TypingDebouncer struct {
	mu          sync.Mutex
	minInterval time.Duration
	idleWindow  time.Duration
	lastEmitted time.Time
	timers      map[string]*time.Timer
	onExpire    func(nickname string)
	stopped     bool

	now func() time.Time
}

// NewTypingDebouncer builds a debouncer. onExpire fires (on a timer goroutine)
// when a remote typist has been quiet for one idle window; it may be nil.
func NewTypingDebouncer(minInterval, idleWindow time.Duration, onExpire func(nickname string)) *TypingDebouncer {
	if minInterval <= 0 {
		minInterval = DefaultTypingInterval
	}
	if idleWindow <= 0 {
		idleWindow = DefaultTypingIdle
	}
	return &TypingDebouncer{
		minInterval: minInterval,
		idleWindow:  idleWindow,
		timers:      make(map[string]*time.Timer),
		onExpire:    onExpire,
		now:         time.Now,
	}
}

// Allow reports whether a local TYPING envelope may be emitted now. Calls
// inside the minimum interval are coalesced into a no-op, never queued.
func (d *TypingDebouncer) Allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	now := d.now()
	if !d.lastEmitted.IsZero() && now.Sub(d.lastEmitted) < d.minInterval {
		return false
	}
	d.lastEmitted = now
	return true
}

// Touch (re)arms the expiry timer for one remote typist.
func (d *TypingDebouncer) Touch(nickname string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[nickname]; ok {
		t.Stop()
	}
	d.timers[nickname] = time.AfterFunc(d.idleWindow, func() {
		d.expire(nickname)
	})
}

func (d *TypingDebouncer) expire(nickname string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, nickname)
	cb := d.onExpire
	d.mu.Unlock()

	log.Debug().Str("module", "app.typing").Str("nickname", nickname).Msg("typing indicator expired")
	if cb != nil {
		cb(nickname)
	}
}

// Stop cancels every armed timer and rejects further signals. Called on leave;
// typing state is ephemeral and does not survive the session.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for nickname, t := range d.timers {
		t.Stop()
		delete(d.timers, nickname)
	}
}
