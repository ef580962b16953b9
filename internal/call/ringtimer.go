package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRingTimeout is how long an outbound call may ring before it is
// abandoned as unanswered.
const DefaultRingTimeout = 30 * time.Second

// RingTimers schedules the no-answer deadline for outbound calls, one timer
// per call ID. Arm and Disarm are idempotent: disarming an unarmed or
// already-fired timer is a no-op. The clock is injected so tests can drive
// time.
type RingTimers struct {
	clk clock.Clock

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

// NewRingTimers creates an empty timer set on clk.
func NewRingTimers(clk clock.Clock) *RingTimers {
	return &RingTimers{clk: clk, timers: make(map[string]*clock.Timer)}
}

// Arm schedules fire to run once after d. Re-arming an armed call ID replaces
// the pending timer.
func (t *RingTimers) Arm(callID string, d time.Duration, fire func()) {
	t.mu.Lock()
	if old, ok := t.timers[callID]; ok {
		old.Stop()
	}
	t.timers[callID] = t.clk.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, callID)
		t.mu.Unlock()
		fire()
	})
	t.mu.Unlock()
}

// Disarm cancels the pending timer for callID, if any.
func (t *RingTimers) Disarm(callID string) {
	t.mu.Lock()
	if timer, ok := t.timers[callID]; ok {
		timer.Stop()
		delete(t.timers, callID)
	}
	t.mu.Unlock()
}

// Close disarms everything.
func (t *RingTimers) Close() {
	t.mu.Lock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}
