package call

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRingTimersFireOnce(t *testing.T) {
	clk := clock.NewMock()
	rt := NewRingTimers(clk)

	var fired int32
	rt.Arm("c1", 30*time.Second, func() { atomic.AddInt32(&fired, 1) })

	clk.Add(29 * time.Second)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("timer fired before the deadline")
	}
	clk.Add(2 * time.Second)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected 1 fire, got %d", atomic.LoadInt32(&fired))
	}

	// Nothing left to fire.
	clk.Add(time.Minute)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected 1 fire, got %d", atomic.LoadInt32(&fired))
	}
}

func TestRingTimersDisarm(t *testing.T) {
	clk := clock.NewMock()
	rt := NewRingTimers(clk)

	var fired int32
	rt.Arm("c1", 30*time.Second, func() { atomic.AddInt32(&fired, 1) })
	rt.Disarm("c1")

	clk.Add(time.Minute)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("disarmed timer fired")
	}
}

func TestRingTimersDisarmIdempotent(t *testing.T) {
	clk := clock.NewMock()
	rt := NewRingTimers(clk)

	// Disarming an unarmed timer is a no-op.
	rt.Disarm("never-armed")

	var fired int32
	rt.Arm("c1", time.Second, func() { atomic.AddInt32(&fired, 1) })
	clk.Add(2 * time.Second)

	// Disarming an already-fired timer is a no-op too.
	rt.Disarm("c1")
	rt.Disarm("c1")
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected 1 fire, got %d", atomic.LoadInt32(&fired))
	}
}

func TestRingTimersRearmReplaces(t *testing.T) {
	clk := clock.NewMock()
	rt := NewRingTimers(clk)

	var first, second int32
	rt.Arm("c1", 10*time.Second, func() { atomic.AddInt32(&first, 1) })
	rt.Arm("c1", 30*time.Second, func() { atomic.AddInt32(&second, 1) })

	clk.Add(15 * time.Second)
	if atomic.LoadInt32(&first) != 0 {
		t.Fatal("replaced timer fired")
	}
	clk.Add(20 * time.Second)
	if atomic.LoadInt32(&second) != 1 {
		t.Fatalf("expected replacement to fire once, got %d", atomic.LoadInt32(&second))
	}
}
