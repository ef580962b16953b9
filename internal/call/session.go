package call

import (
	"sync"
	"time"

	"github.com/petervdpas/callsig/internal/signal"
)

// session is the in-memory runtime object for one active call: the state
// machine, the ICE buffer, the engine handle and the dedupe set. All mutation
// happens on the session's own event loop — one goroutine per call ID — so
// processing is serialized per call while distinct calls run concurrently.
type session struct {
	callID   string
	remoteID string
	kind     signal.CallKind

	machine *Machine
	ice     *IceCandidateBuffer

	// Fields below are touched only from the event loop.
	handle               Handle
	hasRemoteDescription bool
	participantCount     int
	reason               Reason
	connectedAt          time.Time
	finalDuration        int
	audioOn              bool
	videoOn              bool

	// seen holds processed signal message IDs; re-delivery is a no-op.
	seen map[string]struct{}

	work     chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newSession(callID, remoteID string, kind signal.CallKind, role Role) *session {
	s := &session{
		callID:   callID,
		remoteID: remoteID,
		kind:     kind,
		machine:  NewMachine(role),
		ice:      &IceCandidateBuffer{},
		audioOn:  true,
		videoOn:  kind == signal.KindVideo,
		seen:     make(map[string]struct{}),
		work:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *session) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.work:
			fn()
		}
	}
}

// do enqueues fn onto the session's event loop. Returns false if the session
// has stopped; callers treat that as a dropped late event, not an error.
func (s *session) do(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.work <- fn:
		return true
	case <-s.done:
		return false
	}
}

// stop ends the event loop. Pending work is dropped; the session is already
// terminal by the time this runs.
func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// durationSeconds reports connected wall time. Only called from the loop.
func (s *session) durationSeconds(now time.Time) int {
	if s.machine.State() == StateConnected && !s.connectedAt.IsZero() {
		return int(now.Sub(s.connectedAt) / time.Second)
	}
	return s.finalDuration
}
