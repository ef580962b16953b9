package call

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/callsig/internal/signal"
)

// LoopbackEngine is a media engine that carries no media: it synthesizes the
// join callbacks so the signaling path can run end to end without a real
// backend. Used by the runner binary when no engine is wired, and handy in
// development.
type LoopbackEngine struct {
	mu       sync.Mutex
	sessions map[*loopbackSession]struct{}
}

type loopbackSession struct {
	events EngineEvents
	left   bool
}

// NewLoopbackEngine creates an empty loopback engine.
func NewLoopbackEngine() *LoopbackEngine {
	return &LoopbackEngine{sessions: make(map[*loopbackSession]struct{})}
}

func (e *LoopbackEngine) CreateSession(_ context.Context, _ signal.CallKind, events EngineEvents) (Handle, string, error) {
	ls := &loopbackSession{events: events}
	e.mu.Lock()
	e.sessions[ls] = struct{}{}
	e.mu.Unlock()
	return ls, "loopback:" + uuid.NewString(), nil
}

func (e *LoopbackEngine) Join(_ context.Context, h Handle, _ string) error {
	ls := h.(*loopbackSession)
	if ls.events.OnJoined != nil {
		go ls.events.OnJoined()
	}
	return nil
}

func (e *LoopbackEngine) Leave(_ context.Context, h Handle) error {
	ls := h.(*loopbackSession)
	e.mu.Lock()
	ls.left = true
	delete(e.sessions, ls)
	e.mu.Unlock()
	return nil
}

func (e *LoopbackEngine) AddRemoteCandidate(Handle, signal.ICECandidateInit) error { return nil }

func (e *LoopbackEngine) SetLocalTrackEnabled(Handle, Track, bool) error { return nil }
