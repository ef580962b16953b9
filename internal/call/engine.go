// Package call implements the signaling coordinator for two-party calls: the
// lifecycle state machine, the ICE candidate buffer, the ring timeout, the
// metadata resolver and the coordinator that ties them to a Session Record
// Store. It is designed to be maximally standalone — coupling to the media
// layer is via the Engine interface only.
package call

import (
	"context"

	"github.com/petervdpas/callsig/internal/signal"
)

// Track identifies a local media track for mute/camera toggles.
type Track string

const (
	TrackAudio Track = "audio"
	TrackVideo Track = "video"
)

// Handle is the engine's opaque reference to one media session. The
// coordinator stores it and hands it back; it never looks inside.
type Handle any

// EngineEvents are the callbacks one media session fires. The coordinator
// re-enters them onto the owning call session's event loop, so implementations
// may invoke them from any goroutine.
type EngineEvents struct {
	// OnJoined fires when the local side has joined the media session.
	OnJoined func()
	// OnParticipantJoined / OnParticipantLeft track remote presence.
	OnParticipantJoined func()
	OnParticipantLeft   func()
	// OnLocalCandidate fires for each locally generated ICE candidate; the
	// coordinator forwards it to the remote party as an ice-candidate signal.
	OnLocalCandidate func(signal.ICECandidateInit)
	// OnError reports a transport failure. code is classified by Classify.
	OnError func(code string)
}

// Engine is the only surface the call package needs from the media layer.
// CreateSession returns the opaque connection metadata for the new session;
// the coordinator persists and forwards it but never parses it.
type Engine interface {
	CreateSession(ctx context.Context, kind signal.CallKind, events EngineEvents) (Handle, string, error)
	Join(ctx context.Context, h Handle, connectionMetadata string) error
	Leave(ctx context.Context, h Handle) error
	AddRemoteCandidate(h Handle, c signal.ICECandidateInit) error
	SetLocalTrackEnabled(h Handle, track Track, enabled bool) error
}
