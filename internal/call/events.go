package call

import (
	"context"

	"github.com/petervdpas/callsig/internal/signal"
)

// Snapshot is pushed on the lifecycle event stream on every observable
// change. The UI layer renders directly from these; it never polls the
// coordinator.
type Snapshot struct {
	CallID           string          `json:"call_id"`
	State            State           `json:"state"`
	Reason           Reason          `json:"reason,omitempty"`
	Kind             signal.CallKind `json:"kind"`
	ParticipantCount int             `json:"participant_count"`
	DurationSeconds  int             `json:"duration_seconds"`
}

// IncomingCall is handed to OnIncoming handlers when a remote party rings
// this client. Accept and Reject are bound to the specific call.
type IncomingCall struct {
	CallID string
	From   string
	Kind   signal.CallKind

	Accept func(ctx context.Context) error
	Reject func(ctx context.Context) error
}
