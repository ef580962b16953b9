package call

import (
	"sync"

	"github.com/petervdpas/callsig/internal/signal"
)

// IceCandidateBuffer holds remote ICE candidates that arrive before the
// remote description is set. Pure ordering buffer: FIFO, no capacity bound
// (call sessions are short-lived, so growth within one call is acceptable).
// Safe for concurrent use.
type IceCandidateBuffer struct {
	mu      sync.Mutex
	pending []signal.ICECandidateInit
}

// Add appends one candidate to the buffer.
func (b *IceCandidateBuffer) Add(c signal.ICECandidateInit) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.mu.Unlock()
}

// DrainIfReady returns and clears the buffered candidates in arrival order,
// but only once the remote description is set. Before that it returns nil and
// leaves the buffer untouched.
func (b *IceCandidateBuffer) DrainIfReady(hasRemoteDescription bool) []signal.ICECandidateInit {
	if !hasRemoteDescription {
		return nil
	}
	b.mu.Lock()
	out := b.pending
	b.pending = nil
	b.mu.Unlock()
	return out
}

// Len returns the number of buffered candidates.
func (b *IceCandidateBuffer) Len() int {
	b.mu.Lock()
	n := len(b.pending)
	b.mu.Unlock()
	return n
}
