package call

import (
	"fmt"
	"testing"

	"github.com/petervdpas/callsig/internal/signal"
)

func TestIceBufferHoldsUntilRemoteDescription(t *testing.T) {
	var b IceCandidateBuffer
	b.Add(signal.ICECandidateInit{Candidate: "a"})
	b.Add(signal.ICECandidateInit{Candidate: "b"})

	if got := b.DrainIfReady(false); got != nil {
		t.Fatalf("drained %d candidates without a remote description", len(got))
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 buffered, got %d", b.Len())
	}
}

func TestIceBufferDrainsFIFO(t *testing.T) {
	var b IceCandidateBuffer
	for i := 0; i < 10; i++ {
		b.Add(signal.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)})
	}

	got := b.DrainIfReady(true)
	if len(got) != 10 {
		t.Fatalf("expected 10 candidates, got %d", len(got))
	}
	for i, c := range got {
		if want := fmt.Sprintf("cand-%d", i); c.Candidate != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, c.Candidate)
		}
	}

	// The drain clears the buffer.
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", b.Len())
	}
	if got := b.DrainIfReady(true); len(got) != 0 {
		t.Fatalf("second drain returned %d candidates", len(got))
	}
}
