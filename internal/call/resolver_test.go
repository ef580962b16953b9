package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/store"
)

// countingStore wraps the memory store and counts GetCall queries, optionally
// holding the metadata back until a given attempt number.
type countingStore struct {
	store.Store
	queries    int32
	populateAt int32 // reveal metadata on the Nth query (0 = never)
	metadata   string
	callID     string
}

func (c *countingStore) GetCall(ctx context.Context, callID string) (*signal.SessionRecord, error) {
	n := atomic.AddInt32(&c.queries, 1)
	rec, err := c.Store.GetCall(ctx, callID)
	if err != nil {
		return rec, err
	}
	if c.populateAt > 0 && n >= c.populateAt && callID == c.callID {
		rec.ConnectionMetadata = c.metadata
	}
	return rec, nil
}

func seedCall(t *testing.T, st store.Store, callID, metadata string) {
	t.Helper()
	err := st.CreateCall(context.Background(), &signal.SessionRecord{
		CallID:             callID,
		InitiatorID:        "alice",
		ResponderID:        "bob",
		Kind:               signal.KindVoice,
		Status:             signal.StatusRinging,
		ConnectionMetadata: metadata,
		StartedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitForInt32(t *testing.T, p *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(p) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d, have %d", want, atomic.LoadInt32(p))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResolverImmediateHit(t *testing.T) {
	mem := store.NewMemory()
	seedCall(t, mem, "c1", "wss://meet.example/c1")

	r := NewResolver(mem, clock.New())
	meta, err := r.Resolve(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if meta != "wss://meet.example/c1" {
		t.Fatalf("unexpected metadata %q", meta)
	}
}

func TestResolverBackoffScheduleAndQueryCount(t *testing.T) {
	mem := store.NewMemory()
	seedCall(t, mem, "c1", "")
	cs := &countingStore{Store: mem, populateAt: 5, metadata: "wss://meet.example/c1", callID: "c1"}

	clk := clock.NewMock()
	r := NewResolver(cs, clk)

	type result struct {
		meta string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		meta, err := r.Resolve(context.Background(), "c1")
		resCh <- result{meta, err}
	}()

	// Delays between attempts: 500, 750, 1125, 1687ms (1.5× multiplier).
	delays := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
	}
	for i, d := range delays {
		waitForInt32(t, &cs.queries, int32(i+1))
		time.Sleep(10 * time.Millisecond) // let the resolver reach its timer

		// Half the delay must not release the next attempt.
		clk.Add(d / 2)
		time.Sleep(10 * time.Millisecond)
		if got := atomic.LoadInt32(&cs.queries); got != int32(i+1) {
			t.Fatalf("query %d fired after only half its backoff delay", got)
		}
		clk.Add(d - d/2)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.meta != "wss://meet.example/c1" {
		t.Fatalf("unexpected metadata %q", res.meta)
	}
	if got := atomic.LoadInt32(&cs.queries); got != 5 {
		t.Fatalf("expected exactly 5 queries, got %d", got)
	}
}

func TestResolverExhaustionIsNotFound(t *testing.T) {
	mem := store.NewMemory()
	seedCall(t, mem, "c1", "")

	clk := clock.NewMock()
	r := NewResolver(mem, clk)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "c1")
		errCh <- err
	}()

	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(10 * time.Millisecond)
			clk.Add(2 * time.Second)
		}
	}()

	err := <-errCh
	if !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("expected ErrNoMetadata, got %v", err)
	}
}

func TestResolverFallsBackToOfferMessage(t *testing.T) {
	// The record exists but its metadata column has not materialized; the
	// offer message carries the same metadata and must satisfy the lookup.
	mem := store.NewMemory()
	seedCall(t, mem, "c1", "")

	msg, err := signal.NewMessage("c1", "alice", "bob", signal.TypeOffer,
		signal.OfferPayload{Kind: signal.KindVoice, ConnectionMetadata: "wss://meet.example/c1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.AppendSignal(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(mem, clock.New())
	meta, err := r.Resolve(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if meta != "wss://meet.example/c1" {
		t.Fatalf("unexpected metadata %q", meta)
	}
}

func TestResolverContextCancel(t *testing.T) {
	mem := store.NewMemory()
	seedCall(t, mem, "c1", "")

	clk := clock.NewMock()
	r := NewResolver(mem, clk)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "c1")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
