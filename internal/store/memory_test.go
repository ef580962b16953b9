package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/callsig/internal/signal"
)

func newRecord(callID string) *signal.SessionRecord {
	return &signal.SessionRecord{
		CallID:      callID,
		InitiatorID: "alice",
		ResponderID: "bob",
		Kind:        signal.KindVoice,
		Status:      signal.StatusRinging,
		StartedAt:   time.Now().UTC(),
	}
}

// testStoreContract exercises the Store behavior every backend must share.
// The SQLite tests reuse it against a file-backed store.
func testStoreContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		if _, err := st.GetCall(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("create and read back", func(t *testing.T) {
		if err := st.CreateCall(ctx, newRecord("c1")); err != nil {
			t.Fatal(err)
		}
		rec, err := st.GetCall(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.InitiatorID != "alice" || rec.ResponderID != "bob" || rec.Status != signal.StatusRinging {
			t.Fatalf("read back %+v", rec)
		}
		if !rec.EndedAt.IsZero() {
			t.Fatal("EndedAt set on a live call")
		}
	})

	t.Run("metadata update", func(t *testing.T) {
		if err := st.SetConnectionMetadata(ctx, "c1", "wss://meet/c1"); err != nil {
			t.Fatal(err)
		}
		rec, _ := st.GetCall(ctx, "c1")
		if rec.ConnectionMetadata != "wss://meet/c1" {
			t.Fatalf("metadata %q", rec.ConnectionMetadata)
		}
	})

	t.Run("conditional update", func(t *testing.T) {
		if err := st.CreateCall(ctx, newRecord("c2")); err != nil {
			t.Fatal(err)
		}
		if err := st.UpdateStatusIf(ctx, "c2", signal.StatusConnected, signal.StatusEnded); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if err := st.UpdateStatusIf(ctx, "c2", signal.StatusRinging, signal.StatusConnected); err != nil {
			t.Fatal(err)
		}
		rec, _ := st.GetCall(ctx, "c2")
		if rec.Status != signal.StatusConnected {
			t.Fatalf("status %s", rec.Status)
		}
	})

	t.Run("terminal status is write-once", func(t *testing.T) {
		if err := st.UpdateStatus(ctx, "c2", signal.StatusEnded); err != nil {
			t.Fatal(err)
		}
		rec, _ := st.GetCall(ctx, "c2")
		if rec.EndedAt.IsZero() {
			t.Fatal("EndedAt not set on terminal status")
		}
		if err := st.UpdateStatus(ctx, "c2", signal.StatusMissed); !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		if err := st.UpdateStatusIf(ctx, "c2", signal.StatusEnded, signal.StatusMissed); !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		rec, _ = st.GetCall(ctx, "c2")
		if rec.Status != signal.StatusEnded {
			t.Fatalf("terminal status overwritten to %s", rec.Status)
		}
	})

	t.Run("latest signal by type", func(t *testing.T) {
		if _, err := st.LatestSignal(ctx, "c1", signal.TypeOffer); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		first, err := signal.NewMessage("c1", "alice", "bob", signal.TypeOffer,
			signal.OfferPayload{Kind: signal.KindVoice, ConnectionMetadata: "one"})
		if err != nil {
			t.Fatal(err)
		}
		second, err := signal.NewMessage("c1", "alice", "bob", signal.TypeOffer,
			signal.OfferPayload{Kind: signal.KindVoice, ConnectionMetadata: "two"})
		if err != nil {
			t.Fatal(err)
		}
		ice, err := signal.NewMessage("c1", "alice", "bob", signal.TypeICECandidate,
			signal.ICEPayload{Candidate: signal.ICECandidateInit{Candidate: "candidate:1"}})
		if err != nil {
			t.Fatal(err)
		}
		for _, msg := range []*signal.Message{first, second, ice} {
			if err := st.AppendSignal(ctx, msg); err != nil {
				t.Fatal(err)
			}
		}

		got, err := st.LatestSignal(ctx, "c1", signal.TypeOffer)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != second.ID {
			t.Fatalf("latest offer ID %s, want %s", got.ID, second.ID)
		}
	})
}

func TestMemoryContract(t *testing.T) {
	st := NewMemory()
	defer st.Close()
	testStoreContract(t, st)
}

func TestMemorySubscribeFiltersByRecipient(t *testing.T) {
	st := NewMemory()
	defer st.Close()
	ctx := context.Background()

	bobCh, bobCancel := st.Subscribe("bob")
	defer bobCancel()
	carolCh, carolCancel := st.Subscribe("carol")
	defer carolCancel()

	if err := st.CreateCall(ctx, newRecord("c1")); err != nil {
		t.Fatal(err)
	}

	select {
	case change := <-bobCh:
		if change.Record == nil || change.Record.CallID != "c1" {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("bob never saw the record")
	}

	msg, err := signal.NewMessage("c1", "alice", "bob", signal.TypeAnswer, signal.AnswerPayload{})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AppendSignal(ctx, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case change := <-bobCh:
		if change.Message == nil || change.Message.ID != msg.ID {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("bob never saw the message")
	}

	select {
	case change := <-carolCh:
		t.Fatalf("carol saw a change for a call they are not part of: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySubscribeCancelClosesChannel(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	ch, cancel := st.Subscribe("bob")
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	if err := st.CreateCall(context.Background(), newRecord("c1")); err != nil {
		t.Fatal(err)
	}
}
