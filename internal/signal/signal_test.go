package signal

import (
	"encoding/json"
	"testing"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := []CallStatus{StatusEnded, StatusRejected, StatusMissed, StatusBusy}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CallStatus{StatusRinging, StatusConnected} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("c1", "alice", "bob", TypeOffer,
		OfferPayload{Kind: KindVideo, ConnectionMetadata: "wss://meet/c1"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Fatal("missing message ID")
	}
	if msg.CallID != "c1" || msg.From != "alice" || msg.To != "bob" || msg.Type != TypeOffer {
		t.Fatalf("fields %+v", msg)
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("missing CreatedAt")
	}

	var offer OfferPayload
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		t.Fatal(err)
	}
	if offer.Kind != KindVideo || offer.ConnectionMetadata != "wss://meet/c1" {
		t.Fatalf("payload %+v", offer)
	}
}

func TestNewMessageNilPayload(t *testing.T) {
	msg, err := NewMessage("c1", "alice", "bob", TypeAnswer, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Payload != nil {
		t.Fatalf("payload %q, want none", msg.Payload)
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	a, _ := NewMessage("c1", "alice", "bob", TypeAnswer, nil)
	b, _ := NewMessage("c1", "alice", "bob", TypeAnswer, nil)
	if a.ID == b.ID {
		t.Fatal("two messages share an ID")
	}
}
