// Package signal defines the durable rows and wire payloads shared by every
// client of the call store: the Session Record (one per call attempt) and the
// Signal Message (one per directed control message). It imports only stdlib
// plus uuid — coupling to the coordinator is one-directional.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallKind selects the media mode requested for a call.
type CallKind string

const (
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

// CallStatus is the persisted projection of a call's lifecycle, used for
// cross-device convergence. ended, rejected, missed and busy are terminal:
// once written they never change again.
type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
	StatusMissed    CallStatus = "missed"
	StatusBusy      CallStatus = "busy"
)

// Terminal reports whether no further status transition is permitted.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed, StatusBusy:
		return true
	}
	return false
}

// SessionRecord is one durable row per call attempt, shared across all
// participants' clients.
type SessionRecord struct {
	CallID             string     `json:"call_id"`
	InitiatorID        string     `json:"initiator_id"`
	ResponderID        string     `json:"responder_id"`
	Kind               CallKind   `json:"kind"`
	Status             CallStatus `json:"status"`
	ConnectionMetadata string     `json:"connection_metadata,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            time.Time  `json:"ended_at,omitempty"`
}

// NewCallID generates the globally unique call identifier. The initiator
// creates it before any network round trip.
func NewCallID() string {
	return uuid.NewString()
}

// MsgType is the value of the "type" column on a Signal Message.
type MsgType string

const (
	TypeOffer        MsgType = "offer"
	TypeAnswer       MsgType = "answer"
	TypeICECandidate MsgType = "ice-candidate"
	TypeCallEnded    MsgType = "call-ended"
	TypeCallRejected MsgType = "call-rejected"
)

// Message is one directed control message. Messages are append-only and
// delivered at-least-once, possibly out of order relative to Session Record
// updates — consumers must dedupe on ID and tolerate early/late arrival.
type Message struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MsgType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessage builds a Message with a fresh ID and marshalled payload.
func NewMessage(callID, from, to string, typ MsgType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return &Message{
		ID:        uuid.NewString(),
		CallID:    callID,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ── Signal payloads ───────────────────────────────────────────────────────────
//
// All payloads ride inside Message.Payload and are routed by the Type column.
//
// Two-party signaling sequence:
//
//   initiator                        responder
//   ──────────────────────────────────────────────────────────────
//   offer          ────────────────► (incoming ring)
//                  ◄──────────────── answer        (on accept)
//   ice-candidate ◄────────────────► ice-candidate (trickle, both ways)
//   call-ended     ────────────────► (or either side, any time)
//                  ◄──────────────── call-rejected (instead of answer)
//
// The offer doubles as a fallback carrier for the connection metadata: the
// Session Record insert and the metadata population are not atomic from a
// subscriber's point of view, so the resolver reads the latest offer when the
// record field is still empty.

// OfferPayload invites the remote party and carries the connection metadata
// for the media session the initiator created. The metadata is opaque here.
type OfferPayload struct {
	Kind               CallKind `json:"kind"`
	ConnectionMetadata string   `json:"connection_metadata,omitempty"`
}

// AnswerPayload is sent by the responder after accepting the call.
type AnswerPayload struct {
	ConnectionMetadata string `json:"connection_metadata,omitempty"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ICEPayload carries one trickle ICE candidate between peers.
type ICEPayload struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// EndPayload terminates a call. Reason is informational only — receipt of the
// message itself is what forces teardown.
type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}
