package call

import (
	"errors"
	"strings"
)

// Reason classifies why a call reached a terminal state. The UI derives its
// status text from this, never from raw error strings.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoAnswer         Reason = "no-answer"
	ReasonHangup           Reason = "hangup"
	ReasonRemoteEnded      Reason = "remote-ended"
	ReasonRejected         Reason = "rejected"
	ReasonBusy             Reason = "busy"
	ReasonNetwork          Reason = "network"
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonTimeout          Reason = "timeout"
	ReasonNotFound         Reason = "not-found"
	ReasonUnknown          Reason = "unknown"
)

// ErrNoMetadata is returned by the resolver when the connection metadata is
// still absent after all attempts. The coordinator surfaces it as a failed
// transition with reason not-found, never as a silent stall.
var ErrNoMetadata = errors.New("call: connection metadata not found")

// ErrBusy is returned by StartCall and AnswerCall while another call session
// is active.
var ErrBusy = errors.New("call: another call is active")

// Classify derives a failure reason from an underlying transport error by
// pattern-matching its text. The raw error is logged; only the classification
// crosses the event stream.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, ErrNoMetadata) {
		return ReasonNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") ||
		strings.Contains(msg, "denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return ReasonNotFound
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "unreachable") || strings.Contains(msg, "ice"):
		return ReasonNetwork
	}
	return ReasonUnknown
}

// ClassifyCode maps an engine error code (EngineEvents.OnError) to a Reason.
func ClassifyCode(code string) Reason {
	return Classify(errors.New(code))
}
