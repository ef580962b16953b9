package call

// State is one position in a call's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether no transition out of s is defined.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Role distinguishes the party that placed the call from the one answering.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"

	// roleAny is the table wildcard for role-insensitive transitions.
	roleAny Role = "*"
)

// Event is one input to the state machine.
type Event string

const (
	EvStart           Event = "start"
	EvAnswer          Event = "answer"
	EvLocalMediaReady Event = "local-media-ready"
	EvRemoteJoined    Event = "remote-joined"
	EvRingTimeout     Event = "ring-timeout"
	EvRemoteEnded     Event = "remote-ended" // covers call-ended and call-rejected
	EvTransportError  Event = "transport-error"
	EvHangup          Event = "hangup"
)

type transitionKey struct {
	from State
	ev   Event
	role Role
}

// transitions is the single lifecycle definition for both roles. Keeping it
// as data means every initiator/responder path is exhaustively testable from
// one table instead of living in branchy per-client code.
//
// The initiator must distinguish "media engine joined" from "remote party
// present": joining the session object happens before the other side is known
// to have joined, so the initiator holds in ringing until an explicit
// remote-presence event. Answering implies the other party is already there,
// so the responder goes straight to connected on local join.
var transitions = map[transitionKey]State{
	{StateIdle, EvStart, RoleInitiator}:  StateConnecting,
	{StateIdle, EvAnswer, RoleResponder}: StateConnecting,

	{StateConnecting, EvLocalMediaReady, RoleInitiator}: StateRinging,
	{StateConnecting, EvLocalMediaReady, RoleResponder}: StateConnected,

	{StateRinging, EvRemoteJoined, RoleInitiator}: StateConnected,
	{StateRinging, EvRingTimeout, RoleInitiator}:  StateEnded,

	{StateConnecting, EvRemoteEnded, roleAny}: StateEnded,
	{StateRinging, EvRemoteEnded, roleAny}:    StateEnded,
	{StateConnected, EvRemoteEnded, roleAny}:  StateEnded,

	{StateConnecting, EvTransportError, roleAny}: StateFailed,
	{StateRinging, EvTransportError, roleAny}:    StateFailed,
	{StateConnected, EvTransportError, roleAny}:  StateFailed,

	// Local hangup: cancel while dialing or ringing, or end when connected.
	{StateConnecting, EvHangup, roleAny}: StateEnded,
	{StateRinging, EvHangup, roleAny}:    StateEnded,
	{StateConnected, EvHangup, roleAny}:  StateEnded,
}

// Machine is the lifecycle state machine for one call, parameterized by role.
// It is not goroutine-safe; the owning call session serializes access.
type Machine struct {
	role  Role
	state State
}

// NewMachine creates a machine in the idle state.
func NewMachine(role Role) *Machine {
	return &Machine{role: role, state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Role returns the machine's role.
func (m *Machine) Role() Role { return m.role }

// Apply feeds one event into the machine. It returns the resulting state and
// whether the event caused a transition. Events with no defined transition —
// including anything received in a terminal state — are ignored, never
// errors: duplicate and late signals are expected under at-least-once
// delivery.
func (m *Machine) Apply(ev Event) (State, bool) {
	if m.state.Terminal() {
		return m.state, false
	}
	next, ok := transitions[transitionKey{m.state, ev, m.role}]
	if !ok {
		next, ok = transitions[transitionKey{m.state, ev, roleAny}]
	}
	if !ok {
		return m.state, false
	}
	m.state = next
	return next, true
}
