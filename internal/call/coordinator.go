package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/store"
)

var log = logging.Logger("call")

// opTimeout bounds store and engine calls issued from a session loop.
const opTimeout = 15 * time.Second

// Options tune a Coordinator. Zero values take the package defaults.
type Options struct {
	RingTimeout        time.Duration
	ResolverAttempts   int
	ResolverBaseDelay  time.Duration
	ResolverMultiplier float64
	Clock              clock.Clock
}

// Coordinator orchestrates call signaling for one client identity: it drives
// the per-call state machines, reads and writes Session Records, consumes the
// store's change feed and owns the media engine handles. One Coordinator per
// process; one session per active call ID, with defined creation and
// destruction points — never ambient global state.
type Coordinator struct {
	st     store.Store
	engine Engine
	selfID string
	clk    clock.Clock

	ringTimeout time.Duration
	timers      *RingTimers
	resolver    *Resolver

	mu       sync.RWMutex
	sessions map[string]*session

	// announced tracks ringing call IDs already surfaced to OnIncoming
	// handlers, so a record change plus a duplicated offer ring only once.
	announcedMu sync.Mutex
	announced   map[string]struct{}

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}

	cancelFeed func()
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a Coordinator for selfID on top of st and eng, and starts
// consuming the store's change feed immediately.
func New(st store.Store, eng Engine, selfID string, opts Options) *Coordinator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ringTimeout := opts.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}

	resolver := NewResolver(st, clk)
	resolver.SetSchedule(opts.ResolverAttempts, opts.ResolverBaseDelay, opts.ResolverMultiplier)

	c := &Coordinator{
		st:          st,
		engine:      eng,
		selfID:      selfID,
		clk:         clk,
		ringTimeout: ringTimeout,
		timers:      NewRingTimers(clk),
		resolver:    resolver,
		sessions:    make(map[string]*session),
		announced:   make(map[string]struct{}),
		listeners:   make(map[chan Snapshot]struct{}),
		done:        make(chan struct{}),
	}

	ch, cancel := st.Subscribe(selfID)
	c.cancelFeed = cancel
	go c.dispatchLoop(ch)
	return c
}

// OnIncoming registers a callback fired once per inbound ringing call.
// Multiple handlers can be registered.
func (c *Coordinator) OnIncoming(fn func(*IncomingCall)) {
	c.incomingMu.Lock()
	c.incoming = append(c.incoming, fn)
	c.incomingMu.Unlock()
}

// Subscribe returns the lifecycle event stream: one Snapshot per observable
// transition across all calls. cancel detaches and closes the channel.
func (c *Coordinator) Subscribe() (ch chan Snapshot, cancel func()) {
	ch = make(chan Snapshot, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// ── Public command surface ────────────────────────────────────────────────────

// StartCall places an outbound call to targetID and returns the new call ID.
// The heavy lifting (record insert, media session, offer) continues on the
// session's event loop; failures surface on the event stream as a failed
// state, never as a crash.
func (c *Coordinator) StartCall(ctx context.Context, targetID string, kind signal.CallKind) (string, error) {
	if targetID == "" {
		return "", fmt.Errorf("start call: empty target")
	}

	callID := signal.NewCallID()
	sess := newSession(callID, targetID, kind, RoleInitiator)

	c.mu.Lock()
	if len(c.sessions) > 0 {
		c.mu.Unlock()
		sess.stop()
		return "", ErrBusy
	}
	c.sessions[callID] = sess
	c.mu.Unlock()

	log.Infof("CALL [%s]: started → %s (%s)", callID, targetID, kind)

	sess.do(func() {
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		c.applyEvent(sess, EvStart, ReasonNone)

		rec := &signal.SessionRecord{
			CallID:      callID,
			InitiatorID: c.selfID,
			ResponderID: targetID,
			Kind:        kind,
			Status:      signal.StatusRinging,
			StartedAt:   c.clk.Now().UTC(),
		}
		if err := c.st.CreateCall(opCtx, rec); err != nil {
			c.failSession(sess, fmt.Errorf("create record: %w", err))
			return
		}

		h, meta, err := c.engine.CreateSession(opCtx, kind, c.engineEvents(callID))
		if err != nil {
			c.failSession(sess, fmt.Errorf("create media session: %w", err))
			return
		}
		sess.handle = h

		if err := c.st.SetConnectionMetadata(opCtx, callID, meta); err != nil {
			log.Warnf("CALL [%s]: persist metadata: %v", callID, err)
		}

		offer, err := signal.NewMessage(callID, c.selfID, targetID, signal.TypeOffer,
			signal.OfferPayload{Kind: kind, ConnectionMetadata: meta})
		if err == nil {
			err = c.st.AppendSignal(opCtx, offer)
		}
		if err != nil {
			c.failSession(sess, fmt.Errorf("send offer: %w", err))
			return
		}

		if err := c.engine.Join(opCtx, sess.handle, meta); err != nil {
			c.failSession(sess, fmt.Errorf("join media session: %w", err))
			return
		}
		// EvLocalMediaReady arrives via the engine's OnJoined callback.
	})
	return callID, nil
}

// AnswerCall accepts an inbound ringing call. If the record's connection
// metadata has not materialized yet the resolver is invoked before the media
// engine is ever touched; resolver exhaustion surfaces as failed/not-found.
func (c *Coordinator) AnswerCall(ctx context.Context, callID string) error {
	rec, err := c.st.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("answer %s: %w", callID, err)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("answer %s: call already %s", callID, rec.Status)
	}

	sess := newSession(callID, rec.InitiatorID, rec.Kind, RoleResponder)

	c.mu.Lock()
	if _, dup := c.sessions[callID]; dup {
		c.mu.Unlock()
		sess.stop()
		return nil // already answering
	}
	if len(c.sessions) > 0 {
		c.mu.Unlock()
		sess.stop()
		return ErrBusy
	}
	c.sessions[callID] = sess
	c.mu.Unlock()

	log.Infof("CALL [%s]: answering from %s", callID, rec.InitiatorID)

	meta := rec.ConnectionMetadata
	sess.do(func() {
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		c.applyEvent(sess, EvAnswer, ReasonNone)

		if meta == "" {
			resolved, err := c.resolver.Resolve(opCtx, callID)
			if err != nil {
				// No media session exists yet; this fails without ever
				// contacting the engine.
				c.failSession(sess, err)
				return
			}
			meta = resolved
		}

		h, _, err := c.engine.CreateSession(opCtx, rec.Kind, c.engineEvents(callID))
		if err != nil {
			c.failSession(sess, fmt.Errorf("create media session: %w", err))
			return
		}
		sess.handle = h

		// The offer (and its metadata) is our remote description; buffered
		// candidates can now be applied.
		sess.hasRemoteDescription = true
		c.drainCandidates(sess)

		answer, err := signal.NewMessage(callID, c.selfID, rec.InitiatorID, signal.TypeAnswer,
			signal.AnswerPayload{})
		if err == nil {
			err = c.st.AppendSignal(opCtx, answer)
		}
		if err != nil {
			c.failSession(sess, fmt.Errorf("send answer: %w", err))
			return
		}

		if err := c.engine.Join(opCtx, sess.handle, meta); err != nil {
			c.failSession(sess, fmt.Errorf("join media session: %w", err))
			return
		}
	})
	return nil
}

// RejectCall declines a ringing call without ever creating a call session or
// touching the media engine. Idempotent.
func (c *Coordinator) RejectCall(ctx context.Context, callID string) error {
	rec, err := c.st.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reject %s: %w", callID, err)
	}
	if rec.Status.Terminal() {
		return nil
	}

	err = c.st.UpdateStatusIf(ctx, callID, signal.StatusRinging, signal.StatusRejected)
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTerminal) {
		return fmt.Errorf("reject %s: %w", callID, err)
	}

	msg, err := signal.NewMessage(callID, c.selfID, rec.InitiatorID, signal.TypeCallRejected,
		signal.EndPayload{Reason: string(ReasonRejected)})
	if err == nil {
		if err := c.st.AppendSignal(ctx, msg); err != nil {
			log.Warnf("CALL [%s]: send reject: %v", callID, err)
		}
	}

	c.forgetAnnounced(callID)
	log.Infof("CALL [%s]: rejected", callID)
	return nil
}

// EndCall hangs up the call: call-ended signal, terminal record status, media
// teardown, timers cleared. Safe to race with a remote end — both succeed and
// exactly one terminal state results.
func (c *Coordinator) EndCall(ctx context.Context, callID string) error {
	sess := c.getSession(callID)
	if sess == nil {
		return nil // already over
	}

	sess.do(func() {
		if sess.machine.State().Terminal() {
			return
		}
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		msg, err := signal.NewMessage(callID, c.selfID, sess.remoteID, signal.TypeCallEnded,
			signal.EndPayload{Reason: string(ReasonHangup)})
		if err == nil {
			if err := c.st.AppendSignal(opCtx, msg); err != nil {
				log.Warnf("CALL [%s]: send hangup: %v", callID, err)
			}
		}

		if err := c.st.UpdateStatus(opCtx, callID, signal.StatusEnded); err != nil &&
			!errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("CALL [%s]: mark ended: %v", callID, err)
		}

		c.applyEvent(sess, EvHangup, ReasonHangup)
	})
	return nil
}

// SetLocalAudioEnabled forwards the mute state to the engine. Only effective
// while connected; otherwise a no-op.
func (c *Coordinator) SetLocalAudioEnabled(callID string, enabled bool) error {
	return c.setTrack(callID, TrackAudio, enabled)
}

// SetLocalVideoEnabled forwards the camera state to the engine. Only
// effective while connected; otherwise a no-op.
func (c *Coordinator) SetLocalVideoEnabled(callID string, enabled bool) error {
	return c.setTrack(callID, TrackVideo, enabled)
}

// ToggleAudio flips local audio. Returns the new muted state (true = muted).
func (c *Coordinator) ToggleAudio(callID string) (bool, error) {
	return c.toggle(callID, TrackAudio)
}

// ToggleVideo flips local video. Returns the new disabled state.
func (c *Coordinator) ToggleVideo(callID string) (bool, error) {
	return c.toggle(callID, TrackVideo)
}

// ActiveCalls returns a snapshot per active session, for the debug surface.
func (c *Coordinator) ActiveCalls() []Snapshot {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		var snap Snapshot
		if c.runOn(s, func() { snap = c.snapshot(s) }) == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Close shuts down the coordinator and hangs up all active calls.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelFeed()

		c.mu.Lock()
		sessions := make([]*session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()

		for _, s := range sessions {
			_ = c.EndCall(context.Background(), s.callID)
			_ = c.runOn(s, func() {}) // wait for the hangup to process
			s.stop()
		}
		c.timers.Close()

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = make(map[chan Snapshot]struct{})
		c.listenerMu.Unlock()
	})
}

// ── Change feed dispatch ──────────────────────────────────────────────────────

func (c *Coordinator) dispatchLoop(ch chan *store.Change) {
	for {
		select {
		case <-c.done:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if change.Message != nil {
				c.handleMessage(change.Message)
			}
			if change.Record != nil {
				c.handleRecord(change.Record)
			}
		}
	}
}

func (c *Coordinator) handleRecord(rec *signal.SessionRecord) {
	sess := c.getSession(rec.CallID)
	if sess == nil {
		switch {
		case rec.Status == signal.StatusRinging && rec.ResponderID == c.selfID:
			c.announceIncoming(rec.CallID, rec.InitiatorID, rec.Kind)
		case rec.Status.Terminal():
			c.forgetAnnounced(rec.CallID)
		}
		return
	}

	status := rec.Status
	sess.do(func() {
		switch {
		case status.Terminal():
			c.applyEvent(sess, EvRemoteEnded, reasonFromStatus(status))
		case status == signal.StatusConnected && sess.machine.Role() == RoleInitiator:
			// The responder's conditional write is remote-presence evidence.
			c.applyEvent(sess, EvRemoteJoined, ReasonNone)
		}
	})
}

func (c *Coordinator) handleMessage(msg *signal.Message) {
	if msg.To != c.selfID {
		return
	}

	sess := c.getSession(msg.CallID)
	if sess == nil {
		// An offer can legitimately beat the record notification; ring on it.
		if msg.Type == signal.TypeOffer {
			var offer signal.OfferPayload
			_ = json.Unmarshal(msg.Payload, &offer)
			kind := offer.Kind
			if kind == "" {
				kind = signal.KindVoice
			}
			c.announceIncoming(msg.CallID, msg.From, kind)
			return
		}
		log.Debugf("CALL [%s]: %s for unknown session, dropped", msg.CallID, msg.Type)
		return
	}

	sess.do(func() { c.processSignal(sess, msg) })
}

// processSignal applies one inbound Signal Message on the session loop.
// Re-applying an already-processed message is a no-op.
func (c *Coordinator) processSignal(sess *session, msg *signal.Message) {
	if _, dup := sess.seen[msg.ID]; dup {
		log.Debugf("CALL [%s]: duplicate %s %s ignored", sess.callID, msg.Type, msg.ID)
		return
	}
	sess.seen[msg.ID] = struct{}{}

	if sess.machine.State().Terminal() {
		log.Debugf("CALL [%s]: %s after terminal state ignored", sess.callID, msg.Type)
		return
	}

	switch msg.Type {
	case signal.TypeAnswer:
		sess.hasRemoteDescription = true
		c.drainCandidates(sess)

	case signal.TypeICECandidate:
		var p signal.ICEPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warnf("CALL [%s]: bad ice payload: %v", sess.callID, err)
			return
		}
		if sess.hasRemoteDescription && sess.handle != nil {
			if err := c.engine.AddRemoteCandidate(sess.handle, p.Candidate); err != nil {
				log.Warnf("CALL [%s]: add candidate: %v", sess.callID, err)
			}
		} else {
			sess.ice.Add(p.Candidate)
		}

	case signal.TypeCallEnded:
		c.applyEvent(sess, EvRemoteEnded, endReason(msg, ReasonRemoteEnded))

	case signal.TypeCallRejected:
		c.applyEvent(sess, EvRemoteEnded, endReason(msg, ReasonRejected))

	case signal.TypeOffer:
		// Initiator never expects an offer; responder already consumed it via
		// the record/announce path.
		log.Debugf("CALL [%s]: late offer ignored", sess.callID)
	}
}

// ── Session lifecycle internals (all run on the session loop) ─────────────────

// applyEvent drives the state machine and runs the entry actions for the new
// state. Every actual transition emits a Snapshot.
func (c *Coordinator) applyEvent(sess *session, ev Event, reason Reason) {
	state, changed := sess.machine.Apply(ev)
	if !changed {
		log.Debugf("CALL [%s]: %s in %s ignored", sess.callID, ev, state)
		return
	}
	if reason != ReasonNone {
		sess.reason = reason
	}

	switch state {
	case StateRinging:
		c.timers.Arm(sess.callID, c.ringTimeout, func() { c.onRingTimeout(sess.callID) })

	case StateConnected:
		c.timers.Disarm(sess.callID)
		sess.connectedAt = c.clk.Now()
		if sess.participantCount < 2 {
			sess.participantCount = 2
		}
		if sess.machine.Role() == RoleResponder {
			c.confirmConnected(sess)
			if sess.machine.State() != StateConnected {
				return // lost the race against ring timeout; already emitted
			}
		}

	case StateEnded, StateFailed:
		sess.finalDuration = sess.durationSeconds(c.clk.Now())
		c.timers.Disarm(sess.callID)
		c.teardownEngine(sess)
		c.emit(sess)
		c.removeSession(sess)
		log.Infof("CALL [%s]: %s (%s)", sess.callID, state, sess.reason)
		return
	}

	c.emit(sess)
}

// confirmConnected is the responder's conditional record write. If the
// ring timeout marked the call missed a hair earlier, the remote party's
// terminal state takes precedence and the session is torn down instead.
func (c *Coordinator) confirmConnected(sess *session) {
	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.st.UpdateStatusIf(opCtx, sess.callID, signal.StatusRinging, signal.StatusConnected)
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTerminal) {
		reason := ReasonRemoteEnded
		if rec, rerr := c.st.GetCall(opCtx, sess.callID); rerr == nil {
			reason = reasonFromStatus(rec.Status)
		}
		log.Infof("CALL [%s]: answer lost the race (%s)", sess.callID, reason)
		c.applyEvent(sess, EvRemoteEnded, reason)
		return
	}
	log.Warnf("CALL [%s]: confirm connected: %v", sess.callID, err)
}

// onRingTimeout fires when an outbound call rang past its deadline. The
// conditional write keyed on ringing loses cleanly to a near-simultaneous
// answer: exactly one of connected/missed results.
func (c *Coordinator) onRingTimeout(callID string) {
	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.st.UpdateStatusIf(opCtx, callID, signal.StatusRinging, signal.StatusMissed)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTerminal) {
			log.Debugf("CALL [%s]: ring timeout raced an answer, ignored", callID)
			return
		}
		log.Warnf("CALL [%s]: mark missed: %v", callID, err)
	}

	if sess := c.getSession(callID); sess != nil {
		sess.do(func() { c.applyEvent(sess, EvRingTimeout, ReasonNoAnswer) })
	}
}

// failSession classifies err and drives the session to failed. Initiator-side
// failures also close out the record so the remote side stops ringing.
func (c *Coordinator) failSession(sess *session, err error) {
	log.Warnf("CALL [%s]: %v", sess.callID, err)

	if sess.machine.Role() == RoleInitiator {
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if uerr := c.st.UpdateStatus(opCtx, sess.callID, signal.StatusEnded); uerr != nil &&
			!errors.Is(uerr, store.ErrTerminal) && !errors.Is(uerr, store.ErrNotFound) {
			log.Warnf("CALL [%s]: close record: %v", sess.callID, uerr)
		}
		cancel()
	}

	c.applyEvent(sess, EvTransportError, Classify(err))
}

// teardownEngine releases the media session. The nil check guards the
// double-teardown race between explicit end and timeout: exactly one path
// releases the handle.
func (c *Coordinator) teardownEngine(sess *session) {
	if sess.handle == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.engine.Leave(opCtx, sess.handle); err != nil {
		log.Warnf("CALL [%s]: leave media session: %v", sess.callID, err)
	}
	sess.handle = nil
}

// drainCandidates applies buffered remote candidates in arrival order once
// the remote description is set.
func (c *Coordinator) drainCandidates(sess *session) {
	if sess.handle == nil {
		return
	}
	for _, cand := range sess.ice.DrainIfReady(sess.hasRemoteDescription) {
		if err := c.engine.AddRemoteCandidate(sess.handle, cand); err != nil {
			log.Warnf("CALL [%s]: add candidate: %v", sess.callID, err)
		}
	}
}

// engineEvents adapts one media session's callbacks onto the owning call
// session's event loop.
func (c *Coordinator) engineEvents(callID string) EngineEvents {
	enqueue := func(fn func(*session)) {
		if sess := c.getSession(callID); sess != nil {
			sess.do(func() { fn(sess) })
		}
	}
	return EngineEvents{
		OnJoined: func() {
			enqueue(func(sess *session) {
				if sess.participantCount == 0 {
					sess.participantCount = 1
				}
				c.applyEvent(sess, EvLocalMediaReady, ReasonNone)
			})
		},
		OnParticipantJoined: func() {
			enqueue(func(sess *session) {
				sess.participantCount++
				if sess.machine.Role() == RoleInitiator {
					c.applyEvent(sess, EvRemoteJoined, ReasonNone)
				} else {
					c.emit(sess)
				}
			})
		},
		OnParticipantLeft: func() {
			enqueue(func(sess *session) {
				if sess.participantCount > 0 {
					sess.participantCount--
				}
				// The remote party leaving the media session ends the call.
				if sess.machine.State() == StateConnected {
					c.applyEvent(sess, EvRemoteEnded, ReasonRemoteEnded)
				} else {
					c.emit(sess)
				}
			})
		},
		OnLocalCandidate: func(cand signal.ICECandidateInit) {
			enqueue(func(sess *session) {
				opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
				defer cancel()
				msg, err := signal.NewMessage(callID, c.selfID, sess.remoteID,
					signal.TypeICECandidate, signal.ICEPayload{Candidate: cand})
				if err == nil {
					err = c.st.AppendSignal(opCtx, msg)
				}
				if err != nil {
					log.Warnf("CALL [%s]: send candidate: %v", callID, err)
				}
			})
		},
		OnError: func(code string) {
			enqueue(func(sess *session) {
				log.Warnf("CALL [%s]: engine error: %s", callID, code)
				c.applyEvent(sess, EvTransportError, ClassifyCode(code))
			})
		},
	}
}

// ── Incoming-call announcement ────────────────────────────────────────────────

// announceIncoming rings the UI exactly once per call ID. A second incoming
// call while one is active is auto-declined as busy without ringing.
func (c *Coordinator) announceIncoming(callID, from string, kind signal.CallKind) {
	c.announcedMu.Lock()
	if _, dup := c.announced[callID]; dup {
		c.announcedMu.Unlock()
		return
	}
	c.announced[callID] = struct{}{}
	c.announcedMu.Unlock()

	c.mu.RLock()
	busy := len(c.sessions) > 0
	c.mu.RUnlock()
	if busy {
		go c.declineBusy(callID, from)
		return
	}

	ic := &IncomingCall{
		CallID: callID,
		From:   from,
		Kind:   kind,
		Accept: func(ctx context.Context) error { return c.AnswerCall(ctx, callID) },
		Reject: func(ctx context.Context) error { return c.RejectCall(ctx, callID) },
	}

	c.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(c.incoming))
	copy(handlers, c.incoming)
	c.incomingMu.RUnlock()

	log.Infof("CALL [%s]: incoming from %s (%s)", callID, from, kind)
	for _, fn := range handlers {
		fn(ic)
	}
}

func (c *Coordinator) declineBusy(callID, from string) {
	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.st.UpdateStatusIf(opCtx, callID, signal.StatusRinging, signal.StatusBusy)
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTerminal) &&
		!errors.Is(err, store.ErrNotFound) {
		log.Warnf("CALL [%s]: mark busy: %v", callID, err)
	}

	msg, err := signal.NewMessage(callID, c.selfID, from, signal.TypeCallRejected,
		signal.EndPayload{Reason: string(ReasonBusy)})
	if err == nil {
		if err := c.st.AppendSignal(opCtx, msg); err != nil {
			log.Warnf("CALL [%s]: send busy: %v", callID, err)
		}
	}
	log.Infof("CALL [%s]: declined busy", callID)
}

func (c *Coordinator) forgetAnnounced(callID string) {
	c.announcedMu.Lock()
	delete(c.announced, callID)
	c.announcedMu.Unlock()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (c *Coordinator) getSession(callID string) *session {
	c.mu.RLock()
	sess := c.sessions[callID]
	c.mu.RUnlock()
	return sess
}

func (c *Coordinator) removeSession(sess *session) {
	c.mu.Lock()
	delete(c.sessions, sess.callID)
	c.mu.Unlock()
	c.forgetAnnounced(sess.callID)
	sess.stop()
}

func (c *Coordinator) snapshot(sess *session) Snapshot {
	return Snapshot{
		CallID:           sess.callID,
		State:            sess.machine.State(),
		Reason:           sess.reason,
		Kind:             sess.kind,
		ParticipantCount: sess.participantCount,
		DurationSeconds:  sess.durationSeconds(c.clk.Now()),
	}
}

func (c *Coordinator) emit(sess *session) {
	snap := c.snapshot(sess)
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// runOn executes fn on the session loop and waits for it.
func (c *Coordinator) runOn(sess *session, fn func()) error {
	done := make(chan struct{})
	if !sess.do(func() { fn(); close(done) }) {
		return fmt.Errorf("call %s: session stopped", sess.callID)
	}
	select {
	case <-done:
		return nil
	case <-sess.done:
		return fmt.Errorf("call %s: session stopped", sess.callID)
	}
}

func (c *Coordinator) setTrack(callID string, track Track, enabled bool) error {
	sess := c.getSession(callID)
	if sess == nil {
		return fmt.Errorf("call %s: no active session", callID)
	}
	return c.runOn(sess, func() {
		if sess.machine.State() != StateConnected || sess.handle == nil {
			return
		}
		if err := c.engine.SetLocalTrackEnabled(sess.handle, track, enabled); err != nil {
			log.Warnf("CALL [%s]: set %s=%v: %v", callID, track, enabled, err)
		}
	})
}

func (c *Coordinator) toggle(callID string, track Track) (bool, error) {
	sess := c.getSession(callID)
	if sess == nil {
		return false, fmt.Errorf("call %s: no active session", callID)
	}
	var off bool
	err := c.runOn(sess, func() {
		switch track {
		case TrackAudio:
			sess.audioOn = !sess.audioOn
			off = !sess.audioOn
		case TrackVideo:
			sess.videoOn = !sess.videoOn
			off = !sess.videoOn
		}
		if sess.machine.State() == StateConnected && sess.handle != nil {
			if err := c.engine.SetLocalTrackEnabled(sess.handle, track, !off); err != nil {
				log.Warnf("CALL [%s]: toggle %s: %v", callID, track, err)
			}
		}
	})
	return off, err
}

// endReason extracts the peer's stated reason from a call-ended or
// call-rejected payload, falling back on the message type's default.
func endReason(msg *signal.Message, fallback Reason) Reason {
	var p signal.EndPayload
	if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Reason != "" {
		return Reason(p.Reason)
	}
	return fallback
}

func reasonFromStatus(status signal.CallStatus) Reason {
	switch status {
	case signal.StatusRejected:
		return ReasonRejected
	case signal.StatusMissed:
		return ReasonNoAnswer
	case signal.StatusBusy:
		return ReasonBusy
	default:
		return ReasonRemoteEnded
	}
}
