package store

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/callsig/internal/signal"
)

// Memory is the in-process Store. It is the default backend for a single
// client process and the test double for the coordinator tests.
type Memory struct {
	*notifier

	mu      sync.RWMutex
	calls   map[string]*signal.SessionRecord
	signals map[string][]*signal.Message // callID → append-only log
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		notifier: newNotifier(),
		calls:    make(map[string]*signal.SessionRecord),
		signals:  make(map[string][]*signal.Message),
	}
}

func (m *Memory) CreateCall(_ context.Context, rec *signal.SessionRecord) error {
	m.mu.Lock()
	cp := *rec
	m.calls[rec.CallID] = &cp
	m.mu.Unlock()

	m.publish(recipients(&cp), &Change{Record: &cp})
	return nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (*signal.SessionRecord, error) {
	m.mu.RLock()
	rec, ok := m.calls[callID]
	var cp signal.SessionRecord
	if ok {
		cp = *rec
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, callID string, status signal.CallStatus) error {
	return m.update(callID, func(rec *signal.SessionRecord) error {
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		rec.Status = status
		if status.Terminal() {
			rec.EndedAt = time.Now().UTC()
		}
		return nil
	})
}

func (m *Memory) UpdateStatusIf(ctx context.Context, callID string, expect, status signal.CallStatus) error {
	return m.update(callID, func(rec *signal.SessionRecord) error {
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		if rec.Status != expect {
			return ErrConflict
		}
		rec.Status = status
		if status.Terminal() {
			rec.EndedAt = time.Now().UTC()
		}
		return nil
	})
}

func (m *Memory) SetConnectionMetadata(_ context.Context, callID, metadata string) error {
	return m.update(callID, func(rec *signal.SessionRecord) error {
		rec.ConnectionMetadata = metadata
		return nil
	})
}

// update applies fn to the row under the lock and publishes the new row on
// success.
func (m *Memory) update(callID string, fn func(*signal.SessionRecord) error) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(rec); err != nil {
		m.mu.Unlock()
		return err
	}
	cp := *rec
	m.mu.Unlock()

	m.publish(recipients(&cp), &Change{Record: &cp})
	return nil
}

func (m *Memory) AppendSignal(_ context.Context, msg *signal.Message) error {
	m.mu.Lock()
	cp := *msg
	m.signals[msg.CallID] = append(m.signals[msg.CallID], &cp)
	m.mu.Unlock()

	m.publish([]string{cp.To}, &Change{Message: &cp})
	return nil
}

func (m *Memory) LatestSignal(_ context.Context, callID string, typ signal.MsgType) (*signal.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.signals[callID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Type == typ {
			cp := *log[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Subscribe(recipientID string) (chan *Change, func()) {
	return m.subscribe(recipientID)
}

func (m *Memory) Close() error {
	m.closeAll()
	return nil
}

// recipients lists the participant IDs that should see a record change.
func recipients(rec *signal.SessionRecord) []string {
	return []string{rec.InitiatorID, rec.ResponderID}
}
