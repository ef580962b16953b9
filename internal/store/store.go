// Package store defines the Session Record Store contract the coordinator
// consumes, plus three implementations: in-memory (tests and single-process
// default), SQLite (durable single-node) and Redis (shared, cross-process
// change feed).
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/callsig/internal/signal"
)

var (
	// ErrNotFound is returned when no row matches the requested ID.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminal is returned by status writes against a call whose status is
	// already terminal. Callers that race a remote teardown treat it as benign.
	ErrTerminal = errors.New("store: call already terminal")

	// ErrConflict is returned by UpdateStatusIf when the current status does
	// not match the expected one.
	ErrConflict = errors.New("store: status conflict")
)

// Change is one entry in a recipient's change feed. Exactly one of Record and
// Message is set. Delivery is at-least-once and not ordered with respect to
// the writes that produced it.
type Change struct {
	Record  *signal.SessionRecord `json:"record,omitempty"`
	Message *signal.Message       `json:"message,omitempty"`
}

// Store is the only surface the coordinator needs from the backing engine.
// Reads are eventually consistent: a just-written field may not be visible to
// a concurrent reader, which is why the metadata resolver exists.
type Store interface {
	// CreateCall inserts a new Session Record.
	CreateCall(ctx context.Context, rec *signal.SessionRecord) error

	// GetCall reads a Session Record by ID. Returns ErrNotFound if absent.
	GetCall(ctx context.Context, callID string) (*signal.SessionRecord, error)

	// UpdateStatus writes a new status, setting EndedAt when the new status is
	// terminal. Returns ErrTerminal if the call is already terminal.
	UpdateStatus(ctx context.Context, callID string, status signal.CallStatus) error

	// UpdateStatusIf writes status only when the current value equals expect
	// (conditional write — resolves the ring-timeout vs. answer race).
	// Returns ErrConflict on mismatch, ErrTerminal if already terminal.
	UpdateStatusIf(ctx context.Context, callID string, expect, status signal.CallStatus) error

	// SetConnectionMetadata populates the opaque metadata field.
	SetConnectionMetadata(ctx context.Context, callID, metadata string) error

	// AppendSignal appends one Signal Message and fans it out to the
	// recipient's change feed.
	AppendSignal(ctx context.Context, msg *signal.Message) error

	// LatestSignal returns the most recent message of the given type for a
	// call, or ErrNotFound.
	LatestSignal(ctx context.Context, callID string, typ signal.MsgType) (*signal.Message, error)

	// Subscribe returns a change feed filtered to rows and messages addressed
	// to recipientID. cancel detaches the feed and closes ch.
	Subscribe(recipientID string) (ch chan *Change, cancel func())

	// Close releases the backing engine.
	Close() error
}

// notifier is the in-process change-feed fanout shared by the memory and
// SQLite backends. Redis uses real pub/sub instead.
type notifier struct {
	mu        sync.RWMutex
	listeners map[chan *Change]string // feed channel → recipientID filter
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[chan *Change]string)}
}

func (n *notifier) subscribe(recipientID string) (chan *Change, func()) {
	ch := make(chan *Change, 64)

	n.mu.Lock()
	n.listeners[ch] = recipientID
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.listeners[ch]; ok {
			delete(n.listeners, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// publish fans out one change to every listener whose recipient filter
// matches. Slow listeners are skipped, not blocked on.
func (n *notifier) publish(recipients []string, c *Change) {
	n.mu.RLock()
	for ch, id := range n.listeners {
		for _, r := range recipients {
			if id == r {
				select {
				case ch <- c:
				default:
				}
				break
			}
		}
	}
	n.mu.RUnlock()
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	for ch := range n.listeners {
		close(ch)
	}
	n.listeners = make(map[chan *Change]string)
	n.mu.Unlock()
}
