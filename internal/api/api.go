// Package api exposes the coordinator's command surface and lifecycle event
// stream over HTTP: JSON POST endpoints for the commands and a websocket for
// the event stream a UI binds to.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/signal"
)

var log = logging.Logger("api")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The surface binds to loopback; the UI may load from file:// or a
	// localhost origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server registers the call API on a mux.
type Server struct {
	coord *call.Coordinator
}

// New creates a Server for coord.
func New(coord *call.Coordinator) *Server {
	return &Server{coord: coord}
}

// Register wires all endpoints onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	// GET /api/call/debug — live session status for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		calls := s.coord.ActiveCalls()
		writeJSON(w, map[string]any{
			"call_count": len(calls),
			"calls":      calls,
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetID string `json:"target_id"`
		Kind     string `json:"kind"`
	}) {
		if req.TargetID == "" {
			http.Error(w, "missing target_id", http.StatusBadRequest)
			return
		}
		kind := signal.CallKind(req.Kind)
		if kind == "" {
			kind = signal.KindVoice
		}
		if kind != signal.KindVoice && kind != signal.KindVideo {
			http.Error(w, "kind must be voice or video", http.StatusBadRequest)
			return
		}
		callID, err := s.coord.StartCall(r.Context(), req.TargetID, kind)
		if err != nil {
			status := http.StatusInternalServerError
			if err == call.ErrBusy {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]string{"status": "started", "call_id": callID})
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.coord.AnswerCall(r.Context(), req.CallID); err != nil {
			status := http.StatusInternalServerError
			if err == call.ErrBusy {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]string{"status": "answering", "call_id": req.CallID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.coord.RejectCall(r.Context(), req.CallID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.coord.EndCall(r.Context(), req.CallID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ended", "call_id": req.CallID})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		muted, err := s.coord.ToggleAudio(req.CallID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		disabled, err := s.coord.ToggleVideo(req.CallID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"videoDisabled": disabled})
	})

	// WS /api/call/events — lifecycle snapshots plus incoming-call rings.
	mux.HandleFunc("/api/call/events", s.handleEvents)
}

// wsEvent is one frame on the events websocket.
type wsEvent struct {
	Type     string         `json:"type"` // "state" | "incoming"
	Snapshot *call.Snapshot `json:"snapshot,omitempty"`
	CallID   string         `json:"call_id,omitempty"`
	From     string         `json:"from,omitempty"`
	Kind     string         `json:"kind,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("events upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.coord.Subscribe()
	defer cancel()

	// Ring notifications ride the same socket. The handler registry has no
	// unregister, so the callback forwards into a channel we stop draining
	// when this connection dies.
	incoming := make(chan wsEvent, 8)
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	s.coord.OnIncoming(func(ic *call.IncomingCall) {
		ev := wsEvent{Type: "incoming", CallID: ic.CallID, From: ic.From, Kind: string(ic.Kind)}
		select {
		case incoming <- ev:
		case <-ctx.Done():
		default:
		}
	})

	// Reader goroutine: we only care about the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stop()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsEvent{Type: "state", Snapshot: &snap}); err != nil {
				return
			}
		case ev := <-incoming:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
