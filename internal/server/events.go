package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Event types pushed to /events subscribers.
const (
	EventConnectivity = "connectivity"
	EventProgress     = "progress"
	EventSyncComplete = "sync_complete"
)

// Event is one message on the /events stream.
type Event struct {
	Type      string `json:"type"`
	Online    *bool  `json:"online,omitempty"`
	Current   int    `json:"current,omitempty"`
	Total     int    `json:"total,omitempty"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// hub fans events out to websocket clients. Slow clients drop events rather
// than block the sync engine.
type hub struct {
	mu      sync.Mutex
	clients map[string]chan Event
	log     *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{clients: make(map[string]chan Event), log: log}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Debug("event dropped for slow client", "client_id", id, "type", ev.Type)
		}
	}
}

func (h *hub) subscribe() (string, <-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch, func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.log.Warn("accept websocket", "err", err)
		return
	}
	defer conn.CloseNow()

	id, events, unsubscribe := s.events.subscribe()
	defer unsubscribe()
	log := s.log.With("client_id", id)
	log.Debug("events client connected")

	// The UI never sends anything; CloseRead handles pings and notices the
	// client going away.
	ctx := conn.CloseRead(r.Context())

	online := s.monitor.Online()
	if err := s.writeEvent(ctx, conn, Event{Type: EventConnectivity, Online: &online}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("events client gone")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				log.Debug("write event", "err", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
