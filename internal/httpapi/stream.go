package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardianrail/safety/infrastructure/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EscalationEvent is what EscalationBroadcaster fans out to every connected
// reviewer dashboard over /v1/escalations/stream.
type EscalationEvent struct {
	AuditID   string    `json:"audit_id"`
	SubjectID string    `json:"subject_id"`
	Severity  string    `json:"severity"`
	ReasonCode string   `json:"reason_code"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationBroadcaster fans escalation events out to connected reviewer
// dashboards. It is the streaming counterpart to escalation.Service.Escalate:
// cmd/safetygate reads the broker stream that Escalate publishes to and calls
// Publish for each entry, and every websocket client registered via
// streamEscalations receives the event.
type EscalationBroadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan EscalationEvent
}

// NewEscalationBroadcaster builds an empty broadcaster.
func NewEscalationBroadcaster() *EscalationBroadcaster {
	return &EscalationBroadcaster{clients: make(map[*websocket.Conn]chan EscalationEvent)}
}

// Publish fans ev out to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the publisher.
func (b *EscalationBroadcaster) Publish(ev EscalationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *EscalationBroadcaster) register(conn *websocket.Conn) chan EscalationEvent {
	ch := make(chan EscalationEvent, 16)
	b.mu.Lock()
	b.clients[conn] = ch
	b.mu.Unlock()
	return ch
}

func (b *EscalationBroadcaster) unregister(conn *websocket.Conn) {
	b.mu.Lock()
	if ch, ok := b.clients[conn]; ok {
		close(ch)
		delete(b.clients, conn)
	}
	b.mu.Unlock()
}

// streamEscalations upgrades to a websocket and pushes every subsequent
// EscalationEvent to the caller until they disconnect. Reserved for
// privileged-tier reviewer tooling.
func (h *handler) streamEscalations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broadcaster == nil {
		http.Error(w, "escalation streaming is not enabled", http.StatusServiceUnavailable)
		return
	}
	if auth.GetTier(r.Context()) != auth.TierPrivileged {
		http.Error(w, "escalation streaming requires privileged tier", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.WithError(err).Warn("escalation stream upgrade failed")
		}
		return
	}
	defer conn.Close()

	events := h.deps.Broadcaster.register(conn)
	defer h.deps.Broadcaster.unregister(conn)

	// Drain and discard inbound frames so the read side stays healthy and
	// close frames are observed; reviewers never send anything on this
	// connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
