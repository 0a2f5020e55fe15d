package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one entry of the contract event log. Events are the sole
// notification channel: clients either poll GET /events or subscribe on the
// websocket.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event types emitted by the core.
const (
	EventProfileCreated  = "ProfileCreated"
	EventProfileUpdated  = "ProfileUpdated"
	EventMatchCalculated = "MatchCalculated"
	EventMatchConfirmed  = "MatchConfirmed"
	EventDecryptionReady = "DecryptionReady"
)

// Subscriber is one WebSocket client listening to the event stream
type Subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// EventHub fans events out to all connected subscribers
type EventHub struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
}

func newEventHub() *EventHub {
	return &EventHub{subscribers: make(map[*Subscriber]bool)}
}

func (h *EventHub) register(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s] = true
}

func (h *EventHub) unregister(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, s)
}

func (h *EventHub) broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		select {
		case s.send <- evt:
		default:
			// Drop event if the subscriber's buffer is full
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For development: allow Vite dev origin ws://localhost:5173
	CheckOrigin: func(r *http.Request) bool { return true },
}

// global hub
var eventHub = newEventHub()

// emitEvent persists an event and pushes it to websocket subscribers.
// Payload must marshal cleanly; a failure here is a programming error.
func emitEvent(db *sql.DB, eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("emitEvent: marshal %s: %v", eventType, err)
		return
	}
	evt := Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}

	err = db.QueryRow(
		`INSERT INTO events (type, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		eventType, string(raw), evt.CreatedAt,
	).Scan(&evt.ID)
	if err != nil {
		log.Printf("emitEvent: persist %s: %v", eventType, err)
		// Still broadcast so live clients aren't starved by a log hiccup
	}

	eventHub.broadcast(evt)
}

// GET /events?after=123 - poll the persisted event log
func eventsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}

		after := 0
		if s := r.URL.Query().Get("after"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cursor")
				return
			}
			after = v
		}

		rows, err := db.Query(`
			SELECT id, type, payload, created_at
			FROM events
			WHERE id > $1
			ORDER BY id ASC
		`, after)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		events := []Event{}
		for rows.Next() {
			var evt Event
			var raw []byte
			if err := rows.Scan(&evt.ID, &evt.Type, &raw, &evt.CreatedAt); err != nil {
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			evt.Payload = json.RawMessage(raw)
			events = append(events, evt)
		}
		if err := rows.Err(); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]Event{"events": events})
	})
}

func wsEventsHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := addressFromRequest(r); !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WS upgrade error: %v", err)
			return
		}

		sub := &Subscriber{conn: conn, send: make(chan Event, 16)}
		eventHub.register(sub)

		go subscriberWriter(sub)
		subscriberReader(sub)
	}
}

func subscriberReader(s *Subscriber) {
	defer func() {
		eventHub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The stream is one-way; we only read to notice disconnects and pongs.
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func subscriberWriter(s *Subscriber) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			// ping to keep the connection alive
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
