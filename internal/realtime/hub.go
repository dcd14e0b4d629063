// Package realtime broadcasts saga lifecycle events to WebSocket
// subscribers for operational inspection.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"caravan/internal/saga"
)

// Event is one saga lifecycle notification pushed to subscribers.
type Event struct {
	Type          string                `json:"type"`
	TransactionID string                `json:"transaction_id"`
	StepID        string                `json:"step_id,omitempty"`
	State         saga.TransactionState `json:"state,omitempty"`
	Attempt       int                   `json:"attempt,omitempty"`
	Success       *bool                 `json:"success,omitempty"`
	Error         string                `json:"error,omitempty"`
	DurationMs    int64                 `json:"duration_ms,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Hub manages WebSocket clients and broadcasts messages to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte),
	}
}

// Run processes register/unregister/broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish marshals the event and hands it to the broadcast loop. When no
// reader keeps up, the event is dropped rather than blocking the
// coordinator.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.Broadcast <- payload:
	default:
	}
}

// SagaEvents returns coordinator event hooks that publish to the hub.
func SagaEvents(h *Hub) *saga.Events {
	return &saga.Events{
		OnSagaStart: func(txID string) {
			h.Publish(Event{Type: "saga_start", TransactionID: txID})
		},
		OnSagaComplete: func(txID string, state saga.TransactionState, duration time.Duration) {
			h.Publish(Event{Type: "saga_complete", TransactionID: txID, State: state, DurationMs: duration.Milliseconds()})
		},
		OnStepStart: func(txID, stepID string) {
			h.Publish(Event{Type: "step_start", TransactionID: txID, StepID: stepID})
		},
		OnStepComplete: func(txID, stepID string, duration time.Duration) {
			h.Publish(Event{Type: "step_complete", TransactionID: txID, StepID: stepID, DurationMs: duration.Milliseconds()})
		},
		OnStepFailed: func(txID, stepID string, stepErr *saga.StepError, attempt int) {
			ev := Event{Type: "step_failed", TransactionID: txID, StepID: stepID, Attempt: attempt}
			if stepErr != nil {
				ev.Error = stepErr.Message
			}
			h.Publish(ev)
		},
		OnStepRetry: func(txID, stepID string, attempt int, delay time.Duration) {
			h.Publish(Event{Type: "step_retry", TransactionID: txID, StepID: stepID, Attempt: attempt, DurationMs: delay.Milliseconds()})
		},
		OnCompensationStart: func(txID, stepID string) {
			h.Publish(Event{Type: "compensation_start", TransactionID: txID, StepID: stepID})
		},
		OnCompensationComplete: func(txID, stepID string, success bool) {
			ok := success
			h.Publish(Event{Type: "compensation_complete", TransactionID: txID, StepID: stepID, Success: &ok})
		},
	}
}
