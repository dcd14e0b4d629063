package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"caravan/internal/lock"
	"caravan/internal/observability"
	"caravan/internal/realtime"
	"caravan/internal/saga"
)

// adminServer exposes the coordinator's programmatic surface over HTTP:
// saga submission, transaction inspection, lock operations, metrics and the
// live event stream.
type adminServer struct {
	coordinator *saga.Coordinator
	locks       *lock.Manager
	hub         *realtime.Hub
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func newAdminServer(coordinator *saga.Coordinator, locks *lock.Manager, hub *realtime.Hub, metrics *observability.Metrics) *adminServer {
	return &adminServer{
		coordinator: coordinator,
		locks:       locks,
		hub:         hub,
		metrics:     metrics,
	}
}

func (s *adminServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(s.metrics))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/sagas", s.handleExecute)
	mux.HandleFunc("/transactions", s.handleListTransactions)
	mux.HandleFunc("/transactions/", s.handleGetTransaction)
	mux.HandleFunc("/locks/acquire", s.handleAcquireLock)
	mux.HandleFunc("/locks/release", s.handleReleaseLock)
	mux.HandleFunc("/locks/extend", s.handleExtendLock)
	return mux
}

func (s *adminServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	s.hub.Register <- conn
}

func (s *adminServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var def saga.SagaDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "invalid saga definition: "+err.Error(), http.StatusBadRequest)
		return
	}

	span := s.metrics.Start(observability.OpExecute)
	result, err := s.coordinator.Execute(r.Context(), def)
	span.End(err)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

func (s *adminServer) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	state := saga.TransactionState(strings.TrimSpace(r.URL.Query().Get("state")))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.coordinator.ListTransactions(r.Context(), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (s *adminServer) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if id == "" {
		http.Error(w, "transaction id required", http.StatusBadRequest)
		return
	}

	rec, err := s.coordinator.GetTransaction(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

type acquireLockRequest struct {
	Resource   string `json:"resource"`
	Owner      string `json:"owner"`
	Mode       string `json:"mode,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
}

func (s *adminServer) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req acquireLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid lock request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Resource == "" || req.Owner == "" {
		http.Error(w, "resource and owner are required", http.StatusBadRequest)
		return
	}

	span := s.metrics.Start(observability.OpLockAcquire)
	granted, err := s.locks.Acquire(r.Context(), req.Resource, req.Owner, lock.AcquireOptions{
		Mode:     saga.LockMode(req.Mode),
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	span.End(err)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if granted == nil {
		// Contention is an expected outcome, not a server error.
		http.Error(w, "lock not acquired within timeout", http.StatusConflict)
		return
	}
	writeJSON(w, granted)
}

func (s *adminServer) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "lock id required", http.StatusBadRequest)
		return
	}

	released, err := s.locks.Release(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"released": released})
}

func (s *adminServer) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "lock id required", http.StatusBadRequest)
		return
	}
	additional, err := time.ParseDuration(r.URL.Query().Get("by"))
	if err != nil || additional <= 0 {
		http.Error(w, "by must be a positive duration", http.StatusBadRequest)
		return
	}

	extended, err := s.locks.Extend(r.Context(), id, additional)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"extended": extended})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
