// Package server exposes the engine over a local HTTP API plus a WebSocket
// event stream for the editor UI.
//
// Every response carries an X-Trace-Id header; failures serialize as
// {code, message, details, trace_id} with the status mapped from the fault
// code, so a UI error report can be matched to the local log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vellum-app/vellum/internal/engine"
	"github.com/vellum-app/vellum/internal/fault"
	"github.com/vellum-app/vellum/internal/journal"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks an ephemeral port.
	Port int

	// Logger for request and lifecycle logging.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7341,
		Logger: log.Default(),
	}
}

// Server serves the project API for one engine session.
type Server struct {
	session  *engine.Session
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server over an open session.
func NewServer(session *engine.Session, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		session:   session,
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/preflight", s.handlePreflight)
	mux.HandleFunc("/v1/critique", s.handleCritique)
	mux.HandleFunc("/v1/critique/discard", s.handleDiscardCritique)
	mux.HandleFunc("/v1/accept", s.handleAccept)
	mux.HandleFunc("/v1/recovery", s.handleRecovery)
	mux.HandleFunc("/v1/restore", s.handleRestore)
	mux.HandleFunc("/v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("/v1/units", s.handleUnits)
	mux.HandleFunc("/v1/units/", s.handleUnit)
	mux.HandleFunc("/v1/budget", s.handleBudget)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins listening. Non-blocking; call Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// --- request handlers ---

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodPost {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	var req engine.PreflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, traceID, fault.Wrap(fault.CodeValidation, "malformed request body", err))
		return
	}

	reply, err := s.session.Preflight(&req)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleCritique(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodPost {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	var req engine.CritiqueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, traceID, fault.Wrap(fault.CodeValidation, "malformed request body", err))
		return
	}

	reply, err := s.session.Critique(r.Context(), &req)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleDiscardCritique(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodPost {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	var req struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, traceID, fault.Wrap(fault.CodeValidation, "malformed request body", err))
		return
	}
	if req.ReservationID == "" {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "reservation id is required"))
		return
	}

	if err := s.session.DiscardCritique(req.ReservationID); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodPost {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	var req engine.AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, traceID, fault.Wrap(fault.CodeValidation, "malformed request body", err))
		return
	}

	reply, err := s.session.Accept(&req)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}

	s.Broadcast(Event{
		Type: EventUnitAccepted,
		Data: mustRaw(UnitAcceptedData{
			UnitID:     reply.UnitID,
			Checksum:   reply.NewChecksum.String(),
			SnapshotID: reply.SnapshotID,
		}),
	})

	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodGet {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	status, err := s.session.Recovery(time.Now())
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}

	reply := struct {
		State         journal.State  `json:"state"`
		NeedsRecovery bool           `json:"needs_recovery"`
		LastSnapshot  string         `json:"last_snapshot,omitempty"`
		Entry         *journal.Entry `json:"entry,omitempty"`
	}{State: status.State, NeedsRecovery: status.State == journal.StatePromptRestore, Entry: status.Entry}
	if status.Entry != nil {
		reply.LastSnapshot = status.Entry.LastSnapshotID
	}

	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodPost {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	var req struct {
		SnapshotID string `json:"snapshot_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, traceID, fault.Wrap(fault.CodeValidation, "malformed request body", err))
		return
	}

	result, err := s.session.Restore(req.SnapshotID)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}

	s.Broadcast(Event{
		Type: EventRestored,
		Data: mustRaw(RestoredData{
			SnapshotID:    result.SnapshotID,
			RestoredUnits: result.RestoredUnits,
		}),
	})

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodGet {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	snaps, err := s.session.Snapshots().List()
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodGet {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	units, err := s.session.Units()
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}

	type unitView struct {
		ID        string    `json:"id"`
		Order     int       `json:"order"`
		Title     string    `json:"title,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
		Checksum  string    `json:"checksum"`
		Text      string    `json:"text"`
	}

	views := make([]unitView, 0, len(units))
	for _, u := range units {
		views = append(views, unitView{
			ID:        u.ID,
			Order:     u.Order,
			Title:     u.Title,
			UpdatedAt: u.UpdatedAt,
			Checksum:  u.Checksum().String(),
			Text:      u.Text,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"units": views})
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodGet {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/units/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "unit id is required"))
		return
	}

	unit, err := s.session.Unit(id)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":         unit.ID,
		"order":      unit.Order,
		"title":      unit.Title,
		"updated_at": unit.UpdatedAt,
		"checksum":   unit.Checksum().String(),
		"text":       unit.Text,
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	traceID := s.begin(w, r)
	if r.Method != http.MethodGet {
		s.writeError(w, traceID, fault.New(fault.CodeValidation, "method not allowed"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Ledger().State())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.begin(w, r)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"project": s.session.Manifest().Name,
		"clients": s.ClientCount(),
	})
}

// --- response plumbing ---

// begin stamps the trace id header and returns it for error payloads.
func (s *Server) begin(w http.ResponseWriter, r *http.Request) string {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.NewString()
	}
	w.Header().Set("X-Trace-Id", traceID)
	return traceID
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, traceID string, err error) {
	f := fault.From(err)
	f.TraceID = traceID

	s.logger.Printf("Request failed [%s]: %v", traceID, err)
	s.writeJSON(w, f.HTTPStatus(), f)
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
