// Package api exposes session orchestration over HTTP: session lifecycle,
// checkpoint review, the terminal artifact, and a WebSocket event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/execute"
	"github.com/sluice-dev/sluice/internal/session"
)

const listSessionsDefault = 50

// Server is the approval surface in front of the scheduler. Reviewers
// watch checkpoints arrive over the stream and decide them over HTTP.
type Server struct {
	sched    *execute.Scheduler
	store    *session.Store
	hub      *event.Hub
	cfg      config.Config
	listener net.Listener
	server   *http.Server
}

// NewServer creates a server bound to addr. Use "127.0.0.1:0" to let the
// kernel pick a port.
func NewServer(addr string, sched *execute.Scheduler, store *session.Store, hub *event.Hub, cfg config.Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("api: binding listener: %w", err)
	}

	s := &Server{
		sched:    sched,
		store:    store,
		hub:      hub,
		cfg:      cfg,
		listener: ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions", s.handleStart)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /sessions/{id}/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("GET /sessions/{id}/checkpoints/{n}", s.handleCheckpoint)
	mux.HandleFunc("POST /sessions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /sessions/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /sessions/{id}/result", s.handleResult)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)

	s.server = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Call in a goroutine.
func (s *Server) Start() error {
	return s.server.Serve(s.listener)
}

// Stop closes the server and every open stream connection.
func (s *Server) Stop() error {
	return s.server.Close()
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !readJSON(w, r, &req) {
		return
	}

	planName := req.Plan
	if planName == "" {
		planName = s.cfg.Plans.Default
	}
	if req.Mode == "" {
		req.Mode = string(session.ModeBalanced)
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.sched.Start(planName, mode)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, StartResponse{
		SessionID:        sess.ID,
		Plan:             sess.Plan,
		Status:           "wave_1_started",
		TotalCheckpoints: sess.TotalCheckpoints,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := listSessionsDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(limit)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		SessionID:         sess.ID,
		Plan:              sess.Plan,
		Mode:              string(sess.Mode),
		Status:            string(sess.Status),
		CurrentWave:       sess.CurrentWave,
		CurrentCheckpoint: sess.CurrentCheckpoint,
		ApprovedThrough:   sess.ApprovedThrough,
		Regenerations:     sess.Regenerations,
		Progress:          Progress{Completed: sess.ApprovedThrough, Total: sess.TotalCheckpoints},
		Failure:           sess.Failure,
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	cps, err := s.store.ListCheckpoints(sess.ID)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	number, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "checkpoint number must be a positive integer")
		return
	}

	cp, err := s.store.GetCheckpoint(sess.ID, number)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("checkpoint %d not yet created", number))
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !readJSON(w, r, &req) {
		return
	}

	_, err := s.sched.Gate().Approve(r.PathValue("id"), req.CheckpointNumber)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ApproveResponse{
		Message:        fmt.Sprintf("Checkpoint %d approved. Proceeding to next task.", req.CheckpointNumber),
		NextCheckpoint: req.CheckpointNumber + 1,
		Status:         "continuing",
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !readJSON(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	_, regenerate, err := s.sched.Gate().Reject(id, req.CheckpointNumber, req.Feedback)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}

	if !regenerate {
		writeJSON(w, http.StatusOK, RejectResponse{
			Message:          fmt.Sprintf("Feedback recorded for checkpoint %d. Proceeding.", req.CheckpointNumber),
			CheckpointNumber: req.CheckpointNumber,
			Status:           "continuing",
		})
		return
	}

	// Regeneration runs on this request: the handler returns once the
	// fresh output is back behind the same checkpoint number.
	if _, err := s.sched.Regenerate(id, req.CheckpointNumber, req.Feedback); err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RejectResponse{
		Message:          fmt.Sprintf("Checkpoint %d regenerated with feedback. Awaiting approval.", req.CheckpointNumber),
		CheckpointNumber: req.CheckpointNumber,
		Status:           "regenerating",
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Status != session.StatusCompleted {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s is %s; result not available", sess.ID, sess.Status))
		return
	}

	art, err := s.store.GetArtifact(sess.ID)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if art == nil {
		writeError(w, httpStatus(session.ErrNoArtifact), session.ErrNoArtifact.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(art); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: writing artifact response: %v\n", err)
	}
}

// loadSession resolves the {id} path value, writing the error response
// itself when the session is missing.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return nil, false
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return nil, false
	}
	return sess, true
}

// --- Helpers ---

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		// Allow empty body for requests with no fields.
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: encoding response: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// httpStatus maps domain errors onto response codes. Anything unmapped is
// an internal error.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrCheckpointNotFound),
		errors.Is(err, session.ErrNoArtifact):
		return http.StatusNotFound
	case errors.Is(err, execute.ErrOutOfOrderApproval),
		errors.Is(err, execute.ErrSessionTerminal),
		errors.Is(err, execute.ErrRegenerating):
		return http.StatusConflict
	case errors.Is(err, execute.ErrUnknownPlan):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
