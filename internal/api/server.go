// Package api is the duchy's admin HTTP API: starting, inspecting, canceling
// and purging computations, plus health and queue status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/herald"
	"DuchyMill/internal/janitor"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/store"
)

const (
	// maxStartSize is the maximum start request size in bytes.
	maxStartSize = 64 << 20 // 64 MB
)

// Starter creates computations from start requests.
type Starter interface {
	Start(ctx context.Context, req herald.StartRequest) (computation.Token, error)
}

// Computations is the slice of the computation store the API reads and edits.
type Computations interface {
	GetToken(ctx context.Context, globalID string) (computation.Token, error)
	Stats(ctx context.Context, localID uint64) ([]store.Stat, error)
	FinishComputation(ctx context.Context, tok computation.Token, ending computation.Stage, reason computation.EndReason) (computation.Token, error)
	DeleteComputation(ctx context.Context, tok computation.Token) error
	QueueDepth(ctx context.Context, p computation.Protocol) (int, error)
}

// Config holds the server dependencies.
type Config struct {
	Addr         string                 // Addr is the HTTP listen address
	Duchy        string                 // Duchy is this duchy's ID
	Starter      Starter                // Starter creates computations
	Computations Computations           // Computations is the computation store
	Blobs        janitor.Blobs          // Blobs is the blob store
	Registry     protocol.Registry      // Registry holds the stage tables
	Protocols    []computation.Protocol // Protocols lists the protocols this duchy runs
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config       // cfg holds the dependencies
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = protocol.DefaultRegistry()
	}

	return &Server{cfg: cfg}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /computations", s.handleStart)
	mux.HandleFunc("GET /computations/{id}", s.handleGet)
	mux.HandleFunc("GET /computations/{id}/stats", s.handleStats)
	mux.HandleFunc("POST /computations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /computations/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// startBody is the JSON body of POST /computations.
type startBody struct {
	GlobalID     string   `json:"globalId"`
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Sketch       []byte   `json:"sketch"` // Sketch is base64 in JSON
}

// handleStart handles POST /computations requests.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Starter == nil {
		writeError(w, http.StatusServiceUnavailable, "herald not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxStartSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req startBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	p, err := computation.ParseProtocol(req.Protocol)
	if err != nil {
		writeErr(w, err)
		return
	}

	tok, err := s.cfg.Starter.Start(r.Context(), herald.StartRequest{
		GlobalID:     req.GlobalID,
		Protocol:     p,
		Participants: req.Participants,
		Sketch:       req.Sketch,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(tok))
}

// handleGet handles GET /computations/{id} requests.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tok, err := s.cfg.Computations.GetToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(tok))
}

// handleStats handles GET /computations/{id}/stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tok, err := s.cfg.Computations.GetToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	stats, err := s.cfg.Computations.Stats(r.Context(), tok.LocalID)
	if err != nil {
		writeErr(w, err)
		return
	}

	views := make([]statView, 0, len(stats))
	for _, st := range stats {
		views = append(views, statView{
			Attempt:    st.Attempt,
			Stage:      st.Stage.String(),
			Name:       st.Name,
			Value:      st.Value,
			RecordedAt: st.RecordedAt,
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// handleCancel handles POST /computations/{id}/cancel requests.
// Canceling a finished computation is a conflict.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := s.cfg.Computations.GetToken(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	if tok.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("computation already ended: %s", tok.EndReason))
		return
	}

	table, err := s.cfg.Registry.Get(tok.Protocol)
	if err != nil {
		writeErr(w, err)
		return
	}

	tok, err = s.cfg.Computations.FinishComputation(ctx, tok, table.Terminal(), computation.EndReasonCanceled)
	if err != nil {
		writeErr(w, err)
		return
	}

	logger.Info("computation canceled", "global", tok.GlobalID, "stage", tok.Stage)

	writeJSON(w, http.StatusOK, viewOf(tok))
}

// handleDelete handles DELETE /computations/{id} requests.
// Only terminal computations are deleted, together with their blobs.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := s.cfg.Computations.GetToken(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	removed, err := janitor.Purge(ctx, s.cfg.Computations, s.cfg.Blobs, tok)
	if err != nil {
		writeErr(w, err)
		return
	}

	logger.Info("computation deleted", "global", tok.GlobalID, "blobs", removed)

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Computations == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	queues := make(map[string]int, len(s.cfg.Protocols))
	for _, p := range s.cfg.Protocols {
		depth, err := s.cfg.Computations.QueueDepth(r.Context(), p)
		if err != nil {
			writeErr(w, err)
			return
		}

		queues[p.String()] = depth
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"duchy":  s.cfg.Duchy,
		"queues": queues,
	})
}

// blobView is the JSON form of a blob ref.
type blobView struct {
	ID         uint32 `json:"id"`
	Dependency string `json:"dependency"`
	Path       string `json:"path,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// computationView is the JSON form of a token.
type computationView struct {
	GlobalID     string     `json:"globalId"`
	LocalID      uint64     `json:"localId"`
	Protocol     string     `json:"protocol"`
	Stage        string     `json:"stage"`
	Role         string     `json:"role"`
	Attempt      uint32     `json:"attempt"`
	Version      uint64     `json:"version"`
	Owner        string     `json:"owner,omitempty"`
	LastUpdate   time.Time  `json:"lastUpdate"`
	EndReason    string     `json:"endReason,omitempty"`
	Participants []string   `json:"participants"`
	Blobs        []blobView `json:"blobs"`
}

// statView is the JSON form of a stat.
type statView struct {
	Attempt    uint32    `json:"attempt"`
	Stage      string    `json:"stage"`
	Name       string    `json:"name"`
	Value      int64     `json:"value"`
	RecordedAt time.Time `json:"recordedAt"`
}

// viewOf converts a token to its JSON form.
func viewOf(tok computation.Token) computationView {
	v := computationView{
		GlobalID:     tok.GlobalID,
		LocalID:      tok.LocalID,
		Protocol:     tok.Protocol.String(),
		Stage:        tok.Stage.String(),
		Role:         tok.Role.String(),
		Attempt:      tok.Attempt,
		Version:      tok.Version,
		Owner:        tok.Owner,
		LastUpdate:   tok.LastUpdate,
		Participants: tok.Details.Participants,
		Blobs:        make([]blobView, 0, len(tok.Blobs)),
	}

	if tok.EndReason != computation.EndReasonNone {
		v.EndReason = tok.EndReason.String()
	}

	for _, b := range tok.Blobs {
		v.Blobs = append(v.Blobs, blobView{
			ID:         b.ID,
			Dependency: b.Dependency.String(),
			Path:       b.Path,
			Origin:     b.Origin,
		})
	}

	return v
}

// statusOf maps a store error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, computation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, computation.ErrAlreadyExists),
		errors.Is(err, computation.ErrIllegalState),
		errors.Is(err, computation.ErrIllegalTransition),
		errors.Is(err, computation.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, computation.ErrInvalidArgument),
		errors.Is(err, computation.ErrUnknownStage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status it maps to.
func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "error", err)
	}

	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
