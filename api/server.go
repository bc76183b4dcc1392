// Package api exposes one sampling session over HTTP and a websocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostwatch/collector"
	"hostwatch/logger"
	"hostwatch/session"
)

// Server routes requests to a single Session and a Sampler used for ad-hoc
// snapshots.
type Server struct {
	session  *session.Session
	sampler  session.Collector
	log      *zap.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	// runCtx parents every run started through the API, so runs outlive
	// the request that started them but not the server.
	runCtx    context.Context
	pollEvery time.Duration
}

// Option tunes a Server.
type Option func(*Server)

// WithPollInterval sets how often websocket clients are checked for new samples.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

// WithRunContext sets the parent context of runs started over HTTP.
func WithRunContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.runCtx = ctx
		}
	}
}

func NewServer(sess *session.Session, sampler session.Collector, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		session:   sess,
		sampler:   sampler,
		log:       logger.Or(log),
		runCtx:    context.Background(),
		pollEvery: 250 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	// flat routes: a mux subrouter answers a method mismatch with 404, not 405
	r.HandleFunc("/api/session/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/session/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/session/data", s.handleData).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleStream)
	return r
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and stops any active run.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.session.Stop()
	s.log.Info("HTTP API stopped")
	return err
}

type startRequest struct {
	Interval int `json:"interval"`
	Duration int `json:"duration"`
}

type stopResponse struct {
	Info    session.Info       `json:"info"`
	Samples []collector.Sample `json:"samples"`
}

type message struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := session.Validate(req.Interval, req.Duration); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.Start(s.runCtx, req.Interval, req.Duration); err != nil {
		// ranges were valid, so the session is busy
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	logger.FromContext(r.Context(), s.log).Info("session started over HTTP", zap.String("run_id", s.session.ID()))
	writeJSON(w, http.StatusAccepted, s.session.Info())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	samples := s.session.Stop()
	writeJSON(w, http.StatusOK, stopResponse{Info: s.session.Info(), Samples: samples})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Info())
}

// handleData serves the buffer; ?since=N limits it to samples from index N.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	samples, err := s.session.DataSince(since)
	if errors.Is(err, session.ErrUnavailable) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sampler.Collect(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, message{Error: msg})
}
