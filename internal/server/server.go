package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"repolm/internal/governor"
	"repolm/internal/pool"
	"repolm/internal/stream"
)

// Server exposes the governor over HTTP: job submission, status polling,
// live SSE streams and health endpoints.
type Server struct {
	addr      string
	gov       *governor.Governor
	httpSrv   *http.Server
	logger    *log.Logger
	startTime time.Time
}

type submitRequest struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(addr string, gov *governor.Governor, logger *log.Logger) *Server {
	s := &Server{
		addr:      addr,
		gov:       gov,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/jobs/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/status", s.handleLoad)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, then drains the governor's pools.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.gov.Shutdown(ctx)
	return err
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := pool.Kind(req.Kind)
	caller := callerKey(r)

	jobID, err := s.gov.SubmitJob(r.Context(), kind, caller, req.Params)
	if err != nil {
		s.writeAdmissionError(w, kind, caller, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{JobID: jobID, Status: "queued"})
}

// writeAdmissionError maps governor rejections onto HTTP statuses. Rate limit
// rejections carry a Retry-After header so well-behaved clients back off.
func (s *Server) writeAdmissionError(w http.ResponseWriter, kind pool.Kind, caller string, err error) {
	switch {
	case errors.Is(err, governor.ErrRateLimited):
		wait := s.gov.RetryAfter(kind, caller)
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, governor.ErrPoolBusy), errors.Is(err, governor.ErrShedding):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, governor.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gov.JobStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.gov.CancelJob(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream replays a job's live channel as server-sent events. The
// response stays open until the job finishes or the client disconnects;
// a disconnect cancels the channel so a blocked producer is released.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	caller := callerKey(r)
	if err := s.gov.AcquireStream(caller); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	defer s.gov.ReleaseStream(caller)

	ch, err := s.gov.AttachStream(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := ch.Next(r.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				ch.Cancel()
				return
			}
			writeEvent(w, "error", []byte(err.Error()))
			flusher.Flush()
			return
		}

		writeEvent(w, string(chunk.Kind), chunk.Data)
		flusher.Flush()

		if chunk.Kind == stream.KindDone {
			return
		}
	}
}

// writeEvent emits one SSE frame. Payload newlines become extra data lines
// per the SSE framing rules.
func writeEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	if len(data) == 0 {
		fmt.Fprint(w, "data: \n\n")
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gov.CurrentLoad())
}

// handleLiveness returns 200 whenever the process is up.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "UP",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleReadiness returns 200 only while the system can admit new work.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	load := s.gov.CurrentLoad()

	w.Header().Set("Content-Type", "application/json")
	if load.Shedding {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "NOT_READY"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "READY"})
}

// callerKey identifies a client for rate limiting. An explicit header wins
// so deployments behind a proxy can pass through the real client identity.
func callerKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
