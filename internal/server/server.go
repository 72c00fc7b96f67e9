package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"openclusters/internal/pipeline"
	"openclusters/internal/storage"

	"github.com/gorilla/mux"
)

// Server exposes the job queue and its results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline pipeline.Submitter
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires routes for pipe and store.
func NewServer(addr string, store *storage.Store, pipe pipeline.Submitter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		log:      log,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardResults(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve builds a Server and runs it until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe pipeline.Submitter, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// resultEvent is the wire form of a pipeline.Result.
type resultEvent struct {
	Job    pipeline.Job   `json:"job"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) resultEvent {
	ev := resultEvent{Job: res.Job, Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultEvent(res))
			if err != nil {
				s.log.Warn("marshal result", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		storage.JobRecord
		Meta map[string]any `json:"meta,omitempty"`
	}{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp.Meta = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("decode job: %v", err), http.StatusBadRequest)
		return
	}
	if !slices.Contains(pipeline.JobTypes, job.Type) {
		http.Error(w, fmt.Sprintf("unknown job type: %s", job.Type), http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("%s-%d", job.Type, time.Now().UnixNano())
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := s.store.ReducedFrames(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
