// Package server is the HTTP front end: it accepts uploads, hands them to the
// dispatcher and serves run state and collected artifacts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/artifacts"
	"github.com/tastythames/slurm-portal/internal/metrics"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/runstore"
)

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Enqueue(req orchestrator.Request) (<-chan orchestrator.Result, error)
	Cancel(runID string) bool
}

type Options struct {
	Dispatch  Dispatcher
	Runs      runstore.Store
	Artifacts *artifacts.Store
	Metrics   *metrics.Renderer

	// MaxUploadBytes bounds one multipart request.
	MaxUploadBytes int64

	Log   *zap.Logger
	NewID func() string
}

type Server struct {
	opts   Options
	log    *zap.Logger
	router chi.Router
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	s := &Server{opts: opts, log: opts.Log.Named("http")}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/metrics", s.handleMetrics)

	r.Post("/upload", s.handleUpload)
	r.Get("/artifacts", s.handleArtifacts)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleCancelRun)
		r.Get("/{id}/artifacts/{name}", s.handleDownload)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.Write(w)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Runs.Snapshot())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Run not found.")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.opts.Dispatch.Cancel(id) {
		if _, err := s.opts.Runs.Get(id); err == nil {
			writeError(w, http.StatusConflict, "Run already finished.")
			return
		}
		writeError(w, http.StatusNotFound, "Run not found.")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling", "run_id": id})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Artifacts.Snapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Run not found.")
		return
	}
	ns := rec.JobID
	if ns == "" {
		ns = rec.ID
	}
	name := chi.URLParam(r, "name")
	f, err := s.opts.Artifacts.Open(ns, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Artifact not found.")
		return
	}
	defer f.Close()

	var mod time.Time
	if fi, err := f.Stat(); err == nil {
		mod = fi.ModTime()
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, mod, f)
}

type response struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	RunID     string   `json:"run_id,omitempty"`
	JobID     string   `json:"job_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Errors    any      `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Status: "error", Message: msg})
}

// wait blocks until the run finishes or the client goes away. A departed
// client leaves the run going; its result stays available under /runs/{id}.
func wait(ctx context.Context, ch <-chan orchestrator.Result) (orchestrator.Result, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return orchestrator.Result{}, ctx.Err()
	}
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errors.New("file too large")
	}
	return b, nil
}
