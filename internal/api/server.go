// Package api exposes the pipeline over HTTP: submit a job, poll its status
// and fetch what the sink wrote for it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/httputil"
	"github.com/banshee-data/segtrack/internal/monitoring"
	"github.com/banshee-data/segtrack/internal/pipeline"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/security"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/storage/rows"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultPresignTTL is how long a redirect URL for a video stays valid.
const DefaultPresignTTL = 15 * time.Minute

const maxSubmitBody = 64 << 10

// AdminRouter is implemented by row stores that can mount debug routes.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

type Server struct {
	jobs  *pipeline.Jobs
	store blob.Store
	rows  rows.Store

	// ctx outlives individual requests; jobs run under it.
	ctx        context.Context
	presignTTL time.Duration
}

// NewServer returns a server that runs jobs under ctx. rowStore may be nil
// when the row table is disabled.
func NewServer(ctx context.Context, jobs *pipeline.Jobs, store blob.Store, rowStore rows.Store) *Server {
	return &Server{
		jobs:       jobs,
		store:      store,
		rows:       rowStore,
		ctx:        ctx,
		presignTTL: DefaultPresignTTL,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux registers the job routes, plus the /debug/ console when the row
// store supports it.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.submitJob)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.jobStatus)
	mux.HandleFunc("GET /api/jobs/{id}/results", s.jobResults)
	mux.HandleFunc("GET /api/jobs/{id}/rows", s.jobRows)
	mux.HandleFunc("GET /api/jobs/{id}/report", s.jobReport)
	mux.HandleFunc("GET /api/jobs/{id}/video", s.jobVideo)

	if admin, ok := s.rows.(AdminRouter); ok {
		if err := admin.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type submitRequest struct {
	Source    string  `json:"source"`
	RequestID string  `json:"request_id,omitempty"`
	Duration  float64 `json:"segment_duration_secs,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid job request: "+err.Error())
		return
	}
	st, err := s.jobs.Submit(s.ctx, pipeline.Request{
		RequestID:  req.RequestID,
		SourcePath: req.Source,
		Duration:   req.Duration,
	})
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"request_id": st.RequestID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.jobs.List())
}

// requestID reads and validates the {id} path value. It writes the error
// response itself and reports false when the id is unusable.
func requestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := security.ValidateRequestID(id); err != nil {
		httputil.WriteFault(w, fault.Wrap(fault.Input, "api.request_id", err))
		return "", false
	}
	return id, true
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	st, ok := s.jobs.Get(id)
	if !ok {
		httputil.NotFound(w, "unknown job "+id)
		return
	}
	httputil.WriteJSONOK(w, st)
}

// jobResults serves the stored final results. The artifact is read from the
// blob store rather than the job table so results survive a restart.
func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	s.serveBlob(w, r, id, segment.FinalResultsKey(id), blob.ContentTypeJSON)
}

func (s *Server) jobReport(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	s.serveBlob(w, r, id, segment.ReportKey(id), blob.ContentTypeHTML)
}

// serveBlob writes the object at key. A missing object for a job that is
// still in flight is a 409 rather than a 404.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, id, key, contentType string) {
	data, err := blob.Get(r.Context(), s.store, key)
	if errors.Is(err, blob.ErrNotFound) {
		if st, ok := s.jobs.Get(id); ok && (st.State == pipeline.Queued || st.State == pipeline.Running) {
			httputil.WriteJSONError(w, http.StatusConflict, "job is "+string(st.State))
			return
		}
		httputil.NotFound(w, "no object at "+key)
		return
	}
	if err != nil {
		httputil.WriteFault(w, fault.Wrap(fault.Storage, "api.get", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		monitoring.Logf("api: write %s: %v", key, err)
	}
}

func (s *Server) jobRows(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	if s.rows == nil {
		httputil.NotFound(w, "row table is disabled")
		return
	}

	var frame *int
	if f := r.URL.Query().Get("frame"); f != "" {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid 'frame' parameter")
			return
		}
		frame = &n
	}

	rs, err := s.rows.Rows(r.Context(), id, frame)
	if err != nil {
		httputil.WriteFault(w, fault.Wrap(fault.Storage, "api.rows", err))
		return
	}
	if rs == nil {
		rs = []rows.Row{}
	}
	httputil.WriteJSONOK(w, rs)
}

// jobVideo redirects to the annotated video when one was written, else the
// merged one. Stores that cannot presign stream the object directly.
func (s *Server) jobVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	key := ""
	if st, ok := s.jobs.Get(id); ok && st.Outcome != nil && st.Outcome.Sink != nil {
		outputs := st.Outcome.Sink.Outputs
		if k, ok := outputs["annotated_video"]; ok {
			key = k
		} else if k, ok := outputs["merged_video"]; ok {
			key = k
		}
	}
	if key == "" {
		httputil.NotFound(w, "no video for "+id)
		return
	}

	if p, ok := s.store.(blob.Presigner); ok {
		url, err := p.PresignGet(key, s.presignTTL)
		if err != nil {
			httputil.WriteFault(w, fault.Wrap(fault.Storage, "api.presign", err))
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	s.serveBlob(w, r, id, key, blob.ContentTypeMP4)
}
