// Package httpapi implements the minimal HTTP surface described in
// spec §6: job submission, status, an SSE event stream, result
// download, and retry. Routing uses the standard library's
// pattern-aware ServeMux; nothing here depends on a routing library.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bookscan/epub-ocr/internal/config"
	"github.com/bookscan/epub-ocr/internal/events"
	"github.com/bookscan/epub-ocr/internal/jobs"
	"github.com/bookscan/epub-ocr/internal/metrics"
	"github.com/bookscan/epub-ocr/internal/pipeline"
	"github.com/bookscan/epub-ocr/internal/render"
)

const pingInterval = 30 * time.Second

// maxUploadMemory bounds the portion of a multipart upload buffered in
// memory before ParseMultipartForm spills the rest to temp files.
const maxUploadMemory = 32 << 20

// Server is the HTTP boundary of the engine. It translates requests
// into Registry/Pipeline calls and holds no job state of its own.
type Server struct {
	Jobs     *jobs.Registry
	Events   *events.Registry
	Pipeline *pipeline.Pipeline
	Config   *config.Config
	Log      *logrus.Entry
}

// NewServer returns a Server. log defaults to the standard logger.
func NewServer(jobReg *jobs.Registry, evReg *events.Registry, pl *pipeline.Pipeline, cfg *config.Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{Jobs: jobReg, Events: evReg, Pipeline: pl, Config: cfg, Log: log}
}

// Handler builds the route table of spec §6.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/jobs/{id}/result", s.handleResult)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetry)
	return mux
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file field: "+err.Error())
		return
	}
	defer file.Close()

	language := r.FormValue("language")
	prompt := r.FormValue("ocr_prompt")

	tmp, err := os.CreateTemp("", "epub-ocr-upload-*.pdf")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "buffering upload: "+err.Error())
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeJSONError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}
	if err := tmp.Close(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "buffering upload: "+err.Error())
		return
	}

	totalPages, err := render.Validate(tmpPath)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := jobs.NewID()
	job := jobs.NewJob(id, totalPages, language, prompt, header.Filename, time.Now().Unix())
	if err := s.Jobs.Create(job); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "creating job: "+err.Error())
		return
	}
	metrics.JobsActive.WithLabelValues(string(jobs.StatusPending)).Inc()

	if err := moveFile(tmpPath, s.Jobs.InputPath(id)); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storing upload: "+err.Error())
		return
	}

	go s.runPipeline(job, nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":      id,
		"total_pages": totalPages,
	})
}

func (s *Server) runPipeline(job *jobs.Job, pagesToProcess map[int]bool) {
	if err := s.Pipeline.Run(context.Background(), job, pagesToProcess); err != nil {
		s.Log.WithError(err).WithField("job_id", job.ID).Warn("pipeline run ended in failure")
	}
}

type jobView struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	TotalPages     int    `json:"total_pages"`
	PagesSucceeded int    `json:"pages_succeeded"`
	PagesFailed    int    `json:"pages_failed"`
	FailedPages    []int  `json:"failed_pages"`
	Filename       string `json:"filename"`
	Language       string `json:"language"`
	CreatedAt      int64  `json:"created_at"`
	StartedAt      *int64 `json:"started_at,omitempty"`
	CompletedAt    *int64 `json:"completed_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

func viewOf(j *jobs.Job) jobView {
	snap := j.Snapshot()
	return jobView{
		ID:             snap.ID,
		Status:         string(snap.Status),
		TotalPages:     snap.TotalPages,
		PagesSucceeded: snap.PagesSucceeded(),
		PagesFailed:    snap.PagesFailed(),
		FailedPages:    snap.FailedPageNumbers(),
		Filename:       snap.PDFFilename,
		Language:       string(snap.Language),
		CreatedAt:      snap.CreatedAt,
		StartedAt:      snap.StartedAt,
		CompletedAt:    snap.CompletedAt,
		Error:          snap.Error,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.Jobs.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(job))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.Jobs.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Snapshot().Status != jobs.StatusCompleted {
		writeJSONError(w, http.StatusBadRequest, "job is not completed")
		return
	}

	f, err := os.Open(s.Jobs.OutputPath(id))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reading archive: "+err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/epub+zip")
	_, _ = io.Copy(w, f)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.Jobs.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	job.Lock()
	status := job.Status
	failedPages := job.FailedPageNumbers()

	if status == jobs.StatusProcessing || status == jobs.StatusAssembling {
		job.Unlock()
		writeJSONError(w, http.StatusBadRequest, "job is still processing")
		return
	}
	if len(failedPages) == 0 {
		job.Unlock()
		writeJSONError(w, http.StatusBadRequest, "job has no failed pages")
		return
	}
	if _, err := os.Stat(s.Jobs.InputPath(id)); err != nil {
		job.Unlock()
		writeJSONError(w, http.StatusGone, "source PDF has been cleaned up")
		return
	}

	filter := make(map[int]bool, len(failedPages))
	for _, p := range failedPages {
		if pr, ok := job.Pages[p]; ok {
			pr.Status = jobs.PageStatusPending
			pr.Error = ""
		}
		filter[p] = true
	}
	job.Unlock()
	if err := s.Jobs.Save(job); err != nil {
		s.Log.WithError(err).WithField("job_id", id).Warn("failed to save job before retry")
	}

	go s.runPipeline(job, filter)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":         id,
		"retrying_pages": failedPages,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Jobs.Get(id); !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	emitter := s.Events.GetOrCreate(id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var lastEventID *uint64
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		if v, err := strconv.ParseUint(h, 10, 64); err == nil {
			lastEventID = &v
		}
	}

	sub := emitter.Subscribe(lastEventID)
	defer emitter.Unsubscribe(sub)

	metrics.EventSubscribers.WithLabelValues(id).Inc()
	defer metrics.EventSubscribers.WithLabelValues(id).Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.C:
			if events.IsEndOfStream(ev) {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(pingInterval)
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, payload)
	return err
}

// moveFile relocates src to dst, falling back to copy-then-remove when
// a plain rename fails (e.g. the OS temp dir is a different
// filesystem than the data directory).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}
