package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bookscan/epub-ocr/internal/events"
	"github.com/bookscan/epub-ocr/internal/jobs"
	"github.com/bookscan/epub-ocr/internal/pipeline"
	"github.com/bookscan/epub-ocr/internal/render"
)

// fakeDocument and fakeRasterizer stand in for a real PDF so a
// background retry run exercised by these tests has something safe to
// iterate instead of a nil Rasterizer.
type fakeDocument struct{ n int }

func (d fakeDocument) NumPage() int { return d.n }

func (d fakeDocument) RenderPage(int, float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (d fakeDocument) Close() error { return nil }

type fakeRasterizer struct{ n int }

func (f fakeRasterizer) Open(string) (render.Document, error) { return fakeDocument{n: f.n}, nil }

type fakeOCR struct{}

func (fakeOCR) OCR(context.Context, []byte, string) (string, error) { return "text", nil }

func newTestServer(t *testing.T) (*Server, *jobs.Registry) {
	t.Helper()
	dir := t.TempDir()
	jobReg := jobs.NewRegistry(dir, nil)
	evReg := events.NewRegistry(200)
	pl := pipeline.New(jobReg, evReg, fakeRasterizer{n: 10}, fakeOCR{}, pipeline.Options{}, nil)
	return NewServer(jobReg, evReg, pl, nil, nil), jobReg
}

func multipartUpload(t *testing.T, fieldName, filename string, content []byte, extraFields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(fieldName, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	for k, v := range extraFields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandleCreateJobRejectsNonPDF(t *testing.T) {
	s, _ := newTestServer(t)
	body, contentType := multipartUpload(t, "file", "not-a-pdf.pdf", []byte("definitely not a pdf"), map[string]string{
		"language": "en",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nonexistent", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetJobReturnsStatusRecord(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("abc123", 5, "ar", "", "book.pdf", 1000)
	require.NoError(t, reg.Create(job))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/abc123", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "abc123", view.ID)
	require.Equal(t, "pending", view.Status)
	require.Equal(t, 5, view.TotalPages)
	require.Equal(t, "ar", view.Language)
}

func TestHandleResultNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nope/result", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResultRejectsIncompleteJob(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 2, "en", "", "book.pdf", 1000)
	require.NoError(t, reg.Create(job))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job1/result", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetryNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/nope/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRetryRejectsNoFailedPages(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 2, "en", "", "book.pdf", 1000)
	job.Status = jobs.StatusCompleted
	require.NoError(t, reg.Create(job))
	require.NoError(t, os.WriteFile(reg.InputPath("job1"), []byte("x"), 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetryRejectsWhileProcessing(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 2, "en", "", "book.pdf", 1000)
	job.Status = jobs.StatusProcessing
	job.Pages[0].Status = jobs.PageStatusFailed
	require.NoError(t, reg.Create(job))
	require.NoError(t, os.WriteFile(reg.InputPath("job1"), []byte("x"), 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetryRejectsWhenPDFCleanedUp(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 2, "en", "", "book.pdf", 1000)
	job.Status = jobs.StatusFailed
	job.Pages[0].Status = jobs.PageStatusFailed
	require.NoError(t, reg.Create(job))
	// No input.pdf written: simulates a PDF already swept by cleanup.

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestHandleRetryAcceptsAndResetsFailedPages(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 3, "en", "", "book.pdf", 1000)
	job.Status = jobs.StatusFailed
	job.Pages[1].Status = jobs.PageStatusFailed
	job.Pages[1].Error = "boom"
	require.NoError(t, reg.Create(job))
	require.NoError(t, os.WriteFile(reg.InputPath("job1"), []byte("x"), 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		JobID         string `json:"job_id"`
		RetryingPages []int  `json:"retrying_pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job1", resp.JobID)
	require.Equal(t, []int{1}, resp.RetryingPages)

	// Wait for the background retry run to finish before the test's
	// TempDir is cleaned up out from under it. The job was already failed
	// before the retry, so its status alone cannot show the run ended;
	// the run closes the job's emitter once it reaches a terminal status.
	deadline := time.After(2 * time.Second)
	for {
		if s.Events.GetOrCreate("job1").Closed() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for retry run to finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// syncRecorder is a minimal concurrency-safe http.ResponseWriter,
// needed because the SSE handler writes from its own goroutine while
// the test polls the body from the main goroutine.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	code   int
	buf    bytes.Buffer
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: make(http.Header)}
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestHandleEventsStreamsEmittedEvents(t *testing.T) {
	s, reg := newTestServer(t)
	job := jobs.NewJob("job1", 1, "en", "", "book.pdf", 1000)
	require.NoError(t, reg.Create(job))
	emitter := s.Events.GetOrCreate("job1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job1/events", nil).WithContext(ctx)
	// Replay from id 0 so the event below reaches the stream even if it is
	// emitted before the handler has subscribed.
	req.Header.Set("Last-Event-ID", "0")
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	emitter.Emit("job.started", map[string]interface{}{"job_id": "job1"})

	deadline := time.After(2 * time.Second)
	for {
		if strings.Contains(rec.String(), "event: job.started") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SSE event to appear")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	require.Contains(t, rec.String(), "id: 1")
	require.Contains(t, rec.String(), fmt.Sprintf(`"job_id":"job1"`))
}
