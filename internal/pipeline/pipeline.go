// Package pipeline implements the Pipeline Orchestrator: the state
// machine that drives one Job from processing through assembly to a
// terminal status, with bounded concurrency and per-page durability.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sirupsen/logrus"

	"github.com/bookscan/epub-ocr/internal/assembler"
	"github.com/bookscan/epub-ocr/internal/events"
	"github.com/bookscan/epub-ocr/internal/jobs"
	"github.com/bookscan/epub-ocr/internal/metrics"
	"github.com/bookscan/epub-ocr/internal/ocr"
	"github.com/bookscan/epub-ocr/internal/render"
)

// Options configures one Pipeline's rendering, concurrency, and
// chaptering behavior. Zero Workers, QueueCapacity and PagesPerChapter
// are replaced with defaults (2, 8 and 10); Render and DefaultPrompt are
// used as given.
type Options struct {
	Workers         int
	QueueCapacity   int
	PagesPerChapter int
	Render          render.Options
	DefaultPrompt   string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 8
	}
	if o.PagesPerChapter <= 0 {
		o.PagesPerChapter = 10
	}
	return o
}

// Pipeline runs jobs against a fixed set of collaborators. A single
// Pipeline value is shared across concurrent runs; Run holds no
// orchestrator-level state between calls.
type Pipeline struct {
	Registry   *jobs.Registry
	Events     *events.Registry
	Rasterizer render.Rasterizer
	OCR        ocr.Client
	Options    Options
	Log        *logrus.Entry
}

// New returns a Pipeline. log defaults to the standard logger.
func New(reg *jobs.Registry, evReg *events.Registry, rast render.Rasterizer, ocrClient ocr.Client, opts Options, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		Registry:   reg,
		Events:     evReg,
		Rasterizer: rast,
		OCR:        ocrClient,
		Options:    opts.withDefaults(),
		Log:        log,
	}
}

type queueItem struct {
	sentinel bool
	page     int
	image    []byte
}

// Run drives job through the full processing lifecycle: render, OCR,
// assemble. If pagesToProcess is non-nil, only those page indices are
// (re-)processed; all others retain their prior PageResult. Run blocks
// until the job reaches a terminal status. It never returns an error
// for a per-page OCR failure; the returned error is non-nil only for a
// fatal setup or assembly failure, which also lands the job in
// StatusFailed.
func (p *Pipeline) Run(ctx context.Context, job *jobs.Job, pagesToProcess map[int]bool) error {
	emitter := p.Events.GetOrCreate(job.ID)

	job.Lock()
	prevStatus := job.Status
	job.Status = jobs.StatusProcessing
	started := time.Now().Unix()
	job.StartedAt = &started
	totalPages := job.TotalPages
	job.Unlock()
	metrics.JobsActive.WithLabelValues(string(prevStatus)).Dec()
	metrics.JobsActive.WithLabelValues(string(jobs.StatusProcessing)).Inc()
	if err := p.Registry.Save(job); err != nil {
		p.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to save job at run start")
	}
	emitter.Emit("job.started", map[string]interface{}{
		"job_id":      job.ID,
		"total_pages": totalPages,
		"status":      string(jobs.StatusProcessing),
	})

	pdfPath := p.Registry.InputPath(job.ID)
	pages, errs := render.Stream(ctx, pdfPath, p.Options.Render, p.Rasterizer)

	queue := make(chan queueItem, p.Options.QueueCapacity)
	var renderErr error

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for page := range pages {
			if pagesToProcess != nil && !pagesToProcess[page.Index] {
				continue
			}
			select {
			case queue <- queueItem{page: page.Index, image: page.Image}:
				metrics.QueueDepth.WithLabelValues(job.ID).Set(float64(len(queue)))
			case <-ctx.Done():
				renderErr = ctx.Err()
				queue <- queueItem{sentinel: true}
				return
			}
		}
		if err, ok := <-errs; ok && err != nil {
			renderErr = err
			p.Log.WithError(err).WithField("job_id", job.ID).Warn("renderer reported an error")
		}
		queue <- queueItem{sentinel: true}
	}()

	sem := semaphore.NewWeighted(int64(p.Options.Workers))
	var wg sync.WaitGroup
	for i := 0; i < p.Options.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if item.sentinel {
					queue <- item
					return
				}
				metrics.QueueDepth.WithLabelValues(job.ID).Set(float64(len(queue)))
				p.processPage(ctx, sem, job, emitter, totalPages, item)
			}
		}()
	}

	<-producerDone
	wg.Wait()
	metrics.QueueDepth.WithLabelValues(job.ID).Set(0)

	if renderErr != nil {
		p.failJob(job, emitter, fmt.Errorf("rendering PDF: %w", renderErr))
		return renderErr
	}

	return p.assembleAndFinish(job, emitter)
}

// processPage runs the per-page worker logic of spec §4.6: mark
// processing, call OCR under the shared permit, checkpoint on
// success, and emit page.completed in all cases.
func (p *Pipeline) processPage(ctx context.Context, sem *semaphore.Weighted, job *jobs.Job, emitter *events.Emitter, totalPages int, item queueItem) {
	job.Lock()
	pr, ok := job.Pages[item.page]
	if !ok {
		job.Unlock()
		return
	}
	pr.Status = jobs.PageStatusProcessing
	prompt := job.OCRPrompt
	if prompt == "" {
		prompt = p.Options.DefaultPrompt
	}
	job.Unlock()
	if err := p.Registry.Save(job); err != nil {
		p.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to save job before OCR attempt")
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		p.recordPageOutcome(job, emitter, totalPages, item.page, "", err)
		return
	}
	text, err := p.OCR.OCR(ctx, item.image, prompt)
	sem.Release(1)

	if err == nil {
		if werr := p.writeCheckpoint(job.ID, item.page, text); werr != nil {
			p.Log.WithError(werr).WithField("job_id", job.ID).WithField("page", item.page).Warn("failed to write page checkpoint")
		}
	}
	p.recordPageOutcome(job, emitter, totalPages, item.page, text, err)
}

func (p *Pipeline) recordPageOutcome(job *jobs.Job, emitter *events.Emitter, totalPages, page int, text string, ocrErr error) {
	job.Lock()
	pr := job.Pages[page]
	var payload map[string]interface{}
	if ocrErr != nil {
		pr.Status = jobs.PageStatusFailed
		pr.Error = ocrErr.Error()
		payload = map[string]interface{}{
			"page":        page,
			"total_pages": totalPages,
			"status":      string(jobs.PageStatusFailed),
			"error":       pr.Error,
		}
	} else {
		pr.Status = jobs.PageStatusSuccess
		pr.Text = text
		payload = map[string]interface{}{
			"page":         page,
			"total_pages":  totalPages,
			"status":       string(jobs.PageStatusSuccess),
			"text_preview": previewOf(text),
		}
	}
	job.Unlock()

	emitter.Emit("page.completed", payload)
	if err := p.Registry.Save(job); err != nil {
		p.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to save job after page update")
	}
}

func previewOf(text string) string {
	r := []rune(text)
	if len(r) <= 200 {
		return text
	}
	return string(r[:200])
}

func (p *Pipeline) writeCheckpoint(jobID string, page int, text string) error {
	path := filepath.Join(p.Registry.PagesDir(jobID), fmt.Sprintf("%05d.txt", page))
	return os.WriteFile(path, []byte(text), 0o644)
}

// assembleAndFinish runs after the page queue has fully drained: it
// announces job.assembling, builds the archive from every page whose
// status is success, and emits the mutually exclusive terminal event.
func (p *Pipeline) assembleAndFinish(job *jobs.Job, emitter *events.Emitter) error {
	job.Lock()
	succeeded, failed := job.PagesSucceeded(), job.PagesFailed()
	job.Unlock()

	metrics.JobsActive.WithLabelValues(string(jobs.StatusProcessing)).Dec()
	metrics.JobsActive.WithLabelValues(string(jobs.StatusAssembling)).Inc()
	emitter.Emit("job.assembling", map[string]interface{}{
		"pages_succeeded": succeeded,
		"pages_failed":    failed,
	})

	job.Lock()
	job.Status = jobs.StatusAssembling
	pagesText := make(map[int]string, len(job.Pages))
	for idx, pr := range job.Pages {
		if pr.Status == jobs.PageStatusSuccess {
			pagesText[idx] = pr.Text
		}
	}
	total := job.TotalPages
	lang := job.Language
	title := titleFromFilename(job.PDFFilename)
	job.Unlock()
	if err := p.Registry.Save(job); err != nil {
		p.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to save job entering assembling")
	}

	req := assembler.Request{
		Pages:           pagesText,
		TotalPages:      total,
		Language:        lang,
		Title:           title,
		PagesPerChapter: p.Options.PagesPerChapter,
	}
	if err := assembler.Assemble(p.Registry.OutputPath(job.ID), req); err != nil {
		p.failJob(job, emitter, fmt.Errorf("assembling archive: %w", err))
		return err
	}

	now := time.Now().Unix()
	job.Lock()
	job.Status = jobs.StatusCompleted
	job.CompletedAt = &now
	startedAt := job.StartedAt
	failedPages := job.FailedPageNumbers()
	job.Unlock()
	if err := p.Registry.Save(job); err != nil {
		p.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to save completed job")
	}

	metrics.JobsActive.WithLabelValues(string(jobs.StatusAssembling)).Dec()
	metrics.JobsActive.WithLabelValues(string(jobs.StatusCompleted)).Inc()

	duration := 0.0
	if startedAt != nil {
		duration = float64(now - *startedAt)
	}
	emitter.Emit("job.completed", map[string]interface{}{
		"download_url":     fmt.Sprintf("/api/jobs/%s/result", job.ID),
		"duration_seconds": duration,
		"pages_succeeded":  succeeded,
		"failed_pages":     failedPages,
	})
	emitter.Close()
	return nil
}

func (p *Pipeline) failJob(job *jobs.Job, emitter *events.Emitter, err error) {
	job.Lock()
	prevStatus := job.Status
	job.Status = jobs.StatusFailed
	job.Error = err.Error()
	job.Unlock()
	if serr := p.Registry.Save(job); serr != nil {
		p.Log.WithError(serr).WithField("job_id", job.ID).Warn("failed to save failed job")
	}

	metrics.JobsActive.WithLabelValues(string(prevStatus)).Dec()
	metrics.JobsActive.WithLabelValues(string(jobs.StatusFailed)).Inc()

	emitter.Emit("job.failed", map[string]interface{}{"error": err.Error()})
	emitter.Close()
}

// titleFromFilename derives an EPUB title from the original upload
// name by stripping its extension and any directory component.
func titleFromFilename(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
