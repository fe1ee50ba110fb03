// Package jobs holds the authoritative in-memory Job registry and its
// durable on-disk JSON mirror.
package jobs

import (
	"sort"
	"sync"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusAssembling  Status = "assembling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// PageStatus is a PageResult's lifecycle state.
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusSuccess    PageStatus = "success"
	PageStatusFailed     PageStatus = "failed"
)

// Language is a recognized OCR/output language tag. Unknown tags fall
// back to Persian per DefaultLanguage.
type Language string

const (
	LanguageFarsi   Language = "fa"
	LanguageArabic  Language = "ar"
	LanguageEnglish Language = "en"

	DefaultLanguage = LanguageFarsi
)

// NormalizeLanguage returns l if recognized, else DefaultLanguage.
func NormalizeLanguage(l string) Language {
	switch Language(l) {
	case LanguageFarsi, LanguageArabic, LanguageEnglish:
		return Language(l)
	default:
		return DefaultLanguage
	}
}

// RightToLeft reports whether l is read right-to-left.
func (l Language) RightToLeft() bool {
	switch l {
	case LanguageArabic, LanguageFarsi:
		return true
	default:
		return false
	}
}

// PageResult is the outcome of OCR on a single page.
type PageResult struct {
	Page   int        `json:"page"`
	Status PageStatus  `json:"status"`
	Text   string      `json:"text"`
	Error  string      `json:"error,omitempty"`
}

// Job is one user upload, tracked from admission through a terminal
// status. The Pipeline Orchestrator is the sole writer during a run;
// other components must treat a *Job obtained from the Registry as
// read-only, except that the HTTP retry handler resets failed pages to
// pending, under the Job's lock, before it starts a new run.
type Job struct {
	mu sync.Mutex

	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	TotalPages  int             `json:"total_pages"`
	Pages       map[int]*PageResult `json:"pages"`
	Language    Language        `json:"language"`
	OCRPrompt   string          `json:"ocr_prompt,omitempty"`
	PDFFilename string          `json:"pdf_filename"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   *int64          `json:"started_at,omitempty"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewJob constructs a Job admitted with totalPages dense page keys, all
// initially pending.
func NewJob(id string, totalPages int, language, ocrPrompt, pdfFilename string, createdAt int64) *Job {
	pages := make(map[int]*PageResult, totalPages)
	for i := 0; i < totalPages; i++ {
		pages[i] = &PageResult{Page: i, Status: PageStatusPending}
	}
	return &Job{
		ID:          id,
		Status:      StatusPending,
		TotalPages:  totalPages,
		Pages:       pages,
		Language:    NormalizeLanguage(language),
		OCRPrompt:   ocrPrompt,
		PDFFilename: pdfFilename,
		CreatedAt:   createdAt,
	}
}

// Lock/Unlock expose the Job's mutex to callers (the orchestrator, the
// registry's save path) that must mutate or read several fields
// atomically with respect to each other.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// Snapshot returns a deep copy of j suitable for serialization or for
// handing to a reader without risking a data race with the
// orchestrator. Callers must not hold j's lock when calling Snapshot.
func (j *Job) Snapshot() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp := &Job{
		ID:          j.ID,
		Status:      j.Status,
		TotalPages:  j.TotalPages,
		Language:    j.Language,
		OCRPrompt:   j.OCRPrompt,
		PDFFilename: j.PDFFilename,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.Error,
		Pages:       make(map[int]*PageResult, len(j.Pages)),
	}
	for k, v := range j.Pages {
		pr := *v
		cp.Pages[k] = &pr
	}
	return cp
}

// PagesSucceeded returns the count of pages whose status is success.
// Caller must hold j's lock, or call via Snapshot for a race-free read.
func (j *Job) PagesSucceeded() int {
	n := 0
	for _, p := range j.Pages {
		if p.Status == PageStatusSuccess {
			n++
		}
	}
	return n
}

// PagesFailed returns the count of pages whose status is failed.
func (j *Job) PagesFailed() int {
	n := 0
	for _, p := range j.Pages {
		if p.Status == PageStatusFailed {
			n++
		}
	}
	return n
}

// PagesCompleted returns PagesSucceeded + PagesFailed.
func (j *Job) PagesCompleted() int {
	return j.PagesSucceeded() + j.PagesFailed()
}

// FailedPageNumbers returns the sorted page indices whose status is
// failed.
func (j *Job) FailedPageNumbers() []int {
	var out []int
	for k, p := range j.Pages {
		if p.Status == PageStatusFailed {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}
