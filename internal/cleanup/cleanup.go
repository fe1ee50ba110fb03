// Package cleanup implements the periodic sweep that enforces the PDF
// and job TTLs described in spec §4.3.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bookscan/epub-ocr/internal/events"
	"github.com/bookscan/epub-ocr/internal/jobs"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Loop periodically sweeps the job registry, deleting expired source
// PDFs and fully removing terminal jobs past their job TTL. A
// processing or assembling job is never touched, regardless of age.
type Loop struct {
	Registry *jobs.Registry
	Events   *events.Registry
	JobTTL   time.Duration
	PDFTTL   time.Duration
	Interval time.Duration
	Now      Clock
	Log      *logrus.Entry
}

// NewLoop returns a Loop with the given dependencies. Now defaults to
// time.Now when nil.
func NewLoop(reg *jobs.Registry, evReg *events.Registry, jobTTL, pdfTTL, interval time.Duration, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		Registry: reg,
		Events:   evReg,
		JobTTL:   jobTTL,
		PDFTTL:   pdfTTL,
		Interval: interval,
		Now:      time.Now,
		Log:      log,
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled. It has no
// critical section requiring graceful drain, so cancellation simply
// stops the next tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep runs one pass over every known job.
func (l *Loop) Sweep() {
	now := l.Now
	if now == nil {
		now = time.Now
	}

	for _, job := range l.Registry.AllJobs() {
		snap := job.Snapshot()
		age := time.Duration(now().Unix()-snap.CreatedAt) * time.Second

		if snap.Status == jobs.StatusProcessing || snap.Status == jobs.StatusAssembling {
			continue
		}

		terminal := snap.Status == jobs.StatusCompleted || snap.Status == jobs.StatusFailed
		if terminal && age > l.JobTTL {
			l.removeJob(snap.ID)
			continue
		}
		if age > l.PDFTTL {
			l.removePDF(snap.ID)
		}
	}
}

func (l *Loop) removeJob(id string) {
	dir := l.Registry.JobDir(id)
	if err := os.RemoveAll(dir); err != nil {
		l.Log.WithError(err).WithField("job_id", id).Warn("failed to remove job directory")
	}
	l.Registry.Delete(id)
	if l.Events != nil {
		l.Events.Remove(id)
	}
	l.Log.WithField("job_id", id).Info("removed expired job")
}

func (l *Loop) removePDF(id string) {
	path := l.Registry.InputPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.Log.WithError(err).WithField("job_id", id).Warn("failed to remove expired PDF")
		return
	}
	l.Log.WithField("job_id", id).Debug("removed expired source PDF")
}
