package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

const (
	jobFileName   = "job.json"
	inputFileName = "input.pdf"
	outputName    = "output.epub"
	pagesDirName  = "pages"
)

// Registry is the authoritative in-memory map of jobs during the
// process lifetime, mirrored to disk as one job.json per job. The
// Pipeline Orchestrator is the sole writer to a given Job during its
// run; Registry only serializes Save/Create/Delete against each other
// and against concurrent reads.
type Registry struct {
	mu      sync.Mutex
	dataDir string
	jobs    map[string]*Job
	log     *logrus.Entry
}

// NewRegistry returns a Registry rooted at dataDir/jobs.
func NewRegistry(dataDir string, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		dataDir: dataDir,
		jobs:    make(map[string]*Job),
		log:     log,
	}
}

// JobDir returns the directory holding id's on-disk artifacts.
func (r *Registry) JobDir(id string) string {
	return filepath.Join(r.dataDir, "jobs", id)
}

func (r *Registry) jobPath(id string) string   { return filepath.Join(r.JobDir(id), jobFileName) }
func (r *Registry) InputPath(id string) string  { return filepath.Join(r.JobDir(id), inputFileName) }
func (r *Registry) OutputPath(id string) string { return filepath.Join(r.JobDir(id), outputName) }
func (r *Registry) PagesDir(id string) string   { return filepath.Join(r.JobDir(id), pagesDirName) }

// Create installs job in the registry, creates its job directory, and
// writes the initial job.json. It fails only on unrecoverable I/O.
func (r *Registry) Create(job *Job) error {
	dir := r.JobDir(job.ID)
	if err := os.MkdirAll(filepath.Join(dir, pagesDirName), 0o755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	return r.Save(job)
}

// Get returns the live record for id, or (nil, false).
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Save rewrites job.json for job.Snapshot(). The write goes to a temp
// file in the same directory, fsynced, then renamed over the
// destination so a crash never leaves a torn record; an advisory lock
// is held across the write+rename so a concurrent cleanup sweep never
// observes a half-written file.
func (r *Registry) Save(job *Job) error {
	snap := job.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	dst := r.jobPath(job.ID)
	lock := flock.New(dst + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking job file %s: %w", dst, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(dst), jobFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp job file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp job file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("renaming job file into place: %w", err)
	}
	return nil
}

// Delete removes the in-memory entry for id. It does not touch files;
// the Cleanup Loop owns file removal.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// AllJobs returns a snapshot slice of all currently registered jobs.
func (r *Registry) AllJobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// LoadFromDisk walks dataDir/jobs/*/job.json, installing every record
// that parses. Parse failures are logged and skipped. Called once at
// startup.
func (r *Registry) LoadFromDisk() error {
	root := filepath.Join(r.dataDir, "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading jobs directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(root, id, jobFileName)

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.WithError(err).WithField("job_id", id).Warn("failed to read job.json, skipping")
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			r.log.WithError(err).WithField("job_id", id).Warn("corrupt job.json, skipping")
			continue
		}

		r.mu.Lock()
		r.jobs[job.ID] = &job
		r.mu.Unlock()
	}
	return nil
}
