// Command epub-ocr-admin is a small read-only inspection tool over a
// running engine's on-disk job directory, for operators debugging a
// stuck or failed job without going through the HTTP API.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"

	"github.com/bookscan/epub-ocr/internal/jobs"
)

type options struct {
	DataDir string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Root directory for job data"`
}

var opts options

type jobsGroup struct{}

type listCmd struct{}

type showCmd struct {
	Args struct {
		JobID string `positional-arg-name:"job-id"`
	} `positional-args:"yes" required:"yes"`
}

func statusColorFor(s jobs.Status) *color.Color {
	switch s {
	case jobs.StatusCompleted:
		return color.New(color.FgGreen)
	case jobs.StatusFailed:
		return color.New(color.FgRed)
	case jobs.StatusProcessing, jobs.StatusAssembling:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func (c *listCmd) Execute(_ []string) error {
	reg := jobs.NewRegistry(opts.DataDir, nil)
	if err := reg.LoadFromDisk(); err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	all := reg.AllJobs()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })

	bold := color.New(color.Bold)
	bold.Println("JOB ID        STATUS         PAGES  FAILED  FILENAME")
	for _, j := range all {
		snap := j.Snapshot()
		statusStr := statusColorFor(snap.Status).Sprintf("%-13s", snap.Status)
		fmt.Printf("%-13s %s %6d %7d  %s\n",
			snap.ID, statusStr, snap.TotalPages, len(snap.FailedPageNumbers()), snap.PDFFilename)
	}
	return nil
}

func (c *showCmd) Execute(_ []string) error {
	reg := jobs.NewRegistry(opts.DataDir, nil)
	if err := reg.LoadFromDisk(); err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	job, ok := reg.Get(c.Args.JobID)
	if !ok {
		return fmt.Errorf("job %s not found", c.Args.JobID)
	}
	snap := job.Snapshot()

	color.New(color.Bold).Println("Job", snap.ID)
	fmt.Println("status:    ", statusColorFor(snap.Status).Sprint(snap.Status))
	fmt.Println("filename:  ", snap.PDFFilename)
	fmt.Println("language:  ", snap.Language)
	fmt.Println("pages:     ", snap.TotalPages)
	fmt.Println("succeeded: ", snap.PagesSucceeded())
	fmt.Println("failed:    ", snap.PagesFailed(), snap.FailedPageNumbers())
	fmt.Println("created:   ", time.Unix(snap.CreatedAt, 0).Format(time.RFC3339))
	if snap.Error != "" {
		color.Red("error:      %s", snap.Error)
	}
	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	jobsCmd, err := parser.AddCommand("jobs", "Inspect jobs", "Inspect job records on disk.", &jobsGroup{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := jobsCmd.AddCommand("list", "List jobs", "List every job known to the data directory.", &listCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := jobsCmd.AddCommand("show", "Show a job", "Show full detail for one job.", &showCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
