package index

import (
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dustin/go-humanize"
)

// Profile is a saved set of run options
type Profile struct {
	Name            string            `json:"name"`
	Root            string            `json:"root"`
	OutDir          string            `json:"outDir"`
	DriveID         string            `json:"driveId,omitempty"`
	ExcludePatterns []string          `json:"exclude,omitempty"`
	ExportFormats   map[string]string `json:"exportFormats,omitempty"`
	Concurrency     int               `json:"concurrency,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	LastRunAt       int64             `json:"lastRunAt,omitempty"`
}

// RunStatus summarizes how a run ended
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunPartial RunStatus = "partial"
	RunAborted RunStatus = "aborted"
)

// StatusFor derives the status of a run from its totals and fatal error
func StatusFor(totals types.RunTotals, err error) RunStatus {
	switch {
	case err != nil:
		return RunAborted
	case totals.Failed > 0:
		return RunPartial
	}
	return RunOK
}

// Run is one recorded mirror run
type Run struct {
	ID         string          `json:"id"`
	Profile    string          `json:"profile,omitempty"`
	Root       string          `json:"root"`
	OutDir     string          `json:"outDir"`
	StartedAt  int64           `json:"startedAt"`
	FinishedAt int64           `json:"finishedAt"`
	Status     RunStatus       `json:"status"`
	DryRun     bool            `json:"dryRun,omitempty"`
	Totals     types.RunTotals `json:"totals"`
	Error      string          `json:"error,omitempty"`
}

// Runs renders as a history table
type Runs []Run

func (r Runs) Headers() []string {
	return []string{"Started", "Profile", "Status", "Completed", "Skipped", "Failed", "Bytes", "Duration"}
}

func (r Runs) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, run := range r {
		profile := run.Profile
		if profile == "" {
			profile = "-"
		}
		status := string(run.Status)
		if run.DryRun {
			status += " (dry run)"
		}
		rows = append(rows, []string{
			time.Unix(run.StartedAt, 0).Format("2006-01-02 15:04:05"),
			profile,
			status,
			strconv.Itoa(run.Totals.Completed),
			strconv.Itoa(run.Totals.Skipped),
			strconv.Itoa(run.Totals.Failed),
			humanize.IBytes(uint64(run.Totals.Bytes)),
			run.Totals.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func (r Runs) EmptyMessage() string {
	return "No runs recorded"
}

// Profiles implements TableRenderer for a profile list
type Profiles []Profile

func (p Profiles) Headers() []string {
	return []string{"Name", "Root", "Output", "Exclude", "Last Run"}
}

func (p Profiles) Rows() [][]string {
	rows := make([][]string, 0, len(p))
	for _, prof := range p {
		last := "never"
		if prof.LastRunAt > 0 {
			last = time.Unix(prof.LastRunAt, 0).Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{prof.Name, prof.Root, prof.OutDir, strings.Join(prof.ExcludePatterns, ","), last})
	}
	return rows
}

func (p Profiles) EmptyMessage() string {
	return "No profiles saved"
}
