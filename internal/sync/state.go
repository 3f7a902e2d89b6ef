package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/modsync/internal/reconcile"
)

// Report is the result of one run, persisted as the last-run state
type Report struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Collection string           `json:"collection"`
	DryRun     bool             `json:"dry_run,omitempty"`
	Categories []CategoryReport `json:"categories"`
}

// CategoryReport holds the outcomes of one category in declaration order
type CategoryReport struct {
	Name     string              `json:"name"`
	Folder   string              `json:"folder"`
	Outcomes []reconcile.Outcome `json:"outcomes"`
	Tally    Tally               `json:"tally"`
}

// Tally counts outcomes by kind
type Tally map[reconcile.Kind]int

// Conflicts returns the number of conflict outcomes
func (t Tally) Conflicts() int {
	n := 0
	for k, c := range t {
		if k.IsConflict() {
			n += c
		}
	}
	return n
}

func tally(outcomes []reconcile.Outcome) Tally {
	t := make(Tally)
	for _, o := range outcomes {
		t[o.Kind]++
	}
	return t
}

// Tally sums the tallies of every category
func (r *Report) Tally() Tally {
	t := make(Tally)
	for _, c := range r.Categories {
		for k, n := range c.Tally {
			t[k] += n
		}
	}
	return t
}

// Category returns the report of the named category, or nil
func (r *Report) Category(name string) *CategoryReport {
	for i := range r.Categories {
		if r.Categories[i].Name == name {
			return &r.Categories[i]
		}
	}
	return nil
}

var summaryOrder = []reconcile.Kind{
	reconcile.Cloned,
	reconcile.Updated,
	reconcile.Skipped,
	reconcile.ConflictNotARepo,
	reconcile.ConflictNoRemote,
	reconcile.ConflictCommandFailed,
	reconcile.ConflictInvalidFolder,
}

// Summary renders the overall tally, e.g. "2 cloned, 1 conflict_no_remote"
func (r *Report) Summary() string {
	return r.Tally().String()
}

// String lists the non-zero counts in a fixed order
func (t Tally) String() string {
	var parts []string
	for _, k := range summaryOrder {
		if n := t[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, ", ")
}

// LoadReport reads a report saved by Save. A missing file yields an error
// matching os.ErrNotExist.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

// Save persists the report to path, replacing any previous one
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
