package reconcile

import (
	"fmt"
	"path/filepath"

	"github.com/schaermu/modsync/internal/report"
)

// Kind is the result of reconciling one package
type Kind string

const (
	Cloned                Kind = "cloned"
	Updated               Kind = "updated"
	Skipped               Kind = "skipped"
	ConflictNotARepo      Kind = "conflict_not_a_repo"
	ConflictNoRemote      Kind = "conflict_no_remote"
	ConflictCommandFailed Kind = "conflict_command_failed"
	ConflictInvalidFolder Kind = "conflict_invalid_folder"
)

// IsConflict reports whether k is one of the conflict kinds
func (k Kind) IsConflict() bool {
	switch k {
	case ConflictNotARepo, ConflictNoRemote, ConflictCommandFailed, ConflictInvalidFolder:
		return true
	}
	return false
}

// Outcome describes what reconciling a package did, or for a plan, what it
// would do.
type Outcome struct {
	Kind    Kind   `json:"kind"`
	URL     string `json:"url"`
	Folder  string `json:"folder,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Planned bool   `json:"planned,omitempty"`
}

// Event converts the outcome into a report event for category
func (o Outcome) Event(category string) report.Event {
	ev := report.Event{
		Category: category,
		Target:   o.target(),
		Message:  o.message(),
		Detail:   o.Detail,
	}
	switch {
	case o.Kind.IsConflict():
		ev.Kind = report.KindConflict
	case o.Kind == Skipped || o.Planned:
		ev.Kind = report.KindNoop
	default:
		ev.Kind = report.KindSuccess
	}
	return ev
}

func (o Outcome) target() string {
	if o.Folder != "" {
		return filepath.Base(o.Folder)
	}
	return o.URL
}

func (o Outcome) message() string {
	var msg string
	switch o.Kind {
	case Cloned:
		msg = "cloned"
		if o.Planned {
			msg = "would clone"
		}
	case Updated:
		msg = "updated"
		if o.Planned {
			msg = "would update"
		}
	case Skipped:
		return "skipped"
	case ConflictNotARepo:
		return "not a git repository, left untouched"
	case ConflictNoRemote:
		return "remote not configured"
	case ConflictCommandFailed:
		return "git command failed"
	case ConflictInvalidFolder:
		return "invalid folder name"
	default:
		return string(o.Kind)
	}

	switch {
	case o.Branch != "" && o.Commit != "":
		return fmt.Sprintf("%s (%s @ %s)", msg, o.Branch, shortCommit(o.Commit))
	case o.Branch != "":
		return fmt.Sprintf("%s (%s)", msg, o.Branch)
	}
	return msg
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
