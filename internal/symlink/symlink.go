// Package symlink mirrors the subdirectories of a source directory into a
// target directory as symbolic links. It only ever creates links: existing
// entries in the target are never replaced, redirected or removed.
package symlink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/schaermu/modsync/internal/report"
)

// State is the realized state of one source entry in the target
type State string

const (
	LinkedNow     State = "LINKED_NOW"
	AlreadyLinked State = "ALREADY_LINKED"
	Blocked       State = "BLOCKED"
	Failed        State = "FAILED"
)

// Result describes one mirrored entry
type Result struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Target string `json:"target"`
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Event converts the result into a report event attributed to role
func (r Result) Event(role string) report.Event {
	ev := report.Event{Category: role, Target: r.Name, Detail: r.Detail}
	switch r.State {
	case LinkedNow:
		ev.Kind, ev.Message = report.KindSuccess, "linked"
	case AlreadyLinked:
		ev.Kind, ev.Message = report.KindNoop, "already linked"
	case Blocked:
		ev.Kind, ev.Message = report.KindConflict, "blocked by existing entry"
	default:
		ev.Kind, ev.Message = report.KindConflict, "failed to link"
	}
	return ev
}

// Pair names a source and target directory to mirror
type Pair struct {
	Source       string
	Target       string
	Role         string
	IgnoreHidden bool
}

// PairResult holds the results of one pair. Duplicate is set when the pair
// was skipped because it already ran in the same invocation.
type PairResult struct {
	Pair      Pair
	Results   []Result
	Duplicate bool
}

// Synchronizer creates the links on a filesystem that supports them
type Synchronizer struct {
	fs       afero.Fs
	links    afero.Symlinker
	reporter report.Reporter
	logger   zerolog.Logger
}

// New creates a Synchronizer on fs, which must support symlinks.
func New(fs afero.Fs, reporter report.Reporter, logger zerolog.Logger) (*Synchronizer, error) {
	links, ok := fs.(afero.Symlinker)
	if !ok {
		return nil, fmt.Errorf("filesystem %s does not support symlinks", fs.Name())
	}
	return &Synchronizer{
		fs:       fs,
		links:    links,
		reporter: reporter,
		logger:   logger.With().Str("component", "symlink").Logger(),
	}, nil
}

// SyncAll runs every pair in order. A pair whose source and target match
// an earlier one is skipped.
func (s *Synchronizer) SyncAll(pairs []Pair) []PairResult {
	seen := make(map[[2]string]bool, len(pairs))
	out := make([]PairResult, 0, len(pairs))

	for _, p := range pairs {
		key := [2]string{absClean(p.Source), absClean(p.Target)}
		if seen[key] {
			s.logger.Warn().Str("source", p.Source).Str("target", p.Target).Msg("skipping duplicate link pair")
			out = append(out, PairResult{Pair: p, Duplicate: true})
			continue
		}
		seen[key] = true

		out = append(out, PairResult{
			Pair:    p,
			Results: s.Sync(p.Source, p.Target, p.Role, p.IgnoreHidden),
		})
	}
	return out
}

// Sync links every subdirectory of source into target. A missing source,
// or one that is not a directory, yields no results. The target directory
// is only created when there is something to link.
func (s *Synchronizer) Sync(source, target, role string, ignoreHidden bool) []Result {
	source, target = absClean(source), absClean(target)
	log := s.logger.With().Str("source", source).Str("target", target).Str("role", role).Logger()

	names := s.sourceDirs(source, ignoreHidden, log)

	s.reporter.Begin(role, len(names))
	defer s.reporter.End(role)

	results := make([]Result, 0, len(names))
	if len(names) == 0 {
		return results
	}

	mkdirErr := s.fs.MkdirAll(target, 0755)
	if mkdirErr != nil {
		log.Error().Err(mkdirErr).Msg("failed to create target directory")
	}

	for i, name := range names {
		r := Result{
			Name:   name,
			Source: filepath.Join(source, name),
			Target: filepath.Join(target, name),
		}
		if mkdirErr != nil {
			r.State = Failed
			r.Detail = mkdirErr.Error()
		} else {
			s.link(&r)
		}
		log.Debug().Str("entry", name).Str("state", string(r.State)).Msg("entry reconciled")

		results = append(results, r)
		s.reporter.Send(r.Event(role))
		s.reporter.Advance(role, i+1, len(names))
	}

	return results
}

// sourceDirs returns the names of the directories directly below source,
// following symlinks. Names come back sorted.
func (s *Synchronizer) sourceDirs(source string, ignoreHidden bool, log zerolog.Logger) []string {
	info, err := s.fs.Stat(source)
	if err != nil || !info.IsDir() {
		log.Debug().Msg("source is not a directory, nothing to link")
		return nil
	}

	entries, err := afero.ReadDir(s.fs, source)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list source directory")
		return nil
	}

	var names []string
	for _, e := range entries {
		if ignoreHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		isDir := e.IsDir()
		if e.Mode()&os.ModeSymlink != 0 {
			if fi, err := s.fs.Stat(filepath.Join(source, e.Name())); err == nil {
				isDir = fi.IsDir()
			}
		}
		if isDir {
			names = append(names, e.Name())
		}
	}
	return names
}

// link fills in the state of r, creating the link when nothing occupies
// the target path.
func (s *Synchronizer) link(r *Result) {
	info, _, err := s.links.LstatIfPossible(r.Target)
	if os.IsNotExist(err) {
		if err := s.links.SymlinkIfPossible(r.Source, r.Target); err != nil {
			r.State = Failed
			r.Detail = err.Error()
			return
		}
		r.State = LinkedNow
		return
	}
	if err != nil {
		r.State = Failed
		r.Detail = err.Error()
		return
	}

	if info.Mode()&os.ModeSymlink == 0 {
		r.State = Blocked
		if info.IsDir() {
			r.Detail = fmt.Sprintf("%s is a directory", r.Target)
		} else {
			r.Detail = fmt.Sprintf("%s is a file", r.Target)
		}
		return
	}

	dest, err := s.links.ReadlinkIfPossible(r.Target)
	if err != nil {
		r.State = Failed
		r.Detail = err.Error()
		return
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(r.Target), dest)
	}
	if filepath.Clean(dest) == r.Source {
		r.State = AlreadyLinked
		return
	}

	r.State = Blocked
	r.Detail = fmt.Sprintf("%s links to %s", r.Target, dest)
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
