// Package sync drives the reconcile of every declared category against
// the collection root.
package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/reconcile"
	"github.com/schaermu/modsync/internal/report"
)

// Options narrows and tunes a run
type Options struct {
	// Collection overrides the configured collection root
	Collection string
	// Categories restricts the run to these categories; empty means all
	Categories []string
	// Jobs overrides sync.jobs when positive
	Jobs int
	// Match, when set, selects the packages to reconcile
	Match func(config.Package) bool
}

// Engine orchestrates the reconcile process
type Engine struct {
	cfg      *config.Config
	registry *reconcile.Registry
	reporter report.Reporter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a new engine. Every outcome is sent to reporter.
func NewEngine(cfg *config.Config, registry *reconcile.Registry, reporter report.Reporter, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		reporter: reporter,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
	}
}

// Run reconciles every selected package, one category after another, and
// saves the report as the last-run state. A run narrowed by Categories or
// Match keeps the previous outcomes of the packages it did not cover in the
// saved state; the returned report only holds this run's outcomes.
// Per-package failures are outcomes in the report; the error is reserved
// for input that prevents the run, or for a report that could not be saved.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	rep, err := e.run(ctx, opts, false)
	if err != nil {
		return nil, err
	}

	state := rep
	if opts.Match != nil || len(opts.Categories) > 0 {
		state = e.mergePrevious(rep)
	}
	if err := state.Save(e.cfg.LastRunPath()); err != nil {
		return rep, fmt.Errorf("failed to save report: %w", err)
	}
	return rep, nil
}

// Plan reports the transition every selected package would go through
// without changing the tree or the last-run state.
func (e *Engine) Plan(ctx context.Context, opts Options) (*Report, error) {
	return e.run(ctx, opts, true)
}

func (e *Engine) run(ctx context.Context, opts Options, dryRun bool) (*Report, error) {
	collection := opts.Collection
	if collection == "" {
		collection = e.cfg.Collection
	}
	if collection == "" {
		return nil, fmt.Errorf("no collection directory configured")
	}
	if info, err := os.Stat(collection); err != nil {
		return nil, fmt.Errorf("collection directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("collection %s is not a directory", collection)
	}

	cats, err := e.selectCategories(opts.Categories)
	if err != nil {
		return nil, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = e.cfg.Sync.Jobs
	}

	e.logger.Info().
		Str("collection", collection).
		Int("categories", len(cats)).
		Int("jobs", jobs).
		Bool("dry_run", dryRun).
		Msg("starting run")

	rep := &Report{
		StartedAt:  e.now(),
		Collection: collection,
		DryRun:     dryRun,
	}

	for _, cat := range cats {
		pkgs := cat.Packages
		if opts.Match != nil {
			pkgs = filterPackages(pkgs, opts.Match)
		}

		folder := filepath.Join(collection, cat.Name)
		outcomes := e.runCategory(ctx, cat.Name, folder, pkgs, jobs, dryRun)

		rep.Categories = append(rep.Categories, CategoryReport{
			Name:     cat.Name,
			Folder:   folder,
			Outcomes: outcomes,
			Tally:    tally(outcomes),
		})
	}

	rep.FinishedAt = e.now()
	e.logger.Info().Str("summary", rep.Summary()).Dur("took", rep.FinishedAt.Sub(rep.StartedAt)).Msg("run complete")
	return rep, nil
}

func (e *Engine) selectCategories(names []string) ([]config.Category, error) {
	all := e.cfg.Categories()
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if !config.IsCategory(n) {
			return nil, fmt.Errorf("%q: %w", n, config.ErrUnknownCategory)
		}
		want[n] = true
	}

	var cats []config.Category
	for _, c := range all {
		if want[c.Name] {
			cats = append(cats, c)
		}
	}
	return cats, nil
}

// runCategory reconciles pkgs into folder and returns their outcomes in
// declaration order. Packages run on a pool of jobs workers unless two of
// them share a folder.
func (e *Engine) runCategory(ctx context.Context, category, folder string, pkgs []config.Package, jobs int, dryRun bool) []reconcile.Outcome {
	e.reporter.Begin(category, len(pkgs))
	defer e.reporter.End(category)

	outcomes := make([]reconcile.Outcome, len(pkgs))
	if len(pkgs) == 0 {
		return outcomes
	}

	progress := &counter{reporter: e.reporter, category: category, total: len(pkgs)}
	do := func(i int) {
		outcomes[i] = e.reconcileOne(ctx, pkgs[i], folder, dryRun)
		progress.done(outcomes[i].Event(category))
	}

	if jobs > 1 && sharesFolder(pkgs, folder) {
		e.logger.Warn().Str("category", category).Msg("packages share a folder, reconciling sequentially")
		jobs = 1
	}

	if jobs <= 1 {
		for i := range pkgs {
			do(i)
		}
		return outcomes
	}

	p := pool.New().WithMaxGoroutines(jobs)
	for i := range pkgs {
		i := i
		p.Go(func() { do(i) })
	}
	p.Wait()
	return outcomes
}

func (e *Engine) reconcileOne(ctx context.Context, pkg config.Package, folder string, dryRun bool) reconcile.Outcome {
	rec, err := e.registry.Get(pkg.Type)
	if err != nil {
		return reconcile.Outcome{Kind: reconcile.Skipped, URL: pkg.URL, Detail: err.Error(), Planned: dryRun}
	}
	if dryRun {
		return rec.Plan(ctx, pkg, folder)
	}
	return rec.Reconcile(ctx, pkg, folder)
}

// counter is the single owner of a category's progress, so concurrent
// completions reach the reporter in a consistent order.
type counter struct {
	mu        gosync.Mutex
	reporter  report.Reporter
	category  string
	total     int
	completed int
}

func (c *counter) done(ev report.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.reporter.Send(ev)
	c.reporter.Advance(c.category, c.completed, c.total)
}

// mergePrevious lays the outcomes of a partial run over the saved last-run
// state. Outcomes are matched by url within a category and listed in
// declaration order; packages no longer declared are dropped.
func (e *Engine) mergePrevious(rep *Report) *Report {
	prev, err := LoadReport(e.cfg.LastRunPath())
	if err != nil || prev.DryRun || prev.Collection != rep.Collection {
		return rep
	}

	merged := *rep
	merged.Categories = nil
	for _, cat := range e.cfg.Categories() {
		fresh, old := rep.Category(cat.Name), prev.Category(cat.Name)
		if fresh == nil && old == nil {
			continue
		}

		byURL := make(map[string]reconcile.Outcome)
		for _, c := range []*CategoryReport{old, fresh} {
			if c == nil {
				continue
			}
			for _, o := range c.Outcomes {
				byURL[o.URL] = o
			}
		}

		var outcomes []reconcile.Outcome
		for _, pkg := range cat.Packages {
			if o, ok := byURL[pkg.URL]; ok {
				outcomes = append(outcomes, o)
				delete(byURL, pkg.URL)
			}
		}
		merged.Categories = append(merged.Categories, CategoryReport{
			Name:     cat.Name,
			Folder:   filepath.Join(rep.Collection, cat.Name),
			Outcomes: outcomes,
			Tally:    tally(outcomes),
		})
	}
	return &merged
}

func filterPackages(pkgs []config.Package, match func(config.Package) bool) []config.Package {
	var out []config.Package
	for _, p := range pkgs {
		if match(p) {
			out = append(out, p)
		}
	}
	return out
}

// sharesFolder reports whether two packages resolve to the same folder
func sharesFolder(pkgs []config.Package, folder string) bool {
	seen := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		dir, err := reconcile.FolderPath(p, folder)
		if err != nil {
			continue
		}
		if seen[dir] {
			return true
		}
		seen[dir] = true
	}
	return false
}
