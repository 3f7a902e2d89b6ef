// Package reconcile brings a single package folder in line with its
// declaration: clone it, update it, or report why neither is possible.
// Failures never escape as errors; each one becomes an Outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/git"
	"github.com/schaermu/modsync/internal/identity"
)

// Reconciler reconciles packages of one source kind
type Reconciler interface {
	// Reconcile applies the transition the folder's state calls for
	Reconcile(ctx context.Context, pkg config.Package, targetDir string) Outcome
	// Plan reports the transition Reconcile would apply without applying it
	Plan(ctx context.Context, pkg config.Package, targetDir string) Outcome
}

// Registry maps package kinds to their Reconciler
type Registry struct {
	reconcilers map[config.Kind]Reconciler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{reconcilers: make(map[config.Kind]Reconciler)}
}

// NewDefaultRegistry registers the reconcilers of every supported kind
func NewDefaultRegistry(client git.Client, remote string, logger zerolog.Logger) *Registry {
	r := NewRegistry()
	r.Register(config.KindGit, NewGitReconciler(client, remote, logger))
	r.Register(config.KindContentDB, ContentDBReconciler{})
	return r
}

// Register adds the reconciler for kind
func (r *Registry) Register(kind config.Kind, rec Reconciler) {
	r.reconcilers[kind] = rec
}

// Get returns the reconciler for kind
func (r *Registry) Get(kind config.Kind) (Reconciler, error) {
	rec, ok := r.reconcilers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown package type %q (supported: %s)", kind, r.supportedKinds())
	}
	return rec, nil
}

func (r *Registry) supportedKinds() string {
	kinds := make([]string, 0, len(r.reconcilers))
	for k := range r.reconcilers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}

// FolderPath returns the effective folder of pkg below targetDir. The name
// must be a single path element.
func FolderPath(pkg config.Package, targetDir string) (string, error) {
	name, err := pkg.Folder()
	if err != nil {
		return "", err
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("folder name %q is not a single path element", name)
	}
	return filepath.Join(targetDir, name), nil
}

// GitReconciler clones and updates git packages
type GitReconciler struct {
	git    git.Client
	remote string
	logger zerolog.Logger
}

// NewGitReconciler creates a reconciler using client. remote names the
// remote packages are fetched from unless they declare their own; empty
// means config.DefaultRemote.
func NewGitReconciler(client git.Client, remote string, logger zerolog.Logger) *GitReconciler {
	if remote == "" {
		remote = config.DefaultRemote
	}
	return &GitReconciler{
		git:    client,
		remote: remote,
		logger: logger.With().Str("component", "reconcile").Logger(),
	}
}

func (r *GitReconciler) remoteFor(pkg config.Package) string {
	if pkg.Remote != "" {
		return pkg.Remote
	}
	return r.remote
}

// Reconcile clones an absent folder, updates a repository and leaves
// anything else untouched.
func (r *GitReconciler) Reconcile(ctx context.Context, pkg config.Package, targetDir string) Outcome {
	out, state, ok := r.probe(ctx, pkg, targetDir)
	if !ok {
		return out
	}

	log := r.logger.With().Str("url", pkg.URL).Str("folder", out.Folder).Logger()
	log.Debug().Stringer("state", state).Msg("probed package folder")

	switch state {
	case Absent:
		return r.clone(ctx, pkg, out)
	case ValidRepo:
		return r.update(ctx, pkg, out)
	}

	out.Kind = ConflictNotARepo
	out.Detail = fmt.Sprintf("%s exists and is not a git repository", out.Folder)
	return out
}

// Plan probes the folder and reports Cloned or Updated for the transition
// Reconcile would apply, or the conflict it would report.
func (r *GitReconciler) Plan(ctx context.Context, pkg config.Package, targetDir string) Outcome {
	out, state, ok := r.probe(ctx, pkg, targetDir)
	if !ok {
		return out
	}
	out.Planned = true
	out.Branch = pkg.Branch

	switch state {
	case Absent:
		out.Kind = Cloned
	case ValidRepo:
		remote := r.remoteFor(pkg)
		if _, err := r.git.RemoteURL(ctx, out.Folder, remote); err != nil {
			return r.remoteFailure(out, remote, err)
		}
		out.Kind = Updated
	default:
		out.Kind = ConflictNotARepo
		out.Detail = fmt.Sprintf("%s exists and is not a git repository", out.Folder)
	}
	return out
}

// probe resolves the folder and its state. ok is false when out already
// holds a conflict.
func (r *GitReconciler) probe(ctx context.Context, pkg config.Package, targetDir string) (out Outcome, state State, ok bool) {
	out = Outcome{URL: pkg.URL}

	dir, err := FolderPath(pkg, targetDir)
	if err != nil {
		out.Kind = ConflictInvalidFolder
		out.Detail = err.Error()
		return out, Absent, false
	}
	out.Folder = dir

	state, err = Probe(ctx, r.git, dir)
	if err != nil {
		return commandFailed(out, err), state, false
	}
	return out, state, true
}

func (r *GitReconciler) clone(ctx context.Context, pkg config.Package, out Outcome) Outcome {
	remote := r.remoteFor(pkg)
	if err := r.git.Clone(ctx, pkg.URL, out.Folder, remote, pkg.Branch); err != nil {
		return commandFailed(out, err)
	}

	out.Kind = Cloned
	out.Branch = pkg.Branch
	if out.Branch == "" {
		if branch, err := r.git.DefaultBranch(ctx, out.Folder, remote, pkg.URL); err == nil {
			out.Branch = branch
		}
	}
	out.Commit = r.head(ctx, out.Folder)

	r.logger.Info().Str("url", pkg.URL).Str("folder", out.Folder).Str("commit", out.Commit).Msg("package cloned")
	return out
}

func (r *GitReconciler) update(ctx context.Context, pkg config.Package, out Outcome) Outcome {
	remote := r.remoteFor(pkg)

	url, err := r.git.RemoteURL(ctx, out.Folder, remote)
	if err != nil {
		return r.remoteFailure(out, remote, err)
	}

	if err := r.git.Fetch(ctx, out.Folder, remote, url); err != nil {
		return commandFailed(out, err)
	}

	branch := pkg.Branch
	if branch == "" {
		if branch, err = r.git.DefaultBranch(ctx, out.Folder, remote, url); err != nil {
			return commandFailed(out, err)
		}
	}
	out.Branch = branch

	if err := r.git.Merge(ctx, out.Folder, remote, branch); err != nil {
		return commandFailed(out, err)
	}
	if err := r.git.UpdateSubmodules(ctx, out.Folder, url); err != nil {
		return commandFailed(out, err)
	}

	out.Kind = Updated
	out.Commit = r.head(ctx, out.Folder)

	r.logger.Info().Str("url", pkg.URL).Str("folder", out.Folder).Str("branch", branch).Str("commit", out.Commit).Msg("package updated")
	return out
}

func (r *GitReconciler) remoteFailure(out Outcome, remote string, err error) Outcome {
	if errors.Is(err, git.ErrNoRemote) {
		out.Kind = ConflictNoRemote
		out.Detail = fmt.Sprintf("no remote named %q in %s", remote, out.Folder)
		return out
	}
	return commandFailed(out, err)
}

func (r *GitReconciler) head(ctx context.Context, dir string) string {
	commit, err := r.git.Head(ctx, dir)
	if err != nil {
		r.logger.Warn().Err(err).Str("folder", dir).Msg("failed to read HEAD")
		return ""
	}
	return commit
}

func commandFailed(out Outcome, err error) Outcome {
	out.Kind = ConflictCommandFailed
	out.Detail = err.Error()
	return out
}

// ContentDBReconciler accepts content database packages without touching
// the filesystem; they are reported as Skipped.
type ContentDBReconciler struct{}

func (ContentDBReconciler) Reconcile(_ context.Context, pkg config.Package, targetDir string) Outcome {
	out := Outcome{Kind: Skipped, URL: pkg.URL}
	if dir, err := FolderPath(pkg, targetDir); err == nil {
		out.Folder = dir
	}
	if owner, name, ok := identity.PackageIdentity(pkg.URL); ok {
		out.Detail = fmt.Sprintf("content database package %s/%s is not synced", owner, name)
	} else {
		out.Detail = "content database package is not synced"
	}
	return out
}

func (c ContentDBReconciler) Plan(ctx context.Context, pkg config.Package, targetDir string) Outcome {
	out := c.Reconcile(ctx, pkg, targetDir)
	out.Planned = true
	return out
}
