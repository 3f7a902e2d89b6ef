package reconcile

import (
	"context"
	"fmt"
	"os"

	"github.com/schaermu/modsync/internal/git"
)

// State is what a package folder currently holds
type State int

const (
	// Absent means nothing exists at the folder path
	Absent State = iota
	// ValidRepo means the folder is the top level of a git work tree
	ValidRepo
	// InvalidNonRepo means something else occupies the folder path
	InvalidNonRepo
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case ValidRepo:
		return "repository"
	case InvalidNonRepo:
		return "not a repository"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Probe classifies dir. Files and dangling symlinks are InvalidNonRepo;
// a symlink to a repository counts as the repository.
func Probe(ctx context.Context, client git.Client, dir string) (State, error) {
	if _, err := os.Lstat(dir); err != nil {
		if os.IsNotExist(err) {
			return Absent, nil
		}
		return Absent, fmt.Errorf("failed to inspect %s: %w", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return InvalidNonRepo, nil
	}

	ok, err := client.IsRepository(ctx, dir)
	if err != nil {
		return InvalidNonRepo, err
	}
	if !ok {
		return InvalidNonRepo, nil
	}
	return ValidRepo, nil
}
