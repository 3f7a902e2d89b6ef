package symlink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/modsync/internal/report"
	"github.com/schaermu/modsync/internal/testutil"
)

func newSynchronizer(t *testing.T) (*Synchronizer, *report.Recorder) {
	t.Helper()
	rec := report.NewRecorder()
	s, err := New(afero.NewOsFs(), rec, zerolog.Nop())
	require.NoError(t, err)
	return s, rec
}

// makeSource creates one directory per name below a new source root.
func makeSource(t *testing.T, names ...string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "source")
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, n, "init.lua"), []byte("-- "+n+"\n"), 0644))
	}
	return root
}

func states(results []Result) map[string]State {
	out := make(map[string]State, len(results))
	for _, r := range results {
		out[r.Name] = r.State
	}
	return out
}

func TestSync_LinksEveryDirectory(t *testing.T) {
	s, rec := newSynchronizer(t)
	source := makeSource(t, "i3", "mesecons")
	require.NoError(t, os.WriteFile(filepath.Join(source, "README.md"), []byte("not a dir"), 0644))
	target := filepath.Join(t.TempDir(), "worldmods")

	results := s.Sync(source, target, "world mods", false)

	assert.Equal(t, map[string]State{"i3": LinkedNow, "mesecons": LinkedNow}, states(results))
	for _, name := range []string{"i3", "mesecons"} {
		dest, err := os.Readlink(filepath.Join(target, name))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(source, name), dest)
		assert.True(t, filepath.IsAbs(dest))
	}
	assert.NoFileExists(t, filepath.Join(target, "README.md"))

	assert.Equal(t, []string{"world mods"}, rec.Categories())
	assert.Equal(t, report.Progress{Completed: 2, Total: 2, Done: true}, rec.Progress("world mods"))
	assert.Equal(t, []int{1, 2}, rec.Advances("world mods"))
}

func TestSync_SecondRunIsAlreadyLinked(t *testing.T) {
	s, _ := newSynchronizer(t)
	source := makeSource(t, "i3", "mesecons", "pipeworks")
	target := t.TempDir()

	s.Sync(source, target, "mods", false)
	results := s.Sync(source, target, "mods", false)

	assert.Equal(t, map[string]State{"i3": AlreadyLinked, "mesecons": AlreadyLinked, "pipeworks": AlreadyLinked}, states(results))
}

func TestSync_RelativeLinkToSourceCountsAsLinked(t *testing.T) {
	s, _ := newSynchronizer(t)
	root := t.TempDir()
	source := filepath.Join(root, "collection", "mods")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "i3"), 0755))
	target := filepath.Join(root, "worldmods")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.Symlink(filepath.Join("..", "collection", "mods", "i3"), filepath.Join(target, "i3")))

	results := s.Sync(source, target, "mods", false)

	assert.Equal(t, map[string]State{"i3": AlreadyLinked}, states(results))
}

func TestSync_NeverTouchesExistingEntries(t *testing.T) {
	s, rec := newSynchronizer(t)
	source := makeSource(t, "i3", "mesecons", "pipeworks", "technic")
	elsewhere := makeSource(t, "i3")
	target := t.TempDir()

	// A real directory with user data
	require.NoError(t, os.MkdirAll(filepath.Join(target, "i3"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "i3", "init.lua"), []byte("-- local copy\n"), 0644))
	// A symlink pointing somewhere else
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "i3"), filepath.Join(target, "mesecons")))
	// A plain file
	require.NoError(t, os.WriteFile(filepath.Join(target, "pipeworks"), []byte("file"), 0644))

	before := testutil.SnapshotTree(t, target)
	beforeLink, err := os.Readlink(filepath.Join(target, "mesecons"))
	require.NoError(t, err)

	results := s.Sync(source, target, "mods", false)

	assert.Equal(t, map[string]State{
		"i3":        Blocked,
		"mesecons":  Blocked,
		"pipeworks": Blocked,
		"technic":   LinkedNow,
	}, states(results))
	for _, r := range results {
		if r.State == Blocked {
			assert.NotEmpty(t, r.Detail, r.Name)
		}
	}

	afterLink, err := os.Readlink(filepath.Join(target, "mesecons"))
	require.NoError(t, err)
	assert.Equal(t, beforeLink, afterLink)

	assert.Equal(t, before, testutil.SnapshotTree(t, target))

	conflicts := 0
	for _, ev := range rec.Events() {
		if ev.Kind == report.KindConflict {
			conflicts++
		}
	}
	assert.Equal(t, 3, conflicts)

	// Blocked entries stay blocked on the next run
	assert.Equal(t, map[string]State{
		"i3":        Blocked,
		"mesecons":  Blocked,
		"pipeworks": Blocked,
		"technic":   AlreadyLinked,
	}, states(s.Sync(source, target, "mods", false)))
}

func TestSync_MissingOrNonDirectorySource(t *testing.T) {
	s, rec := newSynchronizer(t)
	root := t.TempDir()
	target := filepath.Join(root, "target")

	results := s.Sync(filepath.Join(root, "missing"), target, "mods", false)
	assert.Empty(t, results)

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	results = s.Sync(file, target, "mods", false)
	assert.Empty(t, results)

	assert.NoDirExists(t, target)
	assert.Empty(t, rec.Events())
}

func TestSync_SourceWithoutDirectoriesDoesNotCreateTarget(t *testing.T) {
	s, _ := newSynchronizer(t)
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "notes.txt"), nil, 0644))
	target := filepath.Join(t.TempDir(), "target")

	assert.Empty(t, s.Sync(source, target, "mods", false))
	assert.NoDirExists(t, target)
}

func TestSync_IgnoreHidden(t *testing.T) {
	s, _ := newSynchronizer(t)
	source := makeSource(t, "i3", ".git", ".trash")
	target := t.TempDir()

	assert.Equal(t, map[string]State{"i3": LinkedNow}, states(s.Sync(source, target, "mods", true)))

	target = t.TempDir()
	assert.Len(t, s.Sync(source, target, "mods", false), 3)
}

func TestSync_FollowsSymlinkedSourceDirectories(t *testing.T) {
	s, _ := newSynchronizer(t)
	realRoot := makeSource(t, "i3")
	source := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(realRoot, "i3"), filepath.Join(source, "i3")))
	require.NoError(t, os.Symlink(filepath.Join(source, "gone"), filepath.Join(source, "dangling")))
	target := t.TempDir()

	results := s.Sync(source, target, "mods", false)

	assert.Equal(t, map[string]State{"i3": LinkedNow}, states(results))
	dest, err := os.Readlink(filepath.Join(target, "i3"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(source, "i3"), dest)
}

func TestSync_TargetCannotBeCreated(t *testing.T) {
	s, _ := newSynchronizer(t)
	source := makeSource(t, "i3")
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))

	results := s.Sync(source, filepath.Join(blocker, "target"), "mods", false)

	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].State)
	assert.NotEmpty(t, results[0].Detail)
}

func TestSyncAll_SkipsDuplicatePairs(t *testing.T) {
	s, rec := newSynchronizer(t)
	source := makeSource(t, "i3")
	target := t.TempDir()
	other := t.TempDir()

	out := s.SyncAll([]Pair{
		{Source: source, Target: target, Role: "dev"},
		{Source: source + "/", Target: target, Role: "dev again"},
		{Source: source, Target: other, Role: "user"},
	})

	require.Len(t, out, 3)
	assert.False(t, out[0].Duplicate)
	assert.Equal(t, map[string]State{"i3": LinkedNow}, states(out[0].Results))
	assert.True(t, out[1].Duplicate)
	assert.Empty(t, out[1].Results)
	assert.Equal(t, map[string]State{"i3": LinkedNow}, states(out[2].Results))
	assert.Equal(t, []string{"dev", "user"}, rec.Categories())
}

func TestNew_RequiresSymlinkSupport(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), report.NewRecorder(), zerolog.Nop())
	assert.Error(t, err)
}

func TestResultEvent(t *testing.T) {
	tests := []struct {
		state State
		kind  report.Kind
	}{
		{LinkedNow, report.KindSuccess},
		{AlreadyLinked, report.KindNoop},
		{Blocked, report.KindConflict},
		{Failed, report.KindConflict},
	}
	for _, tt := range tests {
		ev := Result{Name: "i3", State: tt.state}.Event("mods")
		assert.Equal(t, tt.kind, ev.Kind, tt.state)
		assert.Equal(t, "mods", ev.Category)
		assert.Equal(t, "i3", ev.Target)
	}
}
