package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"4d63.com/testcli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/symlink"
	"github.com/schaermu/modsync/internal/testutil"
)

// fixture is a remote repository plus a config declaring it
type fixture struct {
	remote     string
	collection string
	stateDir   string
	configPath string
}

func setupFixture(t *testing.T) fixture {
	t.Helper()
	testutil.IsolateGit(t)

	root := testcli.MkdirTemp(t)
	f := fixture{
		remote:     filepath.Join(root, "remotes", "i3"),
		collection: filepath.Join(root, "collection"),
		stateDir:   filepath.Join(root, "state"),
		configPath: filepath.Join(root, "modsync.yaml"),
	}
	testutil.InitRepo(t, f.remote, "main")

	content := fmt.Sprintf(`collection: %s
content:
  mods:
    - type: git
      url: %s
paths:
  state_dir: %s
`, f.collection, f.remote, f.stateDir)
	require.NoError(t, os.WriteFile(f.configPath, []byte(content), 0644))
	return f
}

func TestVersion(t *testing.T) {
	exitCode, stdout, _ := testcli.Main(t, []string{"modsync", "version"}, nil, run)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "modsync dev\n  commit: none\n  built:  unknown\n", stdout)
}

func TestSync_ClonesThenUpdates(t *testing.T) {
	f := setupFixture(t)
	args := []string{"modsync", "--config", f.configPath, "--log-level", "error", "sync"}

	exitCode, stdout, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "mods (1)")
	assert.Contains(t, stdout, "✓ i3")
	assert.Contains(t, stdout, "1 cloned\n")
	assert.FileExists(t, filepath.Join(f.collection, "mods", "i3", "init.lua"))
	assert.FileExists(t, filepath.Join(f.stateDir, "last-run.json"))

	testutil.CommitFile(t, f.remote, "api.lua", "-- api\n", "Add api")

	exitCode, stdout, stderr = testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "1 updated\n")
	assert.FileExists(t, filepath.Join(f.collection, "mods", "i3", "api.lua"))

	exitCode, stdout, stderr = testcli.Main(t, []string{"modsync", "--config", f.configPath, "status"}, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "collection: "+f.collection)
	assert.Contains(t, stdout, "mods: 1 updated\n")
	assert.Contains(t, stdout, "games: nothing to do\n")
	assert.Contains(t, stdout, "total: 1 updated\n")
}

func TestSync_ConflictsDoNotFailTheCommand(t *testing.T) {
	f := setupFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.collection, "mods", "i3"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.collection, "mods", "i3", "mine.lua"), []byte("keep"), 0644))

	args := []string{"modsync", "--config", f.configPath, "--log-level", "error", "sync"}
	exitCode, stdout, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "✗ i3")
	assert.Contains(t, stdout, "1 conflict_not_a_repo\n")

	exitCode, stdout, _ = testcli.Main(t, []string{"modsync", "--config", f.configPath, "status"}, nil, run)
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "  conflict_not_a_repo  "+f.remote+"\n")
}

func TestSync_DryRunChangesNothing(t *testing.T) {
	f := setupFixture(t)
	require.NoError(t, os.MkdirAll(f.collection, 0755))

	args := []string{"modsync", "--config", f.configPath, "--log-level", "error", "sync", "--dry-run"}
	exitCode, stdout, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "would clone")
	assert.Contains(t, stdout, "dry run: 1 cloned\n")
	assert.NoDirExists(t, filepath.Join(f.collection, "mods"))
	assert.NoFileExists(t, filepath.Join(f.stateDir, "last-run.json"))
}

func TestSync_CategoryFilter(t *testing.T) {
	f := setupFixture(t)

	args := []string{"modsync", "--config", f.configPath, "--log-level", "error", "sync", "--category", "games"}
	exitCode, stdout, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "nothing to do\n")
	assert.NotContains(t, stdout, "mods (")
	assert.NoDirExists(t, filepath.Join(f.collection, "mods", "i3"))

	args = []string{"modsync", "--config", f.configPath, "sync", "--category", "plugins"}
	exitCode, _, stderr = testcli.Main(t, args, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "unknown category")
}

func TestSync_CollectionFromEnvironment(t *testing.T) {
	f := setupFixture(t)
	other := filepath.Join(testcli.MkdirTemp(t), "elsewhere")
	t.Setenv("MODSYNC_COLLECTION", other)

	args := []string{"modsync", "--config", f.configPath, "--log-level", "error", "sync"}
	exitCode, _, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.DirExists(t, filepath.Join(other, "mods", "i3"))
	assert.NoDirExists(t, filepath.Join(f.collection, "mods"))
}

func TestSync_ConfigErrors(t *testing.T) {
	dir := testcli.MkdirTemp(t)

	exitCode, _, stderr := testcli.Main(t, []string{"modsync", "--config", filepath.Join(dir, "missing.yaml"), "sync"}, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "failed to load config")

	noCollection := filepath.Join(dir, "bare.yaml")
	require.NoError(t, os.WriteFile(noCollection, []byte("content: {}\n"), 0644))
	exitCode, _, stderr = testcli.Main(t, []string{"modsync", "--config", noCollection, "sync"}, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "no collection directory")
}

func TestStatus_BeforeFirstRun(t *testing.T) {
	f := setupFixture(t)

	exitCode, stdout, stderr := testcli.Main(t, []string{"modsync", "--config", f.configPath, "status"}, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Equal(t, "no sync has run yet\n", stdout)
}

func TestLink_AdHocPair(t *testing.T) {
	root := testcli.MkdirTemp(t)
	source := filepath.Join(root, "dev")
	target := filepath.Join(root, "worldmods")
	for _, name := range []string{"i3", "mesecons", ".git"} {
		require.NoError(t, os.MkdirAll(filepath.Join(source, name), 0755))
	}

	args := []string{"modsync", "--log-level", "error", "link", source, target, "--role", "dev", "--ignore-hidden"}
	exitCode, stdout, stderr := testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "dev (2)")
	assert.Contains(t, stdout, "2 linked\n")
	assert.NoFileExists(t, filepath.Join(target, ".git"))

	exitCode, stdout, _ = testcli.Main(t, args, nil, run)
	require.Equal(t, 0, exitCode)
	assert.Contains(t, stdout, "2 already linked\n")
}

func TestLink_ConfiguredPairs(t *testing.T) {
	root := testcli.MkdirTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "collection", "mods", "i3"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "user", "mods", "i3"), 0755))

	cfgPath := filepath.Join(root, "modsync.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`[content]

[[links]]
source = "collection/mods"
target = "user/mods"
role = "user mods"

[[links]]
source = "collection/mods"
target = "world/mods"
role = "world mods"
`), 0644))

	exitCode, stdout, stderr := testcli.Main(t, []string{"modsync", "--config", cfgPath, "--log-level", "error", "link"}, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Contains(t, stdout, "1 linked, 1 blocked\n")
	assert.DirExists(t, filepath.Join(root, "user", "mods", "i3"), "existing directory is kept")
}

func TestLink_Errors(t *testing.T) {
	dir := testcli.MkdirTemp(t)
	cfgPath := filepath.Join(dir, "modsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("content: {}\n"), 0644))

	exitCode, _, stderr := testcli.Main(t, []string{"modsync", "--config", cfgPath, "link"}, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "no link pairs configured")

	exitCode, _, stderr = testcli.Main(t, []string{"modsync", "link", dir}, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "expected SOURCE and TARGET")
}

func TestAddAndRemove(t *testing.T) {
	cfgPath := filepath.Join(testcli.MkdirTemp(t), "conf", "modsync.toml")
	base := []string{"modsync", "--config", cfgPath}

	exitCode, stdout, stderr := testcli.Main(t, append(base, "add", "mods", "https://github.com/minetest-mods/i3.git"), nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Equal(t, "added https://github.com/minetest-mods/i3.git to mods\n", stdout)

	exitCode, _, stderr = testcli.Main(t, append(base, "add", "games", "https://github.com/MineClone2/MineClone2",
		"--folder", "mcl2", "--branch", "master", "--remote", "upstream"), nil, run)
	require.Equal(t, 0, exitCode, stderr)

	exitCode, _, stderr = testcli.Main(t, append(base, "add", "mods", "https://mirror.example.org/i3"), nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "duplicate package")

	exitCode, _, stderr = testcli.Main(t, append(base, "add", "plugins", "https://example.com/x"), nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "unknown category")

	cfg, err := config.Read(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Content.Mods, 1)
	assert.Equal(t, config.Package{
		Type:       config.KindGit,
		URL:        "https://github.com/MineClone2/MineClone2",
		FolderName: "mcl2",
		Branch:     "master",
		Remote:     "upstream",
	}, cfg.Content.Games[0])

	exitCode, stdout, stderr = testcli.Main(t, append(base, "remove", "games", "mcl2"), nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Equal(t, "removed https://github.com/MineClone2/MineClone2 from games\n", stdout)

	exitCode, _, stderr = testcli.Main(t, append(base, "remove", "games", "mcl2"), nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "package not found")

	cfg, err = config.Read(cfgPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.Content.Games)
	assert.Len(t, cfg.Content.Mods, 1)
}

func TestServe_RequiresSecret(t *testing.T) {
	f := setupFixture(t)

	exitCode, _, stderr := testcli.Main(t, []string{"modsync", "--config", f.configPath, "serve"}, nil, run)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "github_webhook_secret_file is required")
}

func TestEnvFiles(t *testing.T) {
	f := setupFixture(t)
	dir := testcli.MkdirTemp(t)
	testcli.Chdir(t, dir)
	// restores whatever godotenv sets once the test ends
	t.Setenv("MODSYNC_CONFIG", "")
	_ = os.Unsetenv("MODSYNC_CONFIG")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MODSYNC_CONFIG=/nonexistent/modsync.yaml\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("MODSYNC_CONFIG="+f.configPath+"\n"), 0644))

	exitCode, stdout, stderr := testcli.Main(t, []string{"modsync", "status"}, nil, run)
	require.Equal(t, 0, exitCode, stderr)
	assert.Equal(t, "no sync has run yet\n", stdout)
}

func TestLinkSummary(t *testing.T) {
	assert.Equal(t, "nothing to link", linkSummary(nil))
	assert.Equal(t, "2 linked, 1 blocked, 1 failed", linkSummary(map[symlink.State]int{
		symlink.LinkedNow: 2,
		symlink.Blocked:   1,
		symlink.Failed:    1,
	}))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "fatal: repository not found", firstLine("\nfatal: repository not found\nmore\n"))
	assert.Equal(t, "", firstLine(""))
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()

	<-ctx.Done()
	assert.Error(t, ctx.Err())
}
