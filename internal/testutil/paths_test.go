package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProjectRoot(t *testing.T) {
	root := ProjectRoot(t)
	if root == "" {
		t.Fatal("ProjectRoot returned empty string")
	}

	goMod := ProjectFile(t, "go.mod")
	if goMod != filepath.Join(root, "go.mod") {
		t.Fatalf("ProjectFile = %s, want below %s", goMod, root)
	}
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestInitRepoAndCommitFile(t *testing.T) {
	IsolateGit(t)

	dir := filepath.Join(t.TempDir(), "remote")
	InitRepo(t, dir, "main")
	first := Git(t, dir, "rev-parse", "HEAD")

	second := CommitFile(t, dir, "sub/mod.conf", "name = mod\n", "Add mod.conf")
	if first == second {
		t.Fatal("expected a new commit")
	}

	files := SnapshotTree(t, dir)
	if files[filepath.Join("sub", "mod.conf")] != "name = mod\n" {
		t.Errorf("unexpected snapshot: %v", files)
	}
	if _, ok := files["init.lua"]; !ok {
		t.Errorf("snapshot misses init.lua: %v", files)
	}
	for name := range files {
		if filepath.Base(filepath.Dir(name)) == ".git" {
			t.Errorf("snapshot includes git metadata: %s", name)
		}
	}
}
