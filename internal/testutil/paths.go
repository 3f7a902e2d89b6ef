// Package testutil holds fixtures shared by package tests: git repositories
// built in temporary directories and lookups relative to the module root.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ProjectRoot walks up from this source file to the directory holding go.mod.
func ProjectRoot(t testing.TB) string {
	t.Helper()

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ProjectFile joins elem onto the module root.
func ProjectFile(t testing.TB, elem ...string) string {
	t.Helper()
	return filepath.Join(append([]string{ProjectRoot(t)}, elem...)...)
}
