package git

import (
	"os"
	"path/filepath"
	"testing"
)

func mkRepoDir(t *testing.T, base string, parts ...string) string {
	t.Helper()
	dir := filepath.Join(append([]string{base}, parts...)...)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestScanRecursive(t *testing.T) {
	base := t.TempDir()

	want1 := mkRepoDir(t, base, "projects", "alpha")
	want2 := mkRepoDir(t, base, "beta")

	// Excluded and hidden directories are never descended into.
	mkRepoDir(t, base, "node_modules", "dep")
	mkRepoDir(t, base, "vendor", "lib")
	mkRepoDir(t, base, ".hidden", "secret")

	// Too deep for maxDepth=2.
	mkRepoDir(t, base, "a", "b", "c", "deep")

	found := scanRecursive(base, 2)

	set := make(map[string]bool, len(found))
	for _, p := range found {
		set[p] = true
	}
	if !set[want1] || !set[want2] {
		t.Fatalf("scan missed expected repos: %v", found)
	}
	if len(found) != 2 {
		t.Fatalf("scan found %d repos, want 2: %v", len(found), found)
	}
}

func TestScanReposSorted(t *testing.T) {
	base := t.TempDir()
	mkRepoDir(t, base, "zeta")
	mkRepoDir(t, base, "alpha")

	repos, err := ScanRepos(base, 3)
	if err != nil {
		t.Fatalf("ScanRepos: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("found %d repos, want 2", len(repos))
	}
	if repos[0].Path > repos[1].Path {
		t.Errorf("results not sorted: %v", repos)
	}
	if repos[0].Name != "alpha" {
		t.Errorf("first repo name = %q, want alpha", repos[0].Name)
	}
}
