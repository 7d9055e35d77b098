package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// scanExcludes are directory names never descended into while scanning.
var scanExcludes = map[string]struct{}{
	"node_modules": {},
	".cache":       {},
	"vendor":       {},
	"__pycache__":  {},
	".venv":        {},
	"target":       {},
	"dist":         {},
	"build":        {},
}

const scanConcurrency = 10

// ScanRepos locates git repositories under basePath up to maxDepth levels
// deep (default 3). It prefers fd when installed and falls back to a bounded
// recursive walk. Results are sorted by path.
func ScanRepos(basePath string, maxDepth int) ([]RepoInfo, error) {
	abs, err := SafePath(basePath)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	paths, err := scanWithFd(abs, maxDepth)
	if err != nil {
		paths = scanRecursive(abs, maxDepth)
	}

	repos := make([]RepoInfo, 0, len(paths))
	for _, p := range paths {
		branch, err := CurrentBranch(p)
		if err != nil {
			branch = ""
		}
		repos = append(repos, RepoInfo{
			Path:   p,
			Name:   filepath.Base(p),
			Branch: branch,
		})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	return repos, nil
}

// scanWithFd shells out to fd to find .git entries quickly.
func scanWithFd(basePath string, maxDepth int) ([]string, error) {
	fdBin, err := exec.LookPath("fd")
	if err != nil {
		return nil, err
	}

	args := []string{
		"--hidden", "--no-ignore", "--max-depth", strconv.Itoa(maxDepth+1),
		"--type", "d", "--glob", ".git", basePath,
	}
	for name := range scanExcludes {
		args = append(args, "--exclude", name)
	}

	output, err := exec.Command(fdBin, args...).Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paths = append(paths, filepath.Dir(filepath.Clean(line)))
	}
	return paths, nil
}

// scanRecursive walks basePath with bounded depth and bounded concurrency,
// skipping the exclusion set and dot-directories.
func scanRecursive(basePath string, maxDepth int) []string {
	sem := semaphore.NewWeighted(scanConcurrency)
	var (
		mu    sync.Mutex
		found []string
		wg    sync.WaitGroup
	)

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		defer wg.Done()

		if err := sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		entries, err := os.ReadDir(dir)
		sem.Release(1)
		if err != nil {
			return
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if name == ".git" {
				mu.Lock()
				found = append(found, dir)
				mu.Unlock()
				continue
			}
			if _, excluded := scanExcludes[name]; excluded {
				continue
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			if depth+1 > maxDepth {
				continue
			}
			wg.Add(1)
			go walk(filepath.Join(dir, name), depth+1)
		}
	}

	wg.Add(1)
	walk(basePath, 0)
	wg.Wait()
	return found
}
