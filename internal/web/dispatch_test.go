package web

import (
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ccm/internal/config"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/gateway"
	"github.com/asheshgoplani/ccm/internal/orchestrator"
	"github.com/asheshgoplani/ccm/internal/ports"
	"github.com/asheshgoplani/ccm/internal/registry"
	"github.com/asheshgoplani/ccm/internal/tmux"
)

// Stub multiplexer for dispatch-level session flows: one file per session in
// a state dir, holding its cwd.
const dispatchStubTmux = `#!/bin/sh
STATE="%STATE%"
cmd="$1"
[ "$cmd" = "-V" ] && { echo "tmux 3.4"; exit 0; }
shift

name=""
cwd=""
while [ $# -gt 0 ]; do
  case "$1" in
    -s|-t) shift; name="$1" ;;
    -c) shift; cwd="$1" ;;
  esac
  shift
done

case "$cmd" in
  new-session)
    [ -e "$STATE/$name" ] && exit 1
    printf '%s' "$cwd" > "$STATE/$name"
    ;;
  has-session|send-keys)
    [ -f "$STATE/$name" ] || exit 1
    ;;
  kill-session)
    [ -f "$STATE/$name" ] || exit 1
    rm -f "$STATE/$name"
    ;;
  list-sessions)
    ls -1 "$STATE" 2>/dev/null
    ;;
  display-message)
    cat "$STATE/$name" 2>/dev/null
    ;;
  set-option|set)
    ;;
  *)
    exit 1
    ;;
esac
exit 0
`

const dispatchStubTtyd = `#!/bin/sh
echo 'Listening on port' >&2
exec sleep 300
`

// newStubbedServer builds a server whose supervisors run against stub tmux
// and ttyd binaries, so session lifecycle commands succeed end-to-end.
func newStubbedServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	stateDir := filepath.Join(dir, "tmux-state")
	require.NoError(t, os.Mkdir(stateDir, 0755))
	tmuxBin := filepath.Join(dir, "tmux")
	script := strings.ReplaceAll(dispatchStubTmux, "%STATE%", stateDir)
	require.NoError(t, os.WriteFile(tmuxBin, []byte(script), 0755))

	ttydBin := filepath.Join(dir, "ttyd")
	require.NoError(t, os.WriteFile(ttydBin, []byte(dispatchStubTtyd), 0755))

	cfg := config.Default()
	cfg.ProjectRoot = dir
	cfg.TmuxBin = tmuxBin
	cfg.TtydBin = ttydBin

	reg, err := registry.Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	bus := events.NewBus()
	allocator := ports.NewAllocator(cfg.Gateway.StartPort, cfg.Gateway.MaxPort)
	terminals := tmux.NewSupervisor(tmux.Options{Bin: tmuxBin, AgentCommand: "true", Bus: bus})
	require.True(t, terminals.Available())
	gateways := gateway.NewSupervisor(gateway.Options{
		Bin: ttydBin, TmuxBin: tmuxBin, Allocator: allocator, Bus: bus,
	})
	require.True(t, gateways.Available())
	t.Cleanup(gateways.Cleanup)

	orch := orchestrator.New(terminals, gateways, reg, bus)

	srv := NewServer(Options{
		Config:    cfg,
		Orch:      orch,
		Gateways:  gateways,
		Allocator: allocator,
		Bus:       bus,
		Gate:      NewAuthGate(false),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// Helper to create a git repo for dispatch tests (same shape as the git
// package's helper).
func createDispatchRepo(t *testing.T, dir string) {
	t.Helper()

	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test Repo"), 0644))
	for _, args := range [][]string{
		{"add", "."},
		{"commit", "-m", "Initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
}

// waitForAll drains until every named event has been seen at least once,
// returning the last occurrence of each. Unlike waitForEvent it never
// discards one awaited event while looking for another.
func (p *pollConn) waitForAll(names ...string) map[string]outFrame {
	p.t.Helper()
	got := make(map[string]outFrame, len(names))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range p.drain() {
			for _, name := range names {
				if ev.Event == name {
					got[name] = ev
				}
			}
		}
		if len(got) == len(names) {
			return got
		}
	}
	p.t.Fatalf("events %v never all arrived; got %v", names, got)
	return nil
}

// worktreePathsOf extracts the path of every entry in a worktree:list frame.
func worktreePathsOf(t *testing.T, ev outFrame) []string {
	t.Helper()
	entries, ok := ev.Data.([]any)
	require.True(t, ok, "worktree:list data is %T", ev.Data)
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		require.True(t, ok)
		path, _ := m["path"].(string)
		paths = append(paths, path)
	}
	return paths
}

func TestRepoScanCommand(t *testing.T) {
	_, ts := newTestServer(t, false)
	conn := newPollConn(t, ts.URL)
	conn.waitForEvent("repos:list")

	base := t.TempDir()
	repo := filepath.Join(base, "app")
	require.NoError(t, os.Mkdir(repo, 0755))
	createDispatchRepo(t, repo)

	conn.send("repo:scan", map[string]string{"basePath": base})
	got := conn.waitForAll("repos:scanned", "repos:scanning")

	scanned, ok := got["repos:scanned"].Data.([]any)
	require.True(t, ok)
	require.Len(t, scanned, 1)
	entry := scanned[0].(map[string]any)
	assert.Equal(t, repo, entry["path"])
	assert.Equal(t, "app", entry["name"])

	// The last scanning frame marks completion.
	status := got["repos:scanning"].Data.(map[string]any)
	assert.Equal(t, "complete", status["status"])
}

func TestWorktreeRoundTripThroughDispatcher(t *testing.T) {
	_, ts := newTestServer(t, false)
	conn := newPollConn(t, ts.URL)
	conn.waitForEvent("repos:list")

	repo := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.Mkdir(repo, 0755))
	createDispatchRepo(t, repo)

	// repo:select answers with the repo and its worktree listing.
	conn.send("repo:select", repo)
	got := conn.waitForAll("repo:set", "worktree:list")
	assert.Equal(t, repo, got["repo:set"].Data)
	assert.Equal(t, []string{repo}, worktreePathsOf(t, got["worktree:list"]))

	// worktree:create announces the new tree and refreshes the listing.
	conn.send("worktree:create", map[string]string{"repoPath": repo, "branchName": "feat/x"})
	got = conn.waitForAll("worktree:created", "worktree:list")

	created, ok := got["worktree:created"].Data.(map[string]any)
	require.True(t, ok)
	wantPath := repo + "-feat-x"
	assert.Equal(t, wantPath, created["path"])
	assert.Equal(t, "feat/x", created["branch"])
	assert.Contains(t, worktreePathsOf(t, got["worktree:list"]), wantPath)

	// An explicit worktree:list round-trips the same view.
	conn.send("worktree:list", map[string]string{"repoPath": repo})
	listed := conn.waitForEvent("worktree:list")
	assert.Contains(t, worktreePathsOf(t, listed), wantPath)

	// worktree:delete removes the tree and drops the branch.
	conn.send("worktree:delete", map[string]string{"repoPath": repo, "worktreePath": wantPath})
	got = conn.waitForAll("worktree:deleted", "worktree:list")

	deleted := got["worktree:deleted"].Data.(map[string]any)
	assert.Equal(t, wantPath, deleted["worktreePath"])
	assert.NotContains(t, worktreePathsOf(t, got["worktree:list"]), wantPath)

	out, _ := exec.Command("git", "-C", repo, "branch", "--list", "feat/x").Output()
	assert.Empty(t, strings.TrimSpace(string(out)), "branch feat/x should be gone")
}

func TestWorktreeCreateInvalidBranchThroughDispatcher(t *testing.T) {
	_, ts := newTestServer(t, false)
	conn := newPollConn(t, ts.URL)
	conn.waitForEvent("repos:list")

	repo := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.Mkdir(repo, 0755))
	createDispatchRepo(t, repo)

	conn.send("worktree:create", map[string]string{"repoPath": repo, "branchName": "..; rm -rf /"})
	ev := conn.waitForEvent("worktree:error")
	assert.Equal(t, "InvalidArgument", eventErrorKind(t, ev))

	// Nothing was created.
	conn.send("worktree:list", map[string]string{"repoPath": repo})
	listed := conn.waitForEvent("worktree:list")
	assert.Equal(t, []string{repo}, worktreePathsOf(t, listed))
}

func TestWorktreeDeleteStopsLiveSession(t *testing.T) {
	srv, ts := newStubbedServer(t)
	conn := newPollConn(t, ts.URL)
	conn.waitForEvent("repos:list")

	repo := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.Mkdir(repo, 0755))
	createDispatchRepo(t, repo)

	conn.send("worktree:create", map[string]string{"repoPath": repo, "branchName": "feat/x"})
	got := conn.waitForAll("worktree:created")
	created := got["worktree:created"].Data.(map[string]any)
	worktreePath := created["path"].(string)
	worktreeID, _ := created["id"].(string)

	// A live session on the new worktree.
	conn.send("session:start", map[string]string{
		"worktreeId": worktreeID, "worktreePath": worktreePath,
	})
	sessEv := conn.waitForEvent("session:created")
	sess := sessEv.Data.(map[string]any)
	sid := sess["id"].(string)
	require.NotEmpty(t, sid)
	assert.Equal(t, worktreePath, sess["worktreePath"])
	assert.NotNil(t, sess["gatewayPort"])

	// Deleting the worktree stops the session first, then removes the tree.
	conn.send("worktree:delete", map[string]string{"repoPath": repo, "worktreePath": worktreePath})
	got = conn.waitForAll("session:stopped", "worktree:deleted", "worktree:list")

	stopped := got["session:stopped"].Data.(map[string]any)
	assert.Equal(t, sid, stopped["sid"])
	assert.NotContains(t, worktreePathsOf(t, got["worktree:list"]), worktreePath)

	after, err := srv.orch.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, "stopped", after.Status)
}
