package registry

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnWrite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	reg, err := Open(dbPath)
	require.NoError(t, err)
	defer reg.Close()

	var fired atomic.Int32
	w, err := NewWatcher(dbPath, func() { fired.Add(1) })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, reg.Create(&SessionRow{ID: "s1", WorktreePath: "/tmp/w", Status: "active"}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not fire after a registry write")
}

func TestWatcherStop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	reg, err := Open(dbPath)
	require.NoError(t, err)
	defer reg.Close()

	w, err := NewWatcher(dbPath, func() {})
	require.NoError(t, err)
	w.Stop() // must not hang or panic
}
