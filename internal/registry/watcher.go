package registry

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/ccm/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompRegistry)

// Watcher observes the store file and fires a coalesced callback whenever it
// is written, by this process or another, so concurrent orchestrators
// converge on one view.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func()
	done     chan struct{}
}

// debounceWindow coalesces the burst of WAL writes a single transaction makes.
const debounceWindow = 200 * time.Millisecond

// NewWatcher watches the directory containing dbPath. SQLite under WAL writes
// to sidecar files, so the whole directory is watched and events filtered to
// the database file and its -wal sidecar.
func NewWatcher(dbPath string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(dbPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fsw, onChange: onChange, done: make(chan struct{})}
	go w.loop(filepath.Base(dbPath))
	return w, nil
}

func (w *Watcher) loop(base string) {
	var timer *time.Timer
	fire := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceWindow, w.onChange)
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if name != base && name != base+"-wal" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fire()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warn("db_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.watcher.Close()
}
