// Package tmux supervises the named terminal multiplexer windows that host
// agent sessions. Windows outlive the orchestrator process; Discover picks
// them back up by name prefix after a restart.
package tmux

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/ccm/internal/apperr"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// WindowPrefix namespaces every window this supervisor owns.
const WindowPrefix = "ccm-"

const sidLength = 8

// sidAlphabet is URL-safe so sids can be embedded in paths like /t/<sid>/.
const sidAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// Window is one supervised multiplexer window.
type Window struct {
	SID          string
	WindowName   string
	WorktreePath string
	CreatedAt    time.Time
	LastActivity time.Time
	Status       string // running, starting, stopped, error
}

// Supervisor is the single authority for window lifecycle. All mutating
// operations fail with MultiplexerUnavailable when tmux is not installed.
type Supervisor struct {
	bin          string
	agentCommand string
	bus          *events.Bus
	available    bool

	mu      sync.Mutex
	windows map[string]*Window // sid -> window

	listSF singleflight.Group
}

// Options configures a Supervisor.
type Options struct {
	// Bin overrides the tmux binary path (default "tmux").
	Bin string

	// AgentCommand is typed into each new window followed by Enter.
	AgentCommand string

	// Bus receives window:created / window:stopped events. May be nil.
	Bus *events.Bus
}

// NewSupervisor probes the multiplexer binary and discovers surviving
// ccm- windows. A missing binary is not fatal: discovery is skipped and
// mutating operations fail for the supervisor's lifetime, since the binary
// is probed only here.
func NewSupervisor(opts Options) *Supervisor {
	bin := opts.Bin
	if bin == "" {
		bin = "tmux"
	}
	s := &Supervisor{
		bin:          bin,
		agentCommand: opts.AgentCommand,
		bus:          opts.Bus,
		windows:      make(map[string]*Window),
	}

	if err := exec.Command(bin, "-V").Run(); err != nil {
		tmuxLog.Warn("multiplexer_unavailable",
			slog.String("bin", bin),
			slog.String("hint", "install tmux (e.g. apt install tmux / brew install tmux)"))
		return s
	}
	s.available = true
	s.discover()
	return s
}

// Available reports whether the multiplexer binary responded at construction.
func (s *Supervisor) Available() bool { return s.available }

func (s *Supervisor) unavailableErr() error {
	return apperr.Newf(apperr.KindMultiplexerUnavailable, "%s is not installed", s.bin)
}

// NewSID draws an 8-character opaque id from the URL-safe alphabet.
func NewSID() string {
	b := make([]byte, sidLength)
	if _, err := rand.Read(b); err != nil {
		// Degenerate fallback; collisions are checked by the caller's map.
		for i := range b {
			b[i] = byte(time.Now().UnixNano() >> (i * 8))
		}
	}
	out := make([]byte, sidLength)
	for i, c := range b {
		out[i] = sidAlphabet[int(c)%len(sidAlphabet)]
	}
	return string(out)
}

// Create spawns a detached window rooted at worktreePath, types the agent
// command into it, and enables mouse mode.
func (s *Supervisor) Create(worktreePath string) (*Window, error) {
	return s.CreateWithSID("", worktreePath)
}

// CreateWithSID is Create with a caller-chosen sid, used when reviving a
// stopped session so its id survives. An empty sid generates a fresh one.
func (s *Supervisor) CreateWithSID(sid, worktreePath string) (*Window, error) {
	if !s.available {
		return nil, s.unavailableErr()
	}

	s.mu.Lock()
	if sid == "" {
		sid = NewSID()
		for {
			if _, taken := s.windows[sid]; !taken {
				break
			}
			sid = NewSID()
		}
	} else if _, taken := s.windows[sid]; taken {
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "window already exists for session %s", sid)
	}
	// Reserve the sid so concurrent creates cannot collide.
	s.windows[sid] = nil
	s.mu.Unlock()

	name := WindowPrefix + sid
	cmd := exec.Command(s.bin, "new-session", "-d", "-s", name, "-c", worktreePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		s.mu.Lock()
		delete(s.windows, sid)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to create window: %s: %w",
			strings.TrimSpace(string(output)), err)
	}

	if s.agentCommand != "" {
		if err := s.sendLine(name, s.agentCommand); err != nil {
			_ = exec.Command(s.bin, "kill-session", "-t", name).Run()
			s.mu.Lock()
			delete(s.windows, sid)
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to start agent: %w", err)
		}
	}
	s.enableMouse(name)

	now := time.Now()
	w := &Window{
		SID:          sid,
		WindowName:   name,
		WorktreePath: worktreePath,
		CreatedAt:    now,
		LastActivity: now,
		Status:       "running",
	}
	s.mu.Lock()
	s.windows[sid] = w
	s.mu.Unlock()

	tmuxLog.Info("window_created", slog.String("sid", sid), slog.String("worktree", worktreePath))
	if s.bus != nil {
		s.bus.Publish("window:created", map[string]string{"sid": sid, "worktreePath": worktreePath})
	}
	return snapshot(w), nil
}

// discover enumerates surviving ccm- windows and reconstructs their records.
func (s *Supervisor) discover() {
	output, err := exec.Command(s.bin, "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// No server running yet means no surviving windows.
		return
	}

	now := time.Now()
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		name := strings.TrimSpace(line)
		if !strings.HasPrefix(name, WindowPrefix) {
			continue
		}
		sid := strings.TrimPrefix(name, WindowPrefix)
		if sid == "" {
			continue
		}

		worktreePath := ""
		if cwd, err := exec.Command(s.bin, "display-message", "-p", "-t", name,
			"#{pane_current_path}").Output(); err == nil {
			worktreePath = strings.TrimSpace(string(cwd))
		}
		s.enableMouse(name)

		s.mu.Lock()
		s.windows[sid] = &Window{
			SID:          sid,
			WindowName:   name,
			WorktreePath: worktreePath,
			CreatedAt:    now,
			LastActivity: now,
			Status:       "running",
		}
		s.mu.Unlock()
		tmuxLog.Info("window_discovered", slog.String("sid", sid), slog.String("worktree", worktreePath))
	}
}

func (s *Supervisor) enableMouse(name string) {
	_ = exec.Command(s.bin, "set-option", "-t", name, "mouse", "on").Run()
}

// sendLine sends literal text then Enter as two calls. The short delay lets
// TUI frameworks drain the bracketed-paste buffer before Enter arrives;
// without it tmux 3.2+ paste sequences swallow the newline.
func (s *Supervisor) sendLine(name, text string) error {
	if err := exec.Command(s.bin, "send-keys", "-t", name, "-l", "--", SanitizeText(text)).Run(); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return exec.Command(s.bin, "send-keys", "-t", name, "Enter").Run()
}

// SendText sends literal text followed by a line terminator to the window.
func (s *Supervisor) SendText(sid, text string) error {
	if !s.available {
		return s.unavailableErr()
	}
	w, err := s.lookup(sid)
	if err != nil {
		return err
	}
	if err := s.sendLine(w.WindowName, text); err != nil {
		s.markError(sid)
		return apperr.Wrap(apperr.KindNotFound, "window is gone", err)
	}
	s.touch(sid)
	return nil
}

// keyTokens maps the protocol's special keys to multiplexer key names.
var keyTokens = map[string]string{
	"Enter":  "Enter",
	"C-c":    "C-c",
	"C-d":    "C-d",
	"y":      "y",
	"n":      "n",
	"S-Tab":  "BTab",
	"Escape": "Escape",
}

// SendKey sends one special key to the window. S-Tab is translated to the
// multiplexer's back-tab token.
func (s *Supervisor) SendKey(sid, key string) error {
	if !s.available {
		return s.unavailableErr()
	}
	token, ok := keyTokens[key]
	if !ok {
		return apperr.Newf(apperr.KindInvalidArgument, "unsupported key: %s", key)
	}
	w, err := s.lookup(sid)
	if err != nil {
		return err
	}
	if err := exec.Command(s.bin, "send-keys", "-t", w.WindowName, token).Run(); err != nil {
		s.markError(sid)
		return apperr.Wrap(apperr.KindNotFound, "window is gone", err)
	}
	s.touch(sid)
	return nil
}

// Exists reports whether the window for sid is alive in the multiplexer.
func (s *Supervisor) Exists(sid string) bool {
	w, err := s.lookup(sid)
	if err != nil {
		return false
	}
	// Deduplicate concurrent has-session probes per sid.
	alive, _, _ := s.listSF.Do(sid, func() (any, error) {
		return exec.Command(s.bin, "has-session", "-t", w.WindowName).Run() == nil, nil
	})
	return alive.(bool)
}

// Get returns the window for sid.
func (s *Supervisor) Get(sid string) (*Window, error) {
	w, err := s.lookup(sid)
	if err != nil {
		return nil, err
	}
	return snapshot(w), nil
}

// GetByWorktree returns the window rooted at worktreePath, if any.
func (s *Supervisor) GetByWorktree(path string) (*Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w != nil && w.WorktreePath == path {
			return snapshot(w), true
		}
	}
	return nil, false
}

// All returns every supervised window.
func (s *Supervisor) All() []*Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Window, 0, len(s.windows))
	for _, w := range s.windows {
		if w != nil {
			out = append(out, snapshot(w))
		}
	}
	return out
}

// Kill terminates the window and removes its record.
func (s *Supervisor) Kill(sid string) error {
	if !s.available {
		return s.unavailableErr()
	}
	w, err := s.lookup(sid)
	if err != nil {
		return err
	}

	cmd := exec.Command(s.bin, "kill-session", "-t", w.WindowName)
	if output, err := cmd.CombinedOutput(); err != nil {
		// The window may already be gone; drop the record either way.
		tmuxLog.Warn("kill_session_failed",
			slog.String("sid", sid),
			slog.String("output", strings.TrimSpace(string(output))))
	}

	s.mu.Lock()
	delete(s.windows, sid)
	s.mu.Unlock()

	tmuxLog.Info("window_stopped", slog.String("sid", sid))
	if s.bus != nil {
		s.bus.Publish("window:stopped", map[string]string{"sid": sid})
	}
	return nil
}

func (s *Supervisor) lookup(sid string) (*Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[sid]
	if !ok || w == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "no window for session %s", sid)
	}
	return w, nil
}

func (s *Supervisor) touch(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.windows[sid]; w != nil {
		w.LastActivity = time.Now()
		w.Status = "running"
	}
}

func (s *Supervisor) markError(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.windows[sid]; w != nil {
		w.Status = "error"
	}
}

func snapshot(w *Window) *Window {
	copied := *w
	return &copied
}
