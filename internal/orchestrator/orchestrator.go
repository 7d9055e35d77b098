// Package orchestrator composes the terminal supervisor, the gateway
// supervisor, the port allocator and the registry into one session lifecycle
// API. It is the only writer of session state; the proxy and socket layer
// consult it read-only.
package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/ccm/internal/apperr"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/gateway"
	"github.com/asheshgoplani/ccm/internal/logging"
	"github.com/asheshgoplani/ccm/internal/registry"
	"github.com/asheshgoplani/ccm/internal/tmux"
)

var orchLog = logging.ForComponent(logging.CompOrchestrator)

// Session is the client-facing projection of a window, its gateway and its
// registry row.
type Session struct {
	ID           string    `json:"id"`
	WorktreeID   string    `json:"worktreeId"`
	WorktreePath string    `json:"worktreePath"`
	WindowName   string    `json:"windowName"`
	GatewayPort  *int      `json:"gatewayPort"`
	Status       string    `json:"status"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Orchestrator binds the supervisors and the registry together. All
// session-mutating operations for one sid are serialized by a per-sid lock.
type Orchestrator struct {
	terminals *tmux.Supervisor
	gateways  *gateway.Supervisor
	reg       *registry.Registry
	bus       *events.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires the orchestrator. Terminal discovery has already run inside the
// supervisor's constructor; surviving windows become visible through All and
// Restore without any proactive events.
func New(terminals *tmux.Supervisor, gateways *gateway.Supervisor, reg *registry.Registry, bus *events.Bus) *Orchestrator {
	o := &Orchestrator{
		terminals: terminals,
		gateways:  gateways,
		reg:       reg,
		bus:       bus,
		locks:     make(map[string]*sync.Mutex),
	}
	o.recover()
	return o
}

// recover reconciles discovered windows with their registry rows.
func (o *Orchestrator) recover() {
	for _, w := range o.terminals.All() {
		if w.WorktreePath == "" {
			continue
		}
		row, err := o.reg.GetByWorktreePath(w.WorktreePath)
		if err != nil {
			continue
		}
		if row.ID != w.SID {
			// The window outlived a registry wipe or belongs to a newer sid;
			// the window is authoritative.
			_ = o.reg.Delete(row.ID)
			continue
		}
		orchLog.Info("session_recovered", slog.String("sid", w.SID), slog.String("worktree", w.WorktreePath))
	}
}

func (o *Orchestrator) lock(sid string) func() {
	o.locksMu.Lock()
	mu, ok := o.locks[sid]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[sid] = mu
	}
	o.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// resolveSID finds the sid bound to worktreePath: a live window first, then a
// persisted row (so a stopped session keeps its id), else a fresh id.
func (o *Orchestrator) resolveSID(worktreePath string) string {
	if w, ok := o.terminals.GetByWorktree(worktreePath); ok {
		return w.SID
	}
	if row, err := o.reg.GetByWorktreePath(worktreePath); err == nil {
		return row.ID
	}
	return tmux.NewSID()
}

// Start creates or reuses the window for worktreePath, ensures its gateway is
// running, and upserts the registry row. Repeated Start for the same path
// returns the same session.
func (o *Orchestrator) Start(worktreeID, worktreePath string) (*Session, error) {
	sid := o.resolveSID(worktreePath)
	unlock := o.lock(sid)
	defer unlock()

	w, reused := o.terminals.GetByWorktree(worktreePath)
	createdWindow := false
	if !reused {
		var err error
		w, err = o.terminals.CreateWithSID(sid, worktreePath)
		if err != nil {
			return nil, err
		}
		createdWindow = true
	}
	sid = w.SID

	if _, up := o.gateways.Get(sid); !up {
		if _, err := o.gateways.Start(sid, w.WindowName); err != nil {
			// Leave reused windows alone; only roll back what this call made.
			if createdWindow {
				_ = o.terminals.Kill(sid)
			}
			return nil, err
		}
	}

	if row, err := o.reg.GetByWorktreePath(worktreePath); err == nil {
		if err := o.reg.UpdateStatus(row.ID, "active"); err != nil {
			orchLog.Warn("status_update_failed", slog.String("sid", row.ID), slog.String("error", err.Error()))
		}
	} else {
		if err := o.reg.Create(&registry.SessionRow{
			ID:           sid,
			WorktreeID:   worktreeID,
			WorktreePath: worktreePath,
			Status:       "active",
		}); err != nil {
			orchLog.Warn("registry_insert_failed", slog.String("sid", sid), slog.String("error", err.Error()))
		}
	}

	sess := o.project(sid)
	event := "session:created"
	if reused {
		event = "session:restored"
	}
	o.publish(event, sess)
	return sess, nil
}

// Restore locates an existing window for worktreePath and restarts its
// gateway if it is down. Returns nil when no window exists.
func (o *Orchestrator) Restore(worktreePath string) (*Session, error) {
	w, ok := o.terminals.GetByWorktree(worktreePath)
	if !ok {
		return nil, nil
	}
	unlock := o.lock(w.SID)
	defer unlock()

	// Re-check under the lock; a concurrent stop may have won.
	w, ok = o.terminals.GetByWorktree(worktreePath)
	if !ok {
		return nil, nil
	}

	if _, up := o.gateways.Get(w.SID); !up {
		if _, err := o.gateways.Start(w.SID, w.WindowName); err != nil {
			return nil, err
		}
	}

	if row, err := o.reg.GetByWorktreePath(worktreePath); err == nil {
		_ = o.reg.UpdateStatus(row.ID, "active")
	} else {
		_ = o.reg.Create(&registry.SessionRow{
			ID:           w.SID,
			WorktreePath: worktreePath,
			Status:       "active",
		})
	}

	sess := o.project(w.SID)
	o.publish("session:restored", sess)
	return sess, nil
}

// Send delivers literal text (plus a line terminator) to the session's
// window and records it in the transcript.
func (o *Orchestrator) Send(sid, text string) error {
	unlock := o.lock(sid)
	defer unlock()

	if err := o.terminals.SendText(sid, text); err != nil {
		o.failSession(sid, err)
		return err
	}
	_ = o.reg.UpdateStatus(sid, "active")
	if err := o.reg.AddMessage(&registry.MessageRow{
		SessionID: sid,
		Role:      "user",
		Type:      "text",
		Content:   text,
	}); err != nil {
		orchLog.Warn("transcript_append_failed", slog.String("sid", sid), slog.String("error", err.Error()))
	}
	o.publish("session:updated", o.project(sid))
	return nil
}

// SendKey delivers one special key to the session's window.
func (o *Orchestrator) SendKey(sid, key string) error {
	unlock := o.lock(sid)
	defer unlock()

	if err := o.terminals.SendKey(sid, key); err != nil {
		if apperr.Is(err, apperr.KindInvalidArgument) {
			return err
		}
		o.failSession(sid, err)
		return err
	}
	_ = o.reg.UpdateStatus(sid, "active")
	return nil
}

// failSession marks a session whose window went away underneath us.
func (o *Orchestrator) failSession(sid string, cause error) {
	if !apperr.Is(cause, apperr.KindNotFound) {
		return
	}
	_ = o.reg.UpdateStatus(sid, "error")
	o.publish("session:error", map[string]string{"sid": sid, "error": apperr.MessageOf(cause)})
}

// Stop tears the session down: gateway first, then the window, then the
// registry status. Repeated Stop is a no-op and emits nothing.
func (o *Orchestrator) Stop(sid string) error {
	unlock := o.lock(sid)
	defer unlock()

	_, winErr := o.terminals.Get(sid)
	row, rowErr := o.reg.GetByID(sid)
	windowGone := winErr != nil
	if windowGone && (rowErr != nil || row.Status == "stopped") {
		return nil
	}

	_ = o.gateways.Stop(sid)
	if !windowGone {
		if err := o.terminals.Kill(sid); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
	}
	if rowErr == nil {
		_ = o.reg.UpdateStatus(sid, "stopped")
		_ = o.reg.AddMessage(&registry.MessageRow{
			SessionID: sid,
			Role:      "system",
			Type:      "text",
			Content:   "session stopped",
		})
	}

	o.publish("session:stopped", map[string]string{"sid": sid})
	return nil
}

// Get projects the session for sid.
func (o *Orchestrator) Get(sid string) (*Session, error) {
	if _, err := o.terminals.Get(sid); err != nil {
		if row, rerr := o.reg.GetByID(sid); rerr == nil {
			return o.projectRow(row), nil
		}
		return nil, err
	}
	return o.project(sid), nil
}

// GetByWorktree projects the session bound to worktreePath.
func (o *Orchestrator) GetByWorktree(path string) (*Session, error) {
	if w, ok := o.terminals.GetByWorktree(path); ok {
		return o.project(w.SID), nil
	}
	if row, err := o.reg.GetByWorktreePath(path); err == nil {
		return o.projectRow(row), nil
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no session for %s", path)
}

// All projects every known session: live windows first, then persisted rows
// whose windows are gone.
func (o *Orchestrator) All() []*Session {
	seen := make(map[string]struct{})
	var out []*Session
	for _, w := range o.terminals.All() {
		out = append(out, o.project(w.SID))
		seen[w.SID] = struct{}{}
	}
	rows, err := o.reg.ListAll()
	if err != nil {
		return out
	}
	for _, row := range rows {
		if _, ok := seen[row.ID]; ok {
			continue
		}
		out = append(out, o.projectRow(row))
	}
	return out
}

// Cleanup stops all gateways. Windows are deliberately left running so the
// next orchestrator rediscovers and reattaches them.
func (o *Orchestrator) Cleanup() {
	o.gateways.Cleanup()
}

// Messages returns the persisted transcript for sid.
func (o *Orchestrator) Messages(sid string) ([]*registry.MessageRow, error) {
	return o.reg.MessagesOf(sid)
}

// statusFromWindow maps multiplexer window status to session status.
func statusFromWindow(windowStatus string) string {
	switch windowStatus {
	case "running":
		return "active"
	case "starting":
		return "idle"
	case "stopped":
		return "stopped"
	default:
		return "error"
	}
}

// project joins the window, the gateway instance and the registry row.
func (o *Orchestrator) project(sid string) *Session {
	w, err := o.terminals.Get(sid)
	if err != nil {
		if row, rerr := o.reg.GetByID(sid); rerr == nil {
			return o.projectRow(row)
		}
		return nil
	}

	sess := &Session{
		ID:           sid,
		WorktreePath: w.WorktreePath,
		WindowName:   w.WindowName,
		Status:       statusFromWindow(w.Status),
		URL:          "/t/" + sid + "/",
		CreatedAt:    w.CreatedAt,
	}
	if inst, ok := o.gateways.Get(sid); ok {
		port := inst.Port
		sess.GatewayPort = &port
	}
	if row, err := o.reg.GetByID(sid); err == nil {
		sess.WorktreeID = row.WorktreeID
		sess.CreatedAt = row.CreatedAt
	}
	return sess
}

// projectRow projects a registry row whose window is gone.
func (o *Orchestrator) projectRow(row *registry.SessionRow) *Session {
	return &Session{
		ID:           row.ID,
		WorktreeID:   row.WorktreeID,
		WorktreePath: row.WorktreePath,
		WindowName:   tmux.WindowPrefix + row.ID,
		Status:       row.Status,
		URL:          "/t/" + row.ID + "/",
		CreatedAt:    row.CreatedAt,
	}
}

func (o *Orchestrator) publish(name string, data any) {
	if o.bus != nil {
		o.bus.Publish(name, data)
	}
}
