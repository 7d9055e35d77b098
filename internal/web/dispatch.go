package web

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/asheshgoplani/ccm/internal/apperr"
	"github.com/asheshgoplani/ccm/internal/git"
)

// clientState carries what the socket layer knows about one client: its
// reply channel and the repository it selected.
type clientState struct {
	reply        func(event string, data any)
	selectedRepo string
}

// errPayload is the uniform shape of every *:error event.
func errPayload(err error) map[string]string {
	return map[string]string{
		"kind":  string(apperr.KindOf(err)),
		"error": apperr.MessageOf(err),
	}
}

// decodeString accepts both a bare JSON string and {"<key>": "..."}.
func decodeString(raw json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		if v, ok := m[key]; ok {
			_ = json.Unmarshal(v, &s)
		}
	}
	return s
}

// dispatch routes one inbound command.
func (s *Server) dispatch(c *clientState, event string, data json.RawMessage) {
	switch event {
	case "repo:select":
		s.cmdRepoSelect(c, data)
	case "repo:scan":
		s.cmdRepoScan(c, data)
	case "worktree:list":
		s.cmdWorktreeList(c, data)
	case "worktree:create":
		s.cmdWorktreeCreate(c, data)
	case "worktree:delete":
		s.cmdWorktreeDelete(c, data)
	case "session:start":
		s.cmdSessionStart(c, data)
	case "session:restore":
		s.cmdSessionRestore(c, data)
	case "session:send":
		s.cmdSessionSend(c, data)
	case "session:key":
		s.cmdSessionKey(c, data)
	case "session:stop":
		s.cmdSessionStop(c, data)
	case "session:messages":
		s.cmdSessionMessages(c, data)
	case "tunnel:start":
		s.cmdTunnelStart(c)
	case "tunnel:stop":
		s.cmdTunnelStop(c)
	case "ports:scan":
		s.cmdPortsScan(c)
	default:
		socketLog.Debug("unknown_command", slog.String("event", event))
		c.reply("error", map[string]string{"kind": "InvalidArgument", "error": "unknown command: " + event})
	}
}

func (s *Server) repoList() []string {
	return append([]string(nil), s.cfg.AllowedRepos...)
}

func (s *Server) cmdRepoSelect(c *clientState, data json.RawMessage) {
	path := decodeString(data, "path")
	if !s.cfg.RepoAllowed(path) {
		c.reply("repo:error", map[string]string{"error": "Repository not in allowed list"})
		return
	}
	abs, err := git.SafePath(path)
	if err != nil {
		c.reply("repo:error", errPayload(err))
		return
	}
	if !git.IsRepo(abs) {
		c.reply("repo:error", map[string]string{"error": "Not a git repository"})
		return
	}

	c.selectedRepo = abs
	c.reply("repo:set", abs)
	s.replyWorktreeList(c, abs)
}

type repoScanPayload struct {
	BasePath string `json:"basePath"`
	MaxDepth int    `json:"maxDepth"`
}

func (s *Server) cmdRepoScan(c *clientState, data json.RawMessage) {
	var p repoScanPayload
	if err := json.Unmarshal(data, &p); err != nil || p.BasePath == "" {
		p.BasePath = decodeString(data, "basePath")
	}

	c.reply("repos:scanning", map[string]string{"status": "start"})
	repos, err := git.ScanRepos(p.BasePath, p.MaxDepth)
	if err != nil {
		c.reply("repos:scanning", map[string]string{"status": "error", "error": apperr.MessageOf(err)})
		return
	}
	c.reply("repos:scanned", repos)
	c.reply("repos:scanning", map[string]string{"status": "complete"})
}

func (s *Server) replyWorktreeList(c *clientState, repoPath string) {
	worktrees, err := git.ListWorktrees(repoPath)
	if err != nil {
		c.reply("worktree:error", errPayload(err))
		return
	}
	c.reply("worktree:list", worktrees)
}

func (s *Server) cmdWorktreeList(c *clientState, data json.RawMessage) {
	repoPath := decodeString(data, "repoPath")
	if repoPath == "" {
		repoPath = c.selectedRepo
	}
	s.replyWorktreeList(c, repoPath)
}

type worktreeCreatePayload struct {
	RepoPath   string `json:"repoPath"`
	BranchName string `json:"branchName"`
	BaseBranch string `json:"baseBranch"`
}

func (s *Server) cmdWorktreeCreate(c *clientState, data json.RawMessage) {
	var p worktreeCreatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.reply("worktree:error", map[string]string{"kind": "InvalidArgument", "error": "malformed payload"})
		return
	}
	if p.RepoPath == "" {
		p.RepoPath = c.selectedRepo
	}

	wt, err := git.CreateWorktree(p.RepoPath, p.BranchName, p.BaseBranch)
	if err != nil {
		c.reply("worktree:error", errPayload(err))
		return
	}
	s.bus.Publish("worktree:created", wt)
	s.replyWorktreeList(c, p.RepoPath)
}

type worktreeDeletePayload struct {
	RepoPath     string `json:"repoPath"`
	WorktreePath string `json:"worktreePath"`
}

func (s *Server) cmdWorktreeDelete(c *clientState, data json.RawMessage) {
	var p worktreeDeletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.reply("worktree:error", map[string]string{"kind": "InvalidArgument", "error": "malformed payload"})
		return
	}
	if p.RepoPath == "" {
		p.RepoPath = c.selectedRepo
	}

	// A live session on the worktree is stopped before its tree is removed.
	if sess, err := s.orch.GetByWorktree(p.WorktreePath); err == nil && sess.Status != "stopped" {
		if err := s.orch.Stop(sess.ID); err != nil {
			c.reply("worktree:error", errPayload(err))
			return
		}
	}

	if err := git.DeleteWorktree(p.RepoPath, p.WorktreePath); err != nil {
		c.reply("worktree:error", errPayload(err))
		return
	}
	s.bus.Publish("worktree:deleted", map[string]string{"worktreePath": p.WorktreePath})
	s.replyWorktreeList(c, p.RepoPath)
}

type sessionStartPayload struct {
	WorktreeID   string `json:"worktreeId"`
	WorktreePath string `json:"worktreePath"`
}

func (s *Server) cmdSessionStart(c *clientState, data json.RawMessage) {
	var p sessionStartPayload
	if err := json.Unmarshal(data, &p); err != nil || p.WorktreePath == "" {
		c.reply("session:error", map[string]string{"kind": "InvalidArgument", "error": "worktreePath is required"})
		return
	}
	abs, err := git.SafePath(p.WorktreePath)
	if err != nil {
		c.reply("session:error", errPayload(err))
		return
	}
	if _, err := s.orch.Start(p.WorktreeID, abs); err != nil {
		c.reply("session:error", errPayload(err))
	}
	// Success is announced by the bus (session:created / session:restored).
}

func (s *Server) cmdSessionRestore(c *clientState, data json.RawMessage) {
	worktreePath := decodeString(data, "worktreePath")
	sess, err := s.orch.Restore(worktreePath)
	if err != nil {
		c.reply("session:error", errPayload(err))
		return
	}
	if sess == nil {
		c.reply("session:restore_failed", map[string]string{"worktreePath": worktreePath})
	}
}

type sessionSendPayload struct {
	SID  string `json:"sid"`
	Text string `json:"text"`
}

func (s *Server) cmdSessionSend(c *clientState, data json.RawMessage) {
	var p sessionSendPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SID == "" {
		c.reply("session:error", map[string]string{"kind": "InvalidArgument", "error": "sid is required"})
		return
	}
	if err := s.orch.Send(p.SID, p.Text); err != nil {
		c.reply("session:error", errPayload(err))
	}
}

type sessionKeyPayload struct {
	SID string `json:"sid"`
	Key string `json:"key"`
}

func (s *Server) cmdSessionKey(c *clientState, data json.RawMessage) {
	var p sessionKeyPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SID == "" {
		c.reply("session:error", map[string]string{"kind": "InvalidArgument", "error": "sid is required"})
		return
	}
	if err := s.orch.SendKey(p.SID, p.Key); err != nil {
		c.reply("session:error", errPayload(err))
	}
}

func (s *Server) cmdSessionStop(c *clientState, data json.RawMessage) {
	sid := decodeString(data, "sid")
	if _, err := s.orch.Get(sid); err != nil {
		c.reply("session:error", errPayload(err))
		return
	}
	if err := s.orch.Stop(sid); err != nil {
		c.reply("session:error", errPayload(err))
	}
}

func (s *Server) cmdSessionMessages(c *clientState, data json.RawMessage) {
	sid := decodeString(data, "sid")
	if _, err := s.orch.Get(sid); err != nil {
		c.reply("session:error", errPayload(err))
		return
	}
	msgs, err := s.orch.Messages(sid)
	if err != nil {
		c.reply("session:error", errPayload(err))
		return
	}
	c.reply("session:messages", map[string]any{"sid": sid, "messages": msgs})
}

func (s *Server) cmdTunnelStart(c *clientState) {
	if s.tunnel == nil {
		c.reply("tunnel:error", map[string]string{"kind": "TunnelStartFailed", "error": "tunnel is not configured"})
		return
	}
	if _, err := s.tunnel.Start(); err != nil {
		c.reply("tunnel:error", errPayload(err))
	}
	// tunnel:started is announced by the bus.
}

func (s *Server) cmdTunnelStop(c *clientState) {
	if s.tunnel != nil {
		s.tunnel.Stop()
	}
}

// cmdPortsScan reports the gateway port leases currently held.
func (s *Server) cmdPortsScan(c *clientState) {
	leases := s.allocator.Leases()
	type portInfo struct {
		Port int    `json:"port"`
		SID  string `json:"sid"`
	}
	out := make([]portInfo, 0, len(leases))
	for port, sid := range leases {
		out = append(out, portInfo{Port: port, SID: sid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	c.reply("ports:list", out)
}
