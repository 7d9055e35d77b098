package tmux

import (
	"strings"
	"testing"

	"github.com/asheshgoplani/ccm/internal/apperr"
)

func TestNewSID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sid := NewSID()
		if len(sid) != sidLength {
			t.Fatalf("sid %q has length %d, want %d", sid, len(sid), sidLength)
		}
		for _, c := range sid {
			if !strings.ContainsRune(sidAlphabet, c) {
				t.Fatalf("sid %q contains %q outside the alphabet", sid, c)
			}
		}
		if seen[sid] {
			t.Fatalf("sid collision after %d draws: %q", i, sid)
		}
		seen[sid] = true
	}
}

func TestKeyTokens(t *testing.T) {
	if keyTokens["S-Tab"] != "BTab" {
		t.Errorf("S-Tab maps to %q, want BTab", keyTokens["S-Tab"])
	}
	for _, key := range []string{"Enter", "C-c", "C-d", "y", "n", "Escape"} {
		if keyTokens[key] != key {
			t.Errorf("%s maps to %q, want passthrough", key, keyTokens[key])
		}
	}
	if _, ok := keyTokens["C-z"]; ok {
		t.Error("C-z should not be an allowed key")
	}
}

func TestUnavailableMultiplexer(t *testing.T) {
	s := NewSupervisor(Options{Bin: "definitely-not-a-multiplexer"})
	if s.Available() {
		t.Fatal("supervisor claims availability with a missing binary")
	}

	if _, err := s.Create("/tmp"); !apperr.Is(err, apperr.KindMultiplexerUnavailable) {
		t.Errorf("Create kind = %v, want MultiplexerUnavailable", err)
	}
	if err := s.SendText("abcd1234", "ls"); !apperr.Is(err, apperr.KindMultiplexerUnavailable) {
		t.Errorf("SendText kind = %v, want MultiplexerUnavailable", err)
	}
	if err := s.SendKey("abcd1234", "Enter"); !apperr.Is(err, apperr.KindMultiplexerUnavailable) {
		t.Errorf("SendKey kind = %v, want MultiplexerUnavailable", err)
	}
	if err := s.Kill("abcd1234"); !apperr.Is(err, apperr.KindMultiplexerUnavailable) {
		t.Errorf("Kill kind = %v, want MultiplexerUnavailable", err)
	}

	// Read-side operations still answer.
	if s.Exists("abcd1234") {
		t.Error("Exists = true with no windows")
	}
	if _, ok := s.GetByWorktree("/tmp"); ok {
		t.Error("GetByWorktree found a window in an empty supervisor")
	}
	if got := s.All(); len(got) != 0 {
		t.Errorf("All returned %d windows, want 0", len(got))
	}
}

func TestSendKeyRejectsUnknownKey(t *testing.T) {
	s := newStubSupervisor(t)
	w, err := s.Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SendKey(w.SID, "C-z"); !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Errorf("SendKey(C-z) kind = %v, want InvalidArgument", err)
	}
}

func TestCreateAndDiscoverWithStub(t *testing.T) {
	s := newStubSupervisor(t)

	worktree := t.TempDir()
	w, err := s.Create(worktree)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.WindowName != WindowPrefix+w.SID {
		t.Errorf("window name = %q, want prefix %q + sid", w.WindowName, WindowPrefix)
	}
	if w.WorktreePath != worktree {
		t.Errorf("worktree = %q, want %q", w.WorktreePath, worktree)
	}
	if !s.Exists(w.SID) {
		t.Error("Exists = false after create")
	}

	if err := s.SendText(w.SID, "ls"); err != nil {
		t.Errorf("SendText: %v", err)
	}
	if err := s.SendKey(w.SID, "S-Tab"); err != nil {
		t.Errorf("SendKey: %v", err)
	}

	// A fresh supervisor over the same stub state rediscovers the window.
	s2 := NewSupervisor(Options{Bin: s.bin})
	got, err := s2.Get(w.SID)
	if err != nil {
		t.Fatalf("discovered Get: %v", err)
	}
	if got.WorktreePath != worktree {
		t.Errorf("discovered worktree = %q, want %q", got.WorktreePath, worktree)
	}

	if err := s.Kill(w.SID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := s.Get(w.SID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Get after kill kind = %v, want NotFound", err)
	}
}

func TestCreateWithSIDConflict(t *testing.T) {
	s := newStubSupervisor(t)
	w, err := s.CreateWithSID("DEADBEEF", t.TempDir())
	if err != nil {
		t.Fatalf("CreateWithSID: %v", err)
	}
	if w.SID != "DEADBEEF" {
		t.Fatalf("sid = %q, want DEADBEEF", w.SID)
	}
	if _, err := s.CreateWithSID("DEADBEEF", t.TempDir()); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate CreateWithSID kind = %v, want Conflict", err)
	}
}
