package tunnel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asheshgoplani/ccm/internal/apperr"
	"github.com/asheshgoplani/ccm/internal/events"
)

func writeStubCloudflared(t *testing.T, stderrLine string) string {
	t.Helper()
	script := "#!/bin/sh\n"
	if stderrLine != "" {
		script += "echo '" + stderrLine + "' >&2\n"
	}
	script += "exec sleep 300\n"

	bin := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin
}

func TestQuickModeParsesURL(t *testing.T) {
	bin := writeStubCloudflared(t,
		"INF +  https://random-words-here.trycloudflare.com  +")
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer sub.Close()

	c := NewController(Config{Bin: bin, LocalPort: 3001}, bus)
	defer c.Stop()

	url, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "https://random-words-here.trycloudflare.com" {
		t.Errorf("url = %q", url)
	}
	if c.URL() != url || !c.Running() {
		t.Errorf("controller state: url=%q running=%v", c.URL(), c.Running())
	}

	select {
	case ev := <-sub.C:
		if ev.Name != "tunnel:started" {
			t.Errorf("event = %q, want tunnel:started", ev.Name)
		}
	case <-time.After(time.Second):
		t.Error("no tunnel:started event")
	}

	// Starting again returns the same URL without a second process.
	again, err := c.Start()
	if err != nil || again != url {
		t.Errorf("second Start = %q, %v", again, err)
	}
}

func TestNamedModeWaitsForRegistration(t *testing.T) {
	bin := writeStubCloudflared(t, "2026-01-01 INF Registered tunnel connection connIndex=0")
	c := NewController(Config{
		Bin:  bin,
		Name: "ccm-prod",
		URL:  "https://ccm.example.com",
	}, nil)
	defer c.Stop()

	url, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "https://ccm.example.com" {
		t.Errorf("url = %q, want preconfigured URL", url)
	}
}

func TestExitBeforeReady(t *testing.T) {
	// Child exits immediately without ever announcing.
	bin := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}

	c := NewController(Config{Bin: bin, LocalPort: 3001}, nil)
	_, err := c.Start()
	if !apperr.Is(err, apperr.KindTunnelStartFailed) {
		t.Fatalf("Start kind = %v, want TunnelStartFailed", err)
	}
	if c.Running() {
		t.Error("controller running after failed start")
	}
}

func TestStopEmitsClose(t *testing.T) {
	bin := writeStubCloudflared(t, "https://stop-test.trycloudflare.com")
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer sub.Close()

	c := NewController(Config{Bin: bin, LocalPort: 3001}, bus)
	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Drain tunnel:started.
	<-sub.C

	c.Stop()

	select {
	case ev := <-sub.C:
		if ev.Name != "tunnel:close" {
			t.Errorf("event = %q, want tunnel:close", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Error("no tunnel:close event after stop")
	}
	if c.Running() {
		t.Error("controller still running after stop")
	}
}

func TestMissingBinary(t *testing.T) {
	c := NewController(Config{Bin: "definitely-not-cloudflared", LocalPort: 3001}, nil)
	_, err := c.Start()
	if !apperr.Is(err, apperr.KindTunnelStartFailed) {
		t.Fatalf("Start kind = %v, want TunnelStartFailed", err)
	}
}
