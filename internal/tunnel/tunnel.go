// Package tunnel wraps the external cloudflared binary to expose the
// orchestrator on a public URL, in either ephemeral (quick) or named mode.
package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/ccm/internal/apperr"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/logging"
)

var tunnelLog = logging.ForComponent(logging.CompTunnel)

const (
	quickStartTimeout = 30 * time.Second
	namedStartTimeout = 60 * time.Second
	namedReadyMarker  = "Registered tunnel connection"
)

var quickURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Config selects the tunnel mode and target.
type Config struct {
	// Bin overrides the tunnel binary path (default "cloudflared").
	Bin string

	// LocalPort is the orchestrator port the tunnel fronts.
	LocalPort int

	// Name selects a preconfigured named tunnel; empty means quick mode.
	Name string

	// URL is the public URL reported in named mode.
	URL string
}

// Controller supervises at most one tunnel subprocess.
type Controller struct {
	cfg Config
	bus *events.Bus

	mu      sync.Mutex
	cmd     *exec.Cmd
	url     string
	running bool
}

// NewController creates a stopped controller.
func NewController(cfg Config, bus *events.Bus) *Controller {
	if cfg.Bin == "" {
		cfg.Bin = "cloudflared"
	}
	return &Controller{cfg: cfg, bus: bus}
}

// URL returns the current public URL, empty when the tunnel is down.
func (c *Controller) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Running reports whether a tunnel subprocess is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start launches the tunnel and blocks until it reports its public URL.
// Starting a running tunnel returns the existing URL.
func (c *Controller) Start() (string, error) {
	c.mu.Lock()
	if c.running {
		url := c.url
		c.mu.Unlock()
		return url, nil
	}
	c.mu.Unlock()

	if _, err := exec.LookPath(c.cfg.Bin); err != nil {
		return "", apperr.Newf(apperr.KindTunnelStartFailed, "%s is not installed", c.cfg.Bin)
	}

	named := c.cfg.Name != ""
	var args []string
	if named {
		args = []string{"tunnel", "run", c.cfg.Name}
	} else {
		args = []string{"tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", c.cfg.LocalPort)}
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", apperr.Wrap(apperr.KindTunnelStartFailed, "cannot pipe tunnel stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return "", apperr.Wrap(apperr.KindTunnelStartFailed, "cannot spawn tunnel", err)
	}

	timeout := quickStartTimeout
	if named {
		timeout = namedStartTimeout
	}
	url, err := awaitURL(stderr, named, c.cfg.URL, timeout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", err
	}
	go func() { _, _ = io.Copy(io.Discard, stderr) }()

	c.mu.Lock()
	c.cmd = cmd
	c.url = url
	c.running = true
	c.mu.Unlock()

	go c.watch(cmd)

	tunnelLog.Info("tunnel_started", slog.String("url", url), slog.Bool("named", named))
	if c.bus != nil {
		c.bus.Publish("tunnel:started", map[string]string{"url": url})
	}
	return url, nil
}

// awaitURL scans stderr for the readiness signal: a trycloudflare URL in
// quick mode, the registration marker in named mode.
func awaitURL(stderr io.Reader, named bool, namedURL string, timeout time.Duration) (string, error) {
	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if named {
				if strings.Contains(line, namedReadyMarker) {
					found <- namedURL
					return
				}
			} else if url := quickURLPattern.FindString(line); url != "" {
				found <- url
				return
			}
		}
		close(found)
	}()

	select {
	case url, ok := <-found:
		if !ok {
			return "", apperr.New(apperr.KindTunnelStartFailed, "tunnel exited before becoming ready")
		}
		return url, nil
	case <-time.After(timeout):
		return "", apperr.New(apperr.KindTunnelStartFailed, "tunnel did not become ready in time")
	}
}

// watch reaps the subprocess and emits tunnel:close when it exits.
func (c *Controller) watch(cmd *exec.Cmd) {
	_ = cmd.Wait()

	c.mu.Lock()
	if c.cmd != cmd {
		c.mu.Unlock()
		return
	}
	c.cmd = nil
	c.url = ""
	c.running = false
	c.mu.Unlock()

	tunnelLog.Info("tunnel_closed")
	if c.bus != nil {
		c.bus.Publish("tunnel:close", nil)
	}
}

// Stop terminates the tunnel subprocess. Stopping a stopped tunnel is a
// no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
