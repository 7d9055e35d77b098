// Command ccm runs the session orchestrator: it supervises multiplexer
// windows and web-terminal gateways for worktree-bound agent sessions and
// serves the browser client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/ccm/internal/config"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/gateway"
	"github.com/asheshgoplani/ccm/internal/logging"
	"github.com/asheshgoplani/ccm/internal/orchestrator"
	"github.com/asheshgoplani/ccm/internal/ports"
	"github.com/asheshgoplani/ccm/internal/registry"
	"github.com/asheshgoplani/ccm/internal/tmux"
	"github.com/asheshgoplani/ccm/internal/tunnel"
	"github.com/asheshgoplani/ccm/internal/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ccm:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ccm", flag.ContinueOnError)
	remote := fs.Bool("remote", false, "Enable the public tunnel and token authentication")
	fs.BoolVar(remote, "r", false, "Shorthand for --remote")
	repos := fs.String("repos", "", "Comma-separated allow-list of selectable repositories")
	root := fs.String("root", "", "Project root for data/ and logs/ (default: working directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	projectRoot := *root
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		projectRoot = wd
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return err
	}
	if *repos != "" {
		cfg.SetAllowedRepos(*repos)
	}
	if *remote {
		cfg.Remote = true
	}

	logDir, err := cfg.LogDir()
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return err
	}
	defer logging.Shutdown()
	log := logging.Logger()

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	bus := events.NewBus()
	allocator := ports.NewAllocator(cfg.Gateway.StartPort, cfg.Gateway.MaxPort)

	terminals := tmux.NewSupervisor(tmux.Options{
		Bin:          cfg.TmuxBin,
		AgentCommand: cfg.AgentCommand,
		Bus:          bus,
	})
	gateways := gateway.NewSupervisor(gateway.Options{
		Bin:       cfg.TtydBin,
		TmuxBin:   cfg.TmuxBin,
		Theme:     cfg.Gateway.Theme,
		Allocator: allocator,
		Bus:       bus,
	})
	orch := orchestrator.New(terminals, gateways, reg, bus)

	// Other orchestrator processes writing the store show up as updates.
	watcher, err := registry.NewWatcher(dbPath, func() {
		bus.Publish("session:updated", orch.All())
	})
	if err != nil {
		log.Warn("registry_watch_disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	var tun *tunnel.Controller
	gate := web.NewAuthGate(cfg.Remote)
	if cfg.Remote {
		tun = tunnel.NewController(tunnel.Config{
			Bin:       cfg.CloudflaredBin,
			LocalPort: cfg.Port,
			Name:      cfg.Tunnel.Name,
			URL:       cfg.Tunnel.URL,
		}, bus)
		if url, err := tun.Start(); err != nil {
			log.Warn("tunnel_start_failed", slog.String("error", err.Error()))
		} else {
			fmt.Printf("Public URL: %s/?token=%s\n", url, gate.Token())
		}
		defer tun.Stop()
	}

	server := web.NewServer(web.Options{
		Config:    cfg,
		Orch:      orch,
		Gateways:  gateways,
		Allocator: allocator,
		Bus:       bus,
		Tunnel:    tun,
		Gate:      gate,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	log.Info("orchestrator_started",
		slog.Int("port", cfg.Port), slog.Bool("remote", cfg.Remote),
		slog.String("root", cfg.ProjectRoot))
	fmt.Printf("ccm listening on http://localhost:%d\n", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting_down", slog.String("signal", sig.String()))
	}

	// Gateways die with us; windows survive so the next run reattaches them.
	orch.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
