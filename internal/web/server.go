// Package web hosts the orchestrator's HTTP surface: the socket layer, the
// session reverse proxy, the PTY fallback bridge, and the embedded SPA.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/ccm/internal/config"
	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/gateway"
	"github.com/asheshgoplani/ccm/internal/logging"
	"github.com/asheshgoplani/ccm/internal/orchestrator"
	"github.com/asheshgoplani/ccm/internal/ports"
	"github.com/asheshgoplani/ccm/internal/proxy"
	"github.com/asheshgoplani/ccm/internal/tunnel"
)

var httpLog = logging.ForComponent(logging.CompHTTP)

// Server wires the HTTP surface together.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	gateways   *gateway.Supervisor
	allocator  *ports.Allocator
	bus        *events.Bus
	tunnel     *tunnel.Controller
	gate       *AuthGate
	httpServer *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	pollMu      sync.Mutex
	pollClients map[string]*pollClient
}

// Options carries the collaborators the server composes.
type Options struct {
	Config    *config.Config
	Orch      *orchestrator.Orchestrator
	Gateways  *gateway.Supervisor
	Allocator *ports.Allocator
	Bus       *events.Bus
	Tunnel    *tunnel.Controller
	Gate      *AuthGate
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		orch:        opts.Orch,
		gateways:    opts.Gateways,
		allocator:   opts.Allocator,
		bus:         opts.Bus,
		tunnel:      opts.Tunnel,
		gate:        opts.Gate,
		pollClients: make(map[string]*pollClient),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	proxyHandler := proxy.NewHandler(s)

	mux := http.NewServeMux()
	mux.Handle(proxy.PathPrefix, proxyHandler)
	mux.HandleFunc("/socket.io/", s.handleSocket)
	mux.HandleFunc("/pty/", s.handlePTY)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleRoot)

	handler := s.withAuth(withRecover(mux))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// GatewayPort implements proxy.SessionResolver.
func (s *Server) GatewayPort(sid string) (int, bool) {
	inst, ok := s.gateways.Get(sid)
	if !ok {
		return 0, false
	}
	return inst.Port, true
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the configured handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	go s.reapLoop()
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.reapPollClients()
		}
	}
}

// Shutdown cancels the base context and stops the server gracefully; if ctx
// expires first, it force-closes the remaining connections. Hijacked
// (upgraded) connections are closed by neither step.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}
	return err
}

// withAuth applies the auth gate to every request.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The socket endpoint negotiates its own handshake auth so a
		// WebSocket client can present auth.token as its first frame.
		if !strings.HasPrefix(r.URL.Path, "/socket.io/") && !s.gate.AllowHTTP(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"sessions": len(s.orch.All()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
