// Package proxy routes /t/<sid>/ traffic, both plain HTTP and WebSocket
// upgrades, to the session's gateway port on loopback. It never inspects or
// transforms payloads.
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/ccm/internal/logging"
)

var proxyLog = logging.ForComponent(logging.CompProxy)

// PathPrefix is the URL namespace the proxy owns.
const PathPrefix = "/t/"

// SessionResolver maps a sid to its live gateway port.
type SessionResolver interface {
	GatewayPort(sid string) (int, bool)
}

// Handler is the reverse proxy. Stateless per request; safe for concurrent
// use.
type Handler struct {
	resolver SessionResolver
}

// NewHandler creates the proxy over the given resolver.
func NewHandler(resolver SessionResolver) *Handler {
	return &Handler{resolver: resolver}
}

// Split extracts the sid and the remaining path from a /t/<sid>/... URL.
func Split(path string) (sid, rest string, ok bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", "", false
	}
	trimmed := strings.TrimPrefix(path, PathPrefix)
	if trimmed == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		sid, rest = trimmed[:idx], trimmed[idx:]
	} else {
		sid, rest = trimmed, "/"
	}
	if sid == "" {
		return "", "", false
	}
	if rest == "" {
		rest = "/"
	}
	return sid, rest, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid, rest, ok := Split(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	port, up := h.resolver.GatewayPort(sid)
	if !up {
		http.NotFound(w, r)
		return
	}

	if isUpgrade(r) {
		h.proxyUpgrade(w, r, port, rest)
		return
	}
	h.proxyHTTP(w, r, port, rest)
}

func isUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// proxyHTTP forwards a regular request, rewriting the path and Host.
func (h *Handler) proxyHTTP(w http.ResponseWriter, r *http.Request, port int, rest string) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			proxyLog.Warn("upstream_unreachable",
				slog.Int("port", port), slog.String("error", err.Error()))
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

// proxyUpgrade forwards the raw upgrade handshake to the gateway and then
// splices bytes in both directions until either side closes.
func (h *Handler) proxyUpgrade(w http.ResponseWriter, r *http.Request, port int, rest string) {
	upstreamAddr := fmt.Sprintf("127.0.0.1:%d", port)
	upstream, err := net.DialTimeout("tcp", upstreamAddr, 5*time.Second)
	if err != nil {
		proxyLog.Warn("upgrade_dial_failed",
			slog.String("addr", upstreamAddr), slog.String("error", err.Error()))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	// Replay the handshake verbatim with a rewritten request target and
	// Host, preserving every Sec-WebSocket-* header.
	outreq := r.Clone(r.Context())
	outreq.URL = &url.URL{Path: rest, RawQuery: r.URL.RawQuery}
	outreq.Host = upstreamAddr
	outreq.RequestURI = ""
	if err := outreq.Write(upstream); err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Flush anything the client pipelined past the handshake.
		if n := buffered.Reader.Buffered(); n > 0 {
			pending := make([]byte, n)
			_, _ = io.ReadFull(buffered.Reader, pending)
			if _, err := upstream.Write(pending); err != nil {
				return
			}
		}
		_, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
}

// closeWrite half-closes a TCP conn so the peer sees EOF while the other
// direction drains.
func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}
