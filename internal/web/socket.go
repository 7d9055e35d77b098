package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ccm/internal/events"
	"github.com/asheshgoplani/ccm/internal/logging"
	"github.com/asheshgoplani/ccm/internal/tmux"
)

var socketLog = logging.ForComponent(logging.CompSocket)

// frame is the wire format in both directions: an event name plus payload.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// authFrame is the first message an unauthenticated WebSocket client sends.
type authFrame struct {
	Token string `json:"token"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

const (
	writeTimeout    = 10 * time.Second
	authTimeout     = 5 * time.Second
	pollWait        = 25 * time.Second
	clientRateLimit = 50 // commands per second, burst 100
)

// wsWriter serializes concurrent writes to one connection.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) write(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(outFrame{Event: event, Data: data})
}

// handleSocket serves /socket.io/: WebSocket when the client asks for an
// upgrade, JSON long-polling otherwise.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleSocketWS(w, r)
		return
	}
	s.handleSocketPoll(w, r)
}

func (s *Server) handleSocketWS(w http.ResponseWriter, r *http.Request) {
	authorized := s.gate.AllowHTTP(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsWriter{conn: conn}

	// A client that failed header/query auth gets one chance to present
	// auth.token as its first frame before the handshake is rejected.
	if !authorized {
		_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
		var f frame
		if err := conn.ReadJSON(&f); err != nil || f.Event != "auth" {
			_ = writer.write("error", map[string]string{"kind": "Unauthorized", "error": "authentication required"})
			return
		}
		var auth authFrame
		if err := json.Unmarshal(f.Data, &auth); err != nil || !s.gate.TokenMatches(auth.Token) {
			_ = writer.write("error", map[string]string{"kind": "Unauthorized", "error": "invalid token"})
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
	}

	sub := s.bus.Subscribe(256)
	defer sub.Close()

	reply := func(event string, data any) {
		if err := writer.write(event, data); err != nil {
			socketLog.Debug("client_write_failed", slog.String("error", err.Error()))
		}
	}
	reply("repos:list", s.repoList())

	// Fan bus events out to this client until it disconnects.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writer.write(ev.Name, ev.Data); err != nil {
					return
				}
			}
		}
	}()

	limiter := rate.NewLimiter(clientRateLimit, 2*clientRateLimit)
	client := &clientState{reply: reply}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if !limiter.Allow() {
			reply("error", map[string]string{"kind": "Internal", "error": "too many commands"})
			continue
		}
		s.dispatch(client, f.Event, f.Data)
	}
}

// --- long-polling fallback ---

// pollClient is a client on the HTTP fallback transport. Replies and bus
// events merge into one queue drained by GET requests.
type pollClient struct {
	id      string
	sub     *events.Subscriber
	replies chan events.Event
	limiter *rate.Limiter
	state   *clientState
	lastUse time.Time
}

const pollClientTTL = 2 * time.Minute

func (s *Server) handleSocketPoll(w http.ResponseWriter, r *http.Request) {
	if !s.gate.AllowHTTP(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	cid := r.URL.Query().Get("cid")
	switch {
	case r.Method == http.MethodGet && cid == "":
		s.pollHandshake(w)
	case r.Method == http.MethodGet:
		s.pollDrain(w, r, cid)
	case r.Method == http.MethodPost:
		s.pollCommand(w, r, cid)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) pollHandshake(w http.ResponseWriter) {
	client := &pollClient{
		id:      tmux.NewSID(),
		sub:     s.bus.Subscribe(256),
		replies: make(chan events.Event, 64),
		limiter: rate.NewLimiter(clientRateLimit, 2*clientRateLimit),
		lastUse: time.Now(),
	}
	client.state = &clientState{reply: func(event string, data any) {
		select {
		case client.replies <- events.Event{Name: event, Data: data}:
		default:
		}
	}}

	s.pollMu.Lock()
	s.pollClients[client.id] = client
	s.pollMu.Unlock()

	client.state.reply("repos:list", s.repoList())
	_ = json.NewEncoder(w).Encode(map[string]string{"cid": client.id})
}

func (s *Server) pollLookup(cid string) (*pollClient, bool) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	client, ok := s.pollClients[cid]
	if ok {
		client.lastUse = time.Now()
	}
	return client, ok
}

func (s *Server) pollDrain(w http.ResponseWriter, r *http.Request, cid string) {
	client, ok := s.pollLookup(cid)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}

	var drained []outFrame
	collect := func(ev events.Event) {
		drained = append(drained, outFrame{Event: ev.Name, Data: ev.Data})
	}

	// Block until something arrives, the wait expires, or the client leaves.
	timer := time.NewTimer(pollWait)
	defer timer.Stop()
	select {
	case ev := <-client.replies:
		collect(ev)
	case ev, ok := <-client.sub.C:
		if ok {
			collect(ev)
		}
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	// Then drain without blocking.
	for {
		select {
		case ev := <-client.replies:
			collect(ev)
			continue
		default:
		}
		select {
		case ev, ok := <-client.sub.C:
			if ok {
				collect(ev)
				continue
			}
		default:
		}
		break
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"events": drained})
}

func (s *Server) pollCommand(w http.ResponseWriter, r *http.Request, cid string) {
	client, ok := s.pollLookup(cid)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	if !client.limiter.Allow() {
		http.Error(w, "too many commands", http.StatusTooManyRequests)
		return
	}

	var f frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "malformed command", http.StatusBadRequest)
		return
	}
	s.dispatch(client.state, f.Event, f.Data)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// reapPollClients drops fallback clients that stopped polling.
func (s *Server) reapPollClients() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	cutoff := time.Now().Add(-pollClientTTL)
	for cid, client := range s.pollClients {
		if client.lastUse.Before(cutoff) {
			client.sub.Close()
			delete(s.pollClients, cid)
		}
	}
}
