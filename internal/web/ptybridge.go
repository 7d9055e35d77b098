package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/ccm/internal/tmux"
)

// The PTY bridge is the fallback terminal when the per-session gateway is
// unavailable: it attaches the multiplexer window under a local PTY and
// streams raw bytes over the socket.

var errWindowNotFound = errors.New("window not found")

type ptyClientMessage struct {
	Type string `json:"type"` // input, resize
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type ptyBridge struct {
	windowName string
	cmd        *exec.Cmd
	ptmx       *os.File

	closeOnce sync.Once
	done      chan struct{}
}

func newPTYBridge(tmuxBin, windowName string, writer *wsWriter, conn *websocket.Conn) (*ptyBridge, error) {
	if err := exec.Command(tmuxBin, "has-session", "-t", windowName).Run(); err != nil {
		return nil, errWindowNotFound
	}

	cmd := exec.Command(tmuxBin, "attach-session", "-t", windowName)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	b := &ptyBridge{
		windowName: windowName,
		cmd:        cmd,
		ptmx:       ptmx,
		done:       make(chan struct{}),
	}
	go b.streamOutput(conn, writer)
	return b, nil
}

func (b *ptyBridge) streamOutput(conn *websocket.Conn, writer *wsWriter) {
	defer close(b.done)

	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			writer.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			werr := conn.WriteMessage(websocket.BinaryMessage, chunk)
			writer.mu.Unlock()
			if werr != nil {
				b.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = writer.write("pty:closed", map[string]string{"window": b.windowName})
			}
			b.Close()
			return
		}
	}
}

func (b *ptyBridge) WriteInput(data string) error {
	if data == "" {
		return nil
	}
	_, err := b.ptmx.Write([]byte(data))
	return err
}

func (b *ptyBridge) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid dimensions")
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *ptyBridge) Close() {
	b.closeOnce.Do(func() {
		_ = b.ptmx.Close()
		if b.cmd.Process != nil {
			if pgid, err := syscall.Getpgid(b.cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			} else {
				_ = b.cmd.Process.Kill()
			}
		}
		_ = b.cmd.Wait()
	})
}

// handlePTY serves /pty/<sid>: a WebSocket that bridges the window's bytes
// directly, bypassing the gateway.
func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimPrefix(r.URL.Path, "/pty/")
	sid = strings.TrimSuffix(sid, "/")
	if sid == "" || strings.Contains(sid, "/") {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.orch.Get(sid); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsWriter{conn: conn}

	tmuxBin := s.cfg.TmuxBin
	if tmuxBin == "" {
		tmuxBin = "tmux"
	}
	bridge, err := newPTYBridge(tmuxBin, tmux.WindowPrefix+sid, writer, conn)
	if err != nil {
		socketLog.Warn("pty_attach_failed",
			slog.String("sid", sid), slog.String("error", err.Error()))
		_ = writer.write("error", map[string]string{"kind": "NotFound", "error": "terminal window is not available"})
		return
	}
	defer bridge.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := bridge.WriteInput(string(payload)); err != nil {
				return
			}
		case websocket.TextMessage:
			var msg ptyClientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := bridge.WriteInput(msg.Data); err != nil {
					return
				}
			case "resize":
				_ = bridge.Resize(msg.Cols, msg.Rows)
			}
		}
	}
}
