// Package websocket exposes a duplex terminal into an agent instance's
// Docker backend: a websocket connection is wired straight onto a
// `docker exec` subprocess allocated a PTY via `script`, so an interactive
// shell (arrow keys, tab completion, a real prompt) works over the wire.
// Grounded on original_source's terminal_websocket, with the two
// asyncio tasks racing stdout/websocket reads translated into two Go
// goroutines racing on a done channel.
package websocket

import (
	"context"
	"net/http"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DockerExecArgs builds the `docker [-H host] exec ...` argv that attaches
// a PTY inside containerName via `script`, matching the Python backend's
// `_docker_cmd("exec", "-i", "-e", "TERM=xterm-256color", name, "script",
// "-qfc", "/bin/sh", "/dev/null")`.
func DockerExecArgs(host, containerName string) []string {
	args := []string{}
	if host != "" {
		args = append(args, "-H", host)
	}
	args = append(args, "exec", "-i", "-e", "TERM=xterm-256color", containerName,
		"script", "-qfc", "/bin/sh", "/dev/null")
	return args
}

// TerminalHandler upgrades one HTTP request to a websocket and pipes it
// to a freshly spawned `docker exec` PTY process for the duration of the
// connection.
type TerminalHandler struct {
	logger *zap.Logger
}

// NewTerminalHandler creates a terminal handler.
func NewTerminalHandler(logger *zap.Logger) *TerminalHandler {
	return &TerminalHandler{logger: logger}
}

// Serve upgrades w/r to a websocket and bridges it to `docker exec` inside
// containerName. The caller is responsible for having already verified
// the instance's backend is Docker-typed and in the launched state.
func (h *TerminalHandler) Serve(w http.ResponseWriter, r *http.Request, dockerHost, containerName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("terminal websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", DockerExecArgs(dockerHost, containerName)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.logger.Error("terminal stdin pipe failed", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "backend unavailable"))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.logger.Error("terminal stdout pipe failed", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "backend unavailable"))
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		h.logger.Error("docker exec start failed", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "backend unavailable"))
		return
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	done := make(chan struct{})

	// readStdout races against readWS; whichever goroutine finishes first
	// tears down the connection for both.
	go h.readStdout(conn, stdout, done)
	go h.readWS(conn, stdin, done)

	<-done
}

func (h *TerminalHandler) readStdout(conn *websocket.Conn, stdout interface{ Read([]byte) (int, error) }, done chan struct{}) {
	defer func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}()
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *TerminalHandler) readWS(conn *websocket.Conn, stdin interface{ Write([]byte) (int, error) }, done chan struct{}) {
	defer func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}()
	conn.SetReadDeadline(time.Time{})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if _, err := stdin.Write(data); err != nil {
			return
		}
	}
}
