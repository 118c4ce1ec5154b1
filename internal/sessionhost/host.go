// Package sessionhost implements the Session Host: a detached process,
// one per channel, that owns exactly one agent subprocess and one
// local Unix socket, and outlives the daemon that spawned it.
//
// Grounded on two sources: cmd/daemon.go for the detached-process/
// PID-file/signal mechanics (this package's Run is what a spawned
// `relaymuxd session-host` child executes), and
// other_examples/raphaeltm-simple-agent-manager__session_host.go for
// the process-lifecycle shape — spawn, monitor exit, capture stderr —
// trimmed from that file's multi-viewer fan out and eager-restart loop
// down to spec.md §4.2's model: at most one client at a time, new
// connection replaces old, and a dead agent is only ever respawned by
// the next inbound write, never on its own. The socket accept-loop
// shape (stale-socket removal, context-cancellation closes the
// listener) is grounded on bureau-foundation-bureau/lib/service/socket.go,
// adapted from a one-shot CBOR request/response frame to a persistent
// bidirectional line-delimited-JSON stream forwarded straight through
// to the agent subprocess's own stdin/stdout.
package sessionhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dayuer/relaymux/internal/wire"
)

// Config is the JSON document a Channel Manager passes as argv[1] to a
// detached `relaymuxd session-host` child, per spec.md §6.1. It
// mirrors internal/dispatch.SpawnConfig field-for-field but is
// declared independently since the two processes only need to agree
// on the wire format, not share Go types.
type Config struct {
	Channel         string   `json:"channel"`
	SocketPath      string   `json:"socket_path"`
	PIDFile         string   `json:"pid_file"`
	WorkingDir      string   `json:"working_dir"`
	AgentCmd        string   `json:"agent_cmd"`
	AgentArgs       []string `json:"agent_args"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
}

// ParseConfig decodes argv[1] into a Config.
func ParseConfig(arg string) (Config, error) {
	var cfg Config
	err := json.Unmarshal([]byte(arg), &cfg)
	return cfg, err
}

// Host runs one channel's session-host process for its whole
// lifetime: spawn the agent, listen on the socket, forward traffic,
// and clean up on shutdown. Per spec.md §4.2's state machine, it does
// not eagerly respawn the agent when it exits: writes that arrive
// while the agent is dead are buffered, and the first such write
// triggers a respawn, after which the buffer flushes in order.
type Host struct {
	cfg Config

	clientMu sync.Mutex
	client   net.Conn

	agentMu       sync.Mutex
	agent         *agentProcess
	lastSessionID string
	respawning    bool
	pending       [][]byte

	stopping atomic.Bool
}

// New builds a Host for cfg. Call Run to start it.
func New(cfg Config) *Host {
	return &Host{cfg: cfg, lastSessionID: cfg.ResumeSessionID}
}

// Run blocks until ctx is canceled or an unrecoverable error occurs.
// It writes the PID file, spawns the agent, listens on the socket,
// and tears everything down on the way out.
func (h *Host) Run(ctx context.Context) error {
	if err := h.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(h.cfg.PIDFile)

	ap, err := startAgent(h, h.lastSessionID)
	if err != nil {
		return err
	}
	h.setAgent(ap)

	removeStaleSocket(h.cfg.SocketPath)
	if err := os.MkdirAll(filepath.Dir(h.cfg.SocketPath), 0755); err != nil {
		return err
	}
	listener, err := net.Listen("unix", h.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(h.cfg.SocketPath)

	go func() {
		<-ctx.Done()
		h.stopping.Store(true)
		listener.Close()
		h.killAgent()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		h.attachClient(conn)
	}
}

// attachClient makes conn the sole active client, per spec.md's
// "at most one client at a time; new connection replaces old" — the
// previous connection, if any, is closed, but the agent subprocess is
// entirely unaffected.
func (h *Host) attachClient(conn net.Conn) {
	h.clientMu.Lock()
	if h.client != nil {
		h.client.Close()
	}
	h.client = conn
	h.clientMu.Unlock()

	go h.forwardClientToAgent(conn)
}

func (h *Host) currentClient() net.Conn {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()
	return h.client
}

func (h *Host) clearClientIfCurrent(conn net.Conn) {
	h.clientMu.Lock()
	if h.client == conn {
		h.client = nil
	}
	h.clientMu.Unlock()
}

func (h *Host) writePIDFile() error {
	if err := os.MkdirAll(filepath.Dir(h.cfg.PIDFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(h.cfg.PIDFile, []byte(pidString()), 0644)
}

func removeStaleSocket(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[sessionhost] warning: could not remove stale socket %s: %v", path, err)
	}
}

// setAgent installs ap as the live agent and starts the goroutines
// that forward its output and watch for its exit. Used both for the
// process's first agent and for every later respawn.
func (h *Host) setAgent(ap *agentProcess) {
	h.agentMu.Lock()
	h.agent = ap
	h.agentMu.Unlock()
	go h.forwardAgentToClient(ap)
	go h.watchAgentExit(ap)
}

func (h *Host) getAgent() *agentProcess {
	h.agentMu.Lock()
	defer h.agentMu.Unlock()
	return h.agent
}

func (h *Host) killAgent() {
	if ap := h.getAgent(); ap != nil {
		ap.kill()
	}
}

// writeToAgent forwards line to the live agent's stdin, or — if the
// agent is currently dead — buffers it and kicks off a respawn. Only
// the first buffered write while dead triggers a respawn; later
// writes just add to the same pending buffer, which respawnAndFlush
// drains in order once the new agent is up.
func (h *Host) writeToAgent(line []byte) {
	h.agentMu.Lock()
	ap := h.agent
	if ap != nil {
		h.agentMu.Unlock()
		if _, err := ap.stdin.Write(append(line, '\n')); err != nil {
			log.Printf("[sessionhost] write to agent for %q failed: %v", h.cfg.Channel, err)
		}
		return
	}

	h.pending = append(h.pending, line)
	alreadyRespawning := h.respawning
	h.respawning = true
	h.agentMu.Unlock()

	if !alreadyRespawning {
		go h.respawnAndFlush()
	}
}

// respawnAndFlush starts a fresh agent using the last captured
// resume identifier and, once it is up, writes every buffered line to
// it in arrival order. If the spawn itself fails, the buffer is left
// intact and the next client write tries again.
func (h *Host) respawnAndFlush() {
	h.agentMu.Lock()
	resumeID := h.lastSessionID
	h.agentMu.Unlock()

	ap, err := startAgent(h, resumeID)

	h.agentMu.Lock()
	h.respawning = false
	if err != nil {
		h.agentMu.Unlock()
		log.Printf("[sessionhost] respawn for %q failed: %v", h.cfg.Channel, err)
		return
	}
	h.agent = ap
	pending := h.pending
	h.pending = nil
	h.agentMu.Unlock()

	go h.forwardAgentToClient(ap)
	go h.watchAgentExit(ap)

	for _, line := range pending {
		if _, err := ap.stdin.Write(append(line, '\n')); err != nil {
			log.Printf("[sessionhost] flush to respawned agent for %q failed: %v", h.cfg.Channel, err)
			return
		}
	}
}

// watchAgentExit waits for one agent process to exit and, unless a
// deliberate shutdown is already under way, clears it from the host
// and emits a synthetic error result so the client's in-flight turn
// (if any) completes instead of hanging forever. It never restarts
// the agent itself — per spec.md §4.2, only the next inbound write
// does that, via writeToAgent/respawnAndFlush.
func (h *Host) watchAgentExit(ap *agentProcess) {
	<-ap.done

	if h.stopping.Load() {
		return
	}

	h.agentMu.Lock()
	if h.agent == ap {
		h.agent = nil
	}
	h.agentMu.Unlock()

	if tail := ap.stderrTail(); tail != "" {
		log.Printf("[sessionhost] agent for %q exited (code %d); stderr tail:\n%s", h.cfg.Channel, ap.exitCode, tail)
	}

	h.emitSessionEnded(ap.exitCode)
}

// emitSessionEnded writes a synthetic is_error result frame to
// whichever client is currently attached, matching spec.md §4.2's
// exact wording for the agent-exit case.
func (h *Host) emitSessionEnded(exitCode int) {
	client := h.currentClient()
	if client == nil {
		return
	}
	res := wire.ResultFrame{
		Type:    wire.FrameResult,
		Text:    fmt.Sprintf("[Session ended (exit code %d). Next message will start a fresh session with resume.]", exitCode),
		IsError: true,
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("[sessionhost] failed to encode synthetic result for %q: %v", h.cfg.Channel, err)
		return
	}
	if _, err := client.Write(append(data, '\n')); err != nil {
		h.clearClientIfCurrent(client)
	}
}

// mirrorStderr writes a _stderr frame carrying one already-filtered,
// already-truncated agent stderr line to whichever client is currently
// attached. A no-op when no client is attached, since there is nothing
// to notice the noise.
func (h *Host) mirrorStderr(text string) {
	client := h.currentClient()
	if client == nil {
		return
	}
	frame := wire.StderrFrame{Type: wire.FrameStderr, Text: text}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[sessionhost] failed to encode stderr frame for %q: %v", h.cfg.Channel, err)
		return
	}
	if _, err := client.Write(append(data, '\n')); err != nil {
		h.clearClientIfCurrent(client)
	}
}

func pidString() string {
	return strconv.Itoa(os.Getpid())
}
