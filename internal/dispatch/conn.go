package dispatch

import (
	"bufio"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dayuer/relaymux/internal/utils"
	"github.com/dayuer/relaymux/internal/wire"
)

// HostConn is a persistent, bidirectional connection to one channel's
// session host, carrying the line-delimited JSON frames of
// internal/wire. Implementations must be safe for concurrent Send and
// Interrupt calls; Events/Results/Closed are read-only channels
// consumed by a single dispatch goroutine per channel.
type HostConn interface {
	Send(frame wire.UserFrame) error
	Interrupt() error
	Events() <-chan wire.EventFrame
	Results() <-chan wire.ResultFrame
	Closed() <-chan struct{}
	Close() error
}

// Dialer opens a HostConn to an already-running session host's socket.
type Dialer interface {
	Dial(socketPath string, timeout time.Duration) (HostConn, error)
}

// unixDialer dials real Unix domain sockets, framing traffic as
// newline-delimited JSON in both directions.
type unixDialer struct{}

// NewUnixDialer returns the production Dialer.
func NewUnixDialer() Dialer { return unixDialer{} }

func (unixDialer) Dial(socketPath string, timeout time.Duration) (HostConn, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, err
	}
	return newSocketConn(conn), nil
}

// socketConn is the production HostConn: one net.Conn, a background
// reader goroutine demultiplexing incoming lines into events/results
// channels, and a mutex guarding writes since the underlying net.Conn
// does not support concurrent writers.
type socketConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	events    chan wire.EventFrame
	results   chan wire.ResultFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newSocketConn(conn net.Conn) *socketConn {
	sc := &socketConn{
		conn:    conn,
		events:  make(chan wire.EventFrame, 16),
		results: make(chan wire.ResultFrame, 4),
		closed:  make(chan struct{}),
	}
	go sc.readLoop()
	return sc
}

func (sc *socketConn) readLoop() {
	defer sc.markClosed()
	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		switch env.Type {
		case wire.FrameEvent:
			var ev wire.EventFrame
			if json.Unmarshal(line, &ev) == nil {
				sc.events <- ev
			}
		case wire.FrameResult:
			var res wire.ResultFrame
			if json.Unmarshal(line, &res) == nil {
				sc.results <- res
			}
		case wire.FrameStderr:
			// Per spec.md §4.1: log a truncated copy, never surface to
			// onEvent as a semantic event.
			var sf wire.StderrFrame
			if json.Unmarshal(line, &sf) == nil {
				log.Printf("[dispatch] agent stderr: %s", utils.TruncateString(sf.Text, 500, "..."))
			}
		}
	}
}

func (sc *socketConn) markClosed() {
	sc.closeOnce.Do(func() { close(sc.closed) })
}

func (sc *socketConn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, err = sc.conn.Write(append(data, '\n'))
	return err
}

func (sc *socketConn) Send(frame wire.UserFrame) error    { return sc.writeLine(frame) }
func (sc *socketConn) Interrupt() error                   { return sc.writeLine(wire.InterruptFrame{Type: wire.FrameInterrupt}) }
func (sc *socketConn) Events() <-chan wire.EventFrame      { return sc.events }
func (sc *socketConn) Results() <-chan wire.ResultFrame    { return sc.results }
func (sc *socketConn) Closed() <-chan struct{}             { return sc.closed }
func (sc *socketConn) Close() error {
	sc.markClosed()
	return sc.conn.Close()
}

var _ HostConn = (*socketConn)(nil)

// SpawnConfig is the JSON document relaymuxd passes as argv[1] to a
// detached `relaymuxd session-host` child, per spec.md §6.1.
type SpawnConfig struct {
	Channel         string   `json:"channel"`
	SocketPath      string   `json:"socket_path"`
	PIDFile         string   `json:"pid_file"`
	WorkingDir      string   `json:"working_dir"`
	AgentCmd        string   `json:"agent_cmd"`
	AgentArgs       []string `json:"agent_args"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
}

// Spawner launches a detached session-host process per SpawnConfig.
// The process's own responsibility is documented in
// internal/sessionhost; Spawner only needs to get it running,
// disconnected from the parent daemon's stdio, and return quickly.
type Spawner interface {
	Spawn(cfg SpawnConfig) error
}

// SpawnFunc adapts a plain function to Spawner.
type SpawnFunc func(cfg SpawnConfig) error

func (f SpawnFunc) Spawn(cfg SpawnConfig) error { return f(cfg) }
