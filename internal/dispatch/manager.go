// Package dispatch implements the Channel Manager: per-channel FIFO
// dispatch with busy-flag/backlog coalescing, spawn-or-reconnect
// orchestration for session hosts, and the context-prefix header
// applied to every forwarded message.
//
// Grounded on internal/lane/lane.go's per-key serialization shape —
// relaymux always runs one turn at a time per channel, and any sends
// that arrive while a turn is in flight are drained and joined into a
// single follow-up turn as soon as the current one completes, rather
// than waiting a fixed time window the way lane's Collect mode does —
// but the mechanism differs from lane's standing per-key worker
// goroutine: a channelState's busy flag, not a goroutine's presence, is
// what a Send call checks to decide whether it dispatches directly or
// joins the queue, so an idle channel costs nothing beyond its map
// entry and whichever Send call finds a channel idle drives that
// channel's dispatch loop itself for as long as its queue stays
// non-empty.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dayuer/relaymux/internal/utils"
	"github.com/dayuer/relaymux/internal/wire"
)

const (
	defaultDialTimeout    = 3 * time.Second
	defaultSpawnPollEvery = 200 * time.Millisecond
	defaultSpawnDeadline  = 10 * time.Second
)

// ChatResult is the outcome of one dispatched turn, spec.md's
// send-result shape.
type ChatResult struct {
	Text           string
	DurationMS     int64
	IsError        bool
	Coalesced      bool
	RequestsMerged int
}

// EventCallback receives streamed intermediate events for a turn.
type EventCallback func(wire.EventFrame)

// SessionStore is the subset of *sessionstore.Store the Manager needs;
// declared here so tests can supply an in-memory fake.
type SessionStore interface {
	Get(channel string) string
	Set(channel, sessionID string) error
	Snapshot() map[string]string
}

// SpawnLocker is the subset of *spawnlock.Locker the Manager needs to
// guard against two daemon processes spawning a session host for the
// same channel at once. Optional: a nil SpawnLocker (the default)
// means only the in-process pending map dedupes concurrent spawns.
type SpawnLocker interface {
	Acquire(ctx context.Context, channel string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, channel string) error
}

const spawnLockTTL = 15 * time.Second

// HostSpawnParams supplies the per-channel spawn arguments the Manager
// cannot know on its own (agent binary, working directory) — set once
// at construction, shared across every channel.
type HostSpawnParams struct {
	AgentCmd   string
	AgentArgs  []string
	WorkingDir string
}

// Manager is the Channel Manager. Constructed once at daemon start and
// passed explicitly to adapters — no ambient singletons, so tests can
// build a Manager with fake Dialer/Spawner/SessionStore instances.
type Manager struct {
	dialer   Dialer
	spawner  Spawner
	sessions SessionStore
	spawnLock SpawnLocker
	params   HostSpawnParams
	sockDir  string
	pidDir   string

	dialTimeout    time.Duration
	spawnPollEvery time.Duration
	spawnDeadline  time.Duration

	mu       sync.RWMutex
	channels map[string]*channelState

	pendingMu sync.Mutex
	pending   map[string]*connectAttempt
}

type connectAttempt struct {
	done chan struct{}
	conn HostConn
	err  error
}

// channelState holds one channel's dispatch bookkeeping. busy/queue
// realize spec.md §3's Managed-channel invariant (ii) directly: the
// queue holds only messages that arrived while busy, because Send only
// ever appends to it while busy is already true, under mu — the
// message that finds the channel idle instead flips busy itself and
// dispatches without ever touching the queue.
type channelState struct {
	key string

	mu    sync.Mutex
	busy  bool
	queue []*pendingSend

	connMu sync.Mutex
	conn   HostConn
}

type pendingSend struct {
	content wire.MessageContent
	onEvent EventCallback
	done    chan sendOutcome
}

type sendOutcome struct {
	result ChatResult
	err    error
}

// Config bundles Manager construction parameters.
type Config struct {
	Dialer    Dialer
	Spawner   Spawner
	Sessions  SessionStore
	SpawnLock SpawnLocker
	Spawn     HostSpawnParams
	SocketDir string
	PIDDir    string

	// DialTimeout, SpawnPollEvery, and SpawnDeadline override
	// internal/dispatch's own connection-timing defaults; each zero
	// value falls back to the built-in default rather than to zero
	// (an operator leaving one field unset should not get a
	// zero-second timeout). Mirrors config.GatewayConfig's
	// SpawnDial/SpawnPoll/SpawnDeadl.
	DialTimeout    time.Duration
	SpawnPollEvery time.Duration
	SpawnDeadline  time.Duration
}

// NewManager builds a Channel Manager. Dialer/Spawner default to the
// real Unix-socket/detached-process implementations when left nil.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = NewUnixDialer()
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ProcessSpawner{LogDir: cfg.PIDDir}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SpawnPollEvery <= 0 {
		cfg.SpawnPollEvery = defaultSpawnPollEvery
	}
	if cfg.SpawnDeadline <= 0 {
		cfg.SpawnDeadline = defaultSpawnDeadline
	}
	return &Manager{
		dialer:         cfg.Dialer,
		spawner:        cfg.Spawner,
		sessions:       cfg.Sessions,
		spawnLock:      cfg.SpawnLock,
		params:         cfg.Spawn,
		sockDir:        cfg.SocketDir,
		pidDir:         cfg.PIDDir,
		dialTimeout:    cfg.DialTimeout,
		spawnPollEvery: cfg.SpawnPollEvery,
		spawnDeadline:  cfg.SpawnDeadline,
		channels:       make(map[string]*channelState),
		pending:        make(map[string]*connectAttempt),
	}
}

// Send implements spec.md's `send` operation: it renders the context
// prefix, ensures a session host is reachable (spawning one on first
// use), and either dispatches immediately — if the channel is idle —
// or joins the queue behind whatever turn is currently in flight.
// Whichever call finds the channel idle claims busy under cs.mu and
// becomes that channel's sole dispatcher until the queue it drains
// runs dry; every other concurrent caller for the same channel is
// guaranteed to see busy already set and only ever append to the
// queue, never dispatch directly — this is what makes spec.md §3's
// Managed-channel invariant (ii) hold under genuine concurrency, not
// just under artificially staggered arrivals.
func (m *Manager) Send(ctx context.Context, channel string, content wire.MessageContent, chanCtx *wire.ChannelContext, onEvent EventCallback) (ChatResult, error) {
	cs := m.getOrCreateState(channel)

	if _, err := m.ensureConn(ctx, cs); err != nil {
		return ChatResult{}, fmt.Errorf("channel %q: %w", channel, err)
	}

	item := &pendingSend{
		content: withPrefix(channel, content, chanCtx),
		onEvent: onEvent,
		done:    make(chan sendOutcome, 1),
	}

	cs.mu.Lock()
	if cs.busy {
		cs.queue = append(cs.queue, item)
		cs.mu.Unlock()
	} else {
		cs.busy = true
		cs.mu.Unlock()
		go m.dispatchAndDrain(cs, item)
	}

	select {
	case outcome := <-item.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return ChatResult{}, ctx.Err()
	}
}

func (m *Manager) getOrCreateState(channel string) *channelState {
	m.mu.RLock()
	cs, ok := m.channels[channel]
	m.mu.RUnlock()
	if ok {
		return cs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.channels[channel]; ok {
		return cs
	}
	cs = &channelState{key: channel}
	m.channels[channel] = cs
	return cs
}

// dispatchAndDrain dispatches the message that found the channel idle,
// then keeps draining and dispatching whatever has queued up behind it
// until the queue goes empty, at which point it clears busy. This is
// spec.md §4.1 step 4's drainQueue, run inline by whichever goroutine
// won the busy race in Send rather than by a standing per-channel
// worker goroutine — a channel with no traffic costs nothing but its
// map entry.
func (m *Manager) dispatchAndDrain(cs *channelState, item *pendingSend) {
	m.dispatchSingle(cs, item)
	m.drainQueue(cs)
}

// drainQueue implements spec.md §4.1 step 4's numbered algorithm
// directly: take the whole queue as one batch, dispatch it per
// dispatchBatch, and if dispatchBatch could not fold everything into
// that turn (mixed content), put the remainder back at the head of the
// queue — ahead of anything that arrived in the meantime — and try
// again. Loops until the queue is empty, then clears busy so the next
// Send call dispatches directly instead of queuing.
func (m *Manager) drainQueue(cs *channelState) {
	for {
		cs.mu.Lock()
		if len(cs.queue) == 0 {
			cs.busy = false
			cs.mu.Unlock()
			return
		}
		batch := cs.queue
		cs.queue = nil
		cs.mu.Unlock()

		remainder := m.dispatchBatch(cs, batch)
		if len(remainder) > 0 {
			cs.mu.Lock()
			cs.queue = append(remainder, cs.queue...)
			cs.mu.Unlock()
		}
	}
}

// dispatchBatch implements spec.md §4.1 step 4 literally: a
// single-entry batch dispatches on its own; an all-text batch is
// coalesced into one joined turn; a mixed batch dispatches only its
// first entry and returns the rest to be retried as the next batch.
func (m *Manager) dispatchBatch(cs *channelState, batch []*pendingSend) []*pendingSend {
	if len(batch) == 1 {
		m.dispatchSingle(cs, batch[0])
		return nil
	}
	if !allTextOnly(batch) {
		m.dispatchSingle(cs, batch[0])
		return batch[1:]
	}
	m.dispatchCoalesced(cs, batch)
	return nil
}

func allTextOnly(batch []*pendingSend) bool {
	for _, item := range batch {
		if !item.content.IsTextOnly() {
			return false
		}
	}
	return true
}

func (m *Manager) dispatchSingle(cs *channelState, item *pendingSend) {
	res, err := m.dispatchOne(cs, item.content, item.onEvent)
	item.done <- sendOutcome{result: res, err: err}
}

// dispatchCoalesced joins an all-text batch into one turn. Every entry
// but the last is resolved immediately with an empty, zero-duration
// result marked coalesced — before the joined turn is even
// dispatched, per spec.md §4.1 step 4 — and only the last entry
// carries the real reply, tagged with how many requests it merged.
func (m *Manager) dispatchCoalesced(cs *channelState, batch []*pendingSend) {
	for _, item := range batch[:len(batch)-1] {
		item.done <- sendOutcome{result: ChatResult{Coalesced: true}}
	}

	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.content.Text()
	}
	joined := wire.PlainText(strings.Join(texts, "\n\n"))

	last := batch[len(batch)-1]
	res, err := m.dispatchOne(cs, joined, last.onEvent)
	if err == nil {
		res.RequestsMerged = len(batch)
		res.Coalesced = true
	}
	last.done <- sendOutcome{result: res, err: err}
}

func (m *Manager) dispatchOne(cs *channelState, content wire.MessageContent, onEvent EventCallback) (ChatResult, error) {
	cs.connMu.Lock()
	conn := cs.conn
	cs.connMu.Unlock()
	if conn == nil {
		var err error
		conn, err = m.ensureConn(context.Background(), cs)
		if err != nil {
			return ChatResult{}, err
		}
	}

	if err := conn.Send(wire.NewUserFrame(content)); err != nil {
		m.forgetConn(cs, conn)
		return ChatResult{}, fmt.Errorf("send to session host: %w", ErrChannelDisconnected)
	}

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				m.forgetConn(cs, conn)
				return ChatResult{}, ErrChannelDisconnected
			}
			if onEvent != nil {
				onEvent(ev)
			}
		case res, ok := <-conn.Results():
			if !ok {
				m.forgetConn(cs, conn)
				return ChatResult{}, ErrChannelDisconnected
			}
			if res.SessionID != "" && m.sessions != nil {
				if err := m.sessions.Set(cs.key, res.SessionID); err != nil {
					log.Printf("[dispatch] warning: failed to persist session id for %q: %v", cs.key, err)
				}
			}
			return ChatResult{
				Text:       res.Text,
				DurationMS: res.DurationMS,
				IsError:    res.IsError,
			}, nil
		case <-conn.Closed():
			m.forgetConn(cs, conn)
			return ChatResult{}, ErrChannelDisconnected
		}
	}
}

func (m *Manager) forgetConn(cs *channelState, conn HostConn) {
	cs.connMu.Lock()
	if cs.conn == conn {
		cs.conn = nil
	}
	cs.connMu.Unlock()
}

// ensureConn implements spec.md §4.1's "first send to a channel"
// algorithm: dial the existing socket, and on failure spawn a
// detached session host and poll for it, deduplicating concurrent
// callers for the same channel via m.pending.
func (m *Manager) ensureConn(ctx context.Context, cs *channelState) (HostConn, error) {
	cs.connMu.Lock()
	if cs.conn != nil {
		conn := cs.conn
		cs.connMu.Unlock()
		return conn, nil
	}
	cs.connMu.Unlock()

	m.pendingMu.Lock()
	if att, ok := m.pending[cs.key]; ok {
		m.pendingMu.Unlock()
		select {
		case <-att.done:
			return att.conn, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	m.pending[cs.key] = att
	m.pendingMu.Unlock()

	conn, err := m.connect(ctx, cs.key)
	att.conn, att.err = conn, err
	close(att.done)

	m.pendingMu.Lock()
	delete(m.pending, cs.key)
	m.pendingMu.Unlock()

	if err == nil {
		cs.connMu.Lock()
		cs.conn = conn
		cs.connMu.Unlock()
	}
	return conn, err
}

func (m *Manager) connect(ctx context.Context, channel string) (HostConn, error) {
	sockPath := m.socketPath(channel)

	if conn, err := m.dialer.Dial(sockPath, m.dialTimeout); err == nil {
		return conn, nil
	}

	removeStaleSocket(sockPath)

	if m.spawner == nil {
		return nil, ErrHostUnreachable
	}

	deadline := time.Now().Add(m.spawnDeadline)

	if m.spawnLock != nil {
		granted, err := m.spawnLock.Acquire(ctx, channel, spawnLockTTL)
		if err != nil {
			log.Printf("[dispatch] spawn lock error for %q: %v", channel, err)
		}
		if !granted {
			// Another daemon process is already spawning this channel's
			// host; poll for it instead of racing a second spawn.
			return m.pollUntilDialable(ctx, sockPath, deadline)
		}
		defer m.spawnLock.Release(context.Background(), channel)
	}

	resumeID := ""
	if m.sessions != nil {
		resumeID = m.sessions.Get(channel)
	}

	cfg := SpawnConfig{
		Channel:         channel,
		SocketPath:      sockPath,
		PIDFile:         m.pidPath(channel),
		WorkingDir:      m.params.WorkingDir,
		AgentCmd:        m.params.AgentCmd,
		AgentArgs:       m.params.AgentArgs,
		ResumeSessionID: resumeID,
	}
	if err := m.spawner.Spawn(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}

	return m.pollUntilDialable(ctx, sockPath, deadline)
}

func (m *Manager) pollUntilDialable(ctx context.Context, sockPath string, deadline time.Time) (HostConn, error) {
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if conn, err := m.dialer.Dial(sockPath, m.spawnPollEvery); err == nil {
			return conn, nil
		}
		time.Sleep(m.spawnPollEvery)
	}
	return nil, ErrSpawnTimeout
}

// Shutdown disconnects this Manager from the session host for one
// channel and, if kill is true, sends it a real termination signal
// via its PID file. Disconnect-without-kill implements spec.md's
// hot-reload semantics: the host keeps running and can be reconnected
// to by a future Manager instance; kill implements the
// interactive-interrupt path, where the host itself must exit too.
func (m *Manager) Shutdown(channel string, kill bool) error {
	m.mu.RLock()
	cs, ok := m.channels[channel]
	m.mu.RUnlock()
	if ok {
		cs.connMu.Lock()
		conn := cs.conn
		cs.conn = nil
		cs.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}
	if !kill {
		return nil
	}
	return m.signalHost(channel, syscall.SIGTERM)
}

// signalHost sends sig to the session host process recorded in
// channel's PID file. A missing PID file means no host is running for
// this channel, which is not an error.
func (m *Manager) signalHost(channel string, sig syscall.Signal) error {
	raw, err := os.ReadFile(m.pidPath(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("channel %q: malformed pid file: %w", channel, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ShutdownHosts tears down every session host this daemon knows
// about, grounded on channels.Manager.StopAll's WaitGroup fan-out
// shape. The channel set is the union of currently-connected channels
// and every channel with a persisted session record, per spec.md
// §4.1's shutdownHosts — a host spawned by an earlier daemon run and
// never reconnected to still has a PID file and a session record, and
// still needs its termination signal.
func (m *Manager) ShutdownHosts(kill bool) {
	m.mu.RLock()
	keySet := make(map[string]struct{}, len(m.channels))
	for k := range m.channels {
		keySet[k] = struct{}{}
	}
	m.mu.RUnlock()

	if m.sessions != nil {
		for k := range m.sessions.Snapshot() {
			keySet[k] = struct{}{}
		}
	}

	var wg sync.WaitGroup
	for k := range keySet {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := m.Shutdown(channel, kill); err != nil {
				log.Printf("[dispatch] shutdown %q: %v", channel, err)
			}
		}(k)
	}
	wg.Wait()
}

// ActiveChannels returns the set of channel keys with managed channel
// state (every channel sent to since this Manager was built), for
// status reporting.
func (m *Manager) ActiveChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for k := range m.channels {
		out = append(out, k)
	}
	return out
}

func (m *Manager) socketPath(channel string) string {
	return filepath.Join(m.sockDir, "relaymux-"+utils.SafeFilename(channel)+".sock")
}

func (m *Manager) pidPath(channel string) string {
	return filepath.Join(m.pidDir, "relaymux-"+utils.SafeFilename(channel)+".pid")
}
