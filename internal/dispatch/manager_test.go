package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/relaymux/internal/wire"
)

// fakeConn is an in-memory HostConn: Send records what it was given
// and the test drives Results()/Events() by pushing into the channels
// directly, standing in for a real session host during unit tests.
type fakeConn struct {
	mu       sync.Mutex
	sent     []string
	results  chan wire.ResultFrame
	events   chan wire.EventFrame
	closed   chan struct{}
	sendFunc func(content string) wire.ResultFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		results: make(chan wire.ResultFrame, 4),
		events:  make(chan wire.EventFrame, 4),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Send(frame wire.UserFrame) error {
	text := frame.Message.Content.Text()
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	if f.sendFunc != nil {
		f.results <- f.sendFunc(text)
	}
	return nil
}
func (f *fakeConn) Interrupt() error                { return nil }
func (f *fakeConn) Events() <-chan wire.EventFrame   { return f.events }
func (f *fakeConn) Results() <-chan wire.ResultFrame { return f.results }
func (f *fakeConn) Closed() <-chan struct{}          { return f.closed }
func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDialer always returns the same pre-built conn (as if a host was
// already running), or fails N times before succeeding (simulating a
// spawn-then-poll sequence).
type fakeDialer struct {
	mu        sync.Mutex
	conn      HostConn
	failTimes int
	dialCount int
}

func (d *fakeDialer) Dial(path string, timeout time.Duration) (HostConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if d.failTimes > 0 {
		d.failTimes--
		return nil, assertErr{"dial failed"}
	}
	return d.conn, nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

type fakeSpawner struct {
	calls int32
}

func (s *fakeSpawner) Spawn(cfg SpawnConfig) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

type memSessions struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemSessions() *memSessions { return &memSessions{data: map[string]string{}} }
func (m *memSessions) Get(channel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[channel]
}
func (m *memSessions) Set(channel, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[channel] = id
	return nil
}
func (m *memSessions) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func TestSend_SingleTurn_ReturnsResult(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(content string) wire.ResultFrame {
		return wire.ResultFrame{Type: wire.FrameResult, Text: "hello back", SessionID: "sess-1"}
	}
	dialer := &fakeDialer{conn: conn}
	sessions := newMemSessions()

	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: sessions, SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	res, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello back", res.Text)
	assert.False(t, res.IsError)
	assert.Equal(t, "sess-1", sessions.Get("http"))
}

func TestSend_AppliesContextPrefix(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(content string) wire.ResultFrame {
		return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"}
	}
	dialer := &fakeDialer{conn: conn}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	_, err := m.Send(context.Background(), "tg-42", wire.PlainText("hi"), &wire.ChannelContext{Adapter: "telegram", User: "u1"}, nil)
	require.NoError(t, err)

	sent := conn.sentContents()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "[channel: tg-42, adapter: telegram, user: u1]")
	assert.Contains(t, sent[0], "hi")
}

func TestSend_NoContext_NoHeader(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(content string) wire.ResultFrame {
		return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"}
	}
	dialer := &fakeDialer{conn: conn}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	_, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, conn.sentContents())
}

func TestSend_SpawnsOnFirstUse_AndPollsUntilReady(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(content string) wire.ResultFrame {
		return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"}
	}
	dialer := &fakeDialer{conn: conn, failTimes: 2}
	spawner := &fakeSpawner{}
	m := NewManager(Config{Dialer: dialer, Spawner: spawner, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	res, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spawner.calls))
}

func TestSend_SpawnNeverReady_ReturnsErrorWhenContextExpires(t *testing.T) {
	dialer := &fakeDialer{conn: nil, failTimes: 1 << 30}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	// The default spawn deadline (10s) and poll interval are tuned for
	// production and left unset here, so the 500ms context expires
	// first and the poll loop returns the context's error; we just
	// confirm the failure path surfaces an error rather than hanging
	// silently. ErrSpawnTimeout itself is covered by
	// TestSend_SpawnDeadlineOverride_TimesOutFasterThanDefault.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := m.Send(ctx, "http", wire.PlainText("hi"), nil, nil)
	assert.Error(t, err)
}

func TestSend_SpawnDeadlineOverride_TimesOutFasterThanDefault(t *testing.T) {
	dialer := &fakeDialer{conn: nil, failTimes: 1 << 30}
	m := NewManager(Config{
		Dialer:         dialer,
		Spawner:        &fakeSpawner{},
		Sessions:       newMemSessions(),
		SocketDir:      t.TempDir(),
		PIDDir:         t.TempDir(),
		SpawnPollEvery: 5 * time.Millisecond,
		SpawnDeadline:  20 * time.Millisecond,
	})

	start := time.Now()
	_, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSpawnTimeout)
	assert.Less(t, elapsed, defaultSpawnDeadline, "config override should time out well before the built-in default")
}

func TestSend_ConcurrentSpawnRequests_DedupeToOneSpawn(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(content string) wire.ResultFrame {
		return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"}
	}
	dialer := &fakeDialer{conn: conn, failTimes: 1}
	spawner := &fakeSpawner{}
	m := NewManager(Config{Dialer: dialer, Spawner: spawner, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&spawner.calls))
}

// queueLen reads a channel's current backlog length directly (this
// test file lives in package dispatch), used to synchronize on actual
// internal state instead of guessing with a fixed sleep.
func queueLen(m *Manager, channel string) int {
	cs := m.getOrCreateState(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.queue)
}

func waitForQueueLen(t *testing.T, m *Manager, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if queueLen(m, channel) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue for %q never reached length %d (got %d)", channel, n, queueLen(m, channel))
}

func TestSend_BacklogCoalescesIntoOneTurn(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	started := make(chan struct{})
	var callIdx int32
	conn.sendFunc = func(content string) wire.ResultFrame {
		idx := atomic.AddInt32(&callIdx, 1)
		if idx == 1 {
			close(started)
			<-release
			return wire.ResultFrame{Type: wire.FrameResult, Text: "batched"}
		}
		return wire.ResultFrame{Type: wire.FrameResult, Text: "batched2"}
	}
	dialer := &fakeDialer{conn: conn}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	first := make(chan ChatResult, 1)
	go func() {
		res, err := m.Send(context.Background(), "http", wire.PlainText("first"), nil, nil)
		require.NoError(t, err)
		first <- res
	}()

	// Wait for the first dispatch to actually be in flight (busy is
	// now true) rather than guessing how long that takes.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch never started")
	}

	firstQueuedResult := make(chan ChatResult, 1)
	go func() {
		res, err := m.Send(context.Background(), "http", wire.PlainText("queued-1"), nil, nil)
		require.NoError(t, err)
		firstQueuedResult <- res
	}()
	waitForQueueLen(t, m, "http", 1)

	secondQueuedResult := make(chan ChatResult, 1)
	go func() {
		res, err := m.Send(context.Background(), "http", wire.PlainText("queued-2"), nil, nil)
		require.NoError(t, err)
		secondQueuedResult <- res
	}()
	waitForQueueLen(t, m, "http", 2)
	close(release)

	firstRes := <-first
	assert.Equal(t, "batched", firstRes.Text)

	// spec.md §4.1 step 4: every merged entry but the last resolves
	// immediately with an empty, zero-duration placeholder — it never
	// waits for the joined turn's real reply.
	earlyRes := <-firstQueuedResult
	assert.Equal(t, "", earlyRes.Text)
	assert.Equal(t, int64(0), earlyRes.DurationMS)
	assert.True(t, earlyRes.Coalesced)

	lastRes := <-secondQueuedResult
	assert.Equal(t, "batched2", lastRes.Text)
	assert.True(t, lastRes.Coalesced)
	assert.Equal(t, 2, lastRes.RequestsMerged)

	sent := conn.sentContents()
	require.Len(t, sent, 2)
	assert.Equal(t, "queued-1\n\nqueued-2", sent[1])
}

// TestSend_TrueConcurrentSends_OneSoloThenAtMostOneCoalescedTurn drives
// spec.md's B1 scenario for real: ten Send calls released through a
// closed barrier channel at once, with no staggering at all, so the
// only thing keeping the busy/queue invariant intact is Send's own
// mutex-guarded busy check. Without that gate, all ten could enqueue
// before any goroutine is scheduled to dispatch, and get folded into a
// single joined turn instead of "one solo turn, then one coalesced
// turn for the rest."
func TestSend_TrueConcurrentSends_OneSoloThenAtMostOneCoalescedTurn(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	started := make(chan struct{})
	var callIdx int32
	var mu sync.Mutex
	var sentBatches []string
	conn.sendFunc = func(content string) wire.ResultFrame {
		idx := atomic.AddInt32(&callIdx, 1)
		mu.Lock()
		sentBatches = append(sentBatches, content)
		mu.Unlock()
		if idx == 1 {
			close(started)
			<-release
			return wire.ResultFrame{Type: wire.FrameResult, Text: "solo"}
		}
		return wire.ResultFrame{Type: wire.FrameResult, Text: "batched"}
	}
	dialer := &fakeDialer{conn: conn}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	const n = 10
	results := make([]chan ChatResult, n)
	var wg sync.WaitGroup
	barrier := make(chan struct{})
	for i := 0; i < n; i++ {
		results[i] = make(chan ChatResult, 1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-barrier
			res, err := m.Send(context.Background(), "http", wire.PlainText(fmt.Sprintf("msg-%d", i)), nil, nil)
			require.NoError(t, err)
			results[i] <- res
		}(i)
	}
	close(barrier) // release all ten at once; no goroutine gets a head start

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch ever started")
	}
	waitForQueueLen(t, m, "http", n-1)
	close(release)
	wg.Wait()

	// Regardless of which of the ten won the race to dispatch solo,
	// exactly two real turns must have reached the host: the solo one
	// and a single coalesced turn for the other nine.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sentBatches, 2)

	var soloCount, coalescedCount int
	for i := 0; i < n; i++ {
		res := <-results[i]
		if !res.Coalesced {
			soloCount++
			assert.Equal(t, "solo", res.Text)
		} else if res.Text != "" {
			coalescedCount++
			assert.Equal(t, "batched", res.Text)
			assert.Equal(t, n-1, res.RequestsMerged)
		}
	}
	assert.Equal(t, 1, soloCount, "exactly one caller should get the solo turn's real reply")
	assert.Equal(t, 1, coalescedCount, "exactly one caller (the last queued) should get the coalesced turn's real reply")
}

func TestSend_ImageContent_NotCoalescedWithQueuedText(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	var callIdx int32
	var sentBatches [][]string
	var mu sync.Mutex
	conn.sendFunc = func(content string) wire.ResultFrame {
		idx := atomic.AddInt32(&callIdx, 1)
		mu.Lock()
		sentBatches = append(sentBatches, []string{content})
		mu.Unlock()
		if idx == 1 {
			<-release
		}
		return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"}
	}
	dialer := &fakeDialer{conn: conn}
	m := NewManager(Config{Dialer: dialer, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, err := m.Send(context.Background(), "http", wire.PlainText("first"), nil, nil)
		require.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)

	img := wire.BlockContent([]wire.ContentBlock{{Kind: wire.ContentImage, MediaType: "image/png", Data: "AAAA"}})
	txt := wire.PlainText("queued text")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Send(context.Background(), "http", img, nil, nil)
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := m.Send(context.Background(), "http", txt, nil, nil)
		require.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	<-first

	// The image content must never be joined with "queued text" into a
	// single "\n\n"-separated turn: each arrives in its own batch.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sentBatches, 3)
	for _, batch := range sentBatches {
		require.Len(t, batch, 1)
		assert.NotContains(t, batch[0], "\n\n")
	}
}

type fakeSpawnLocker struct {
	mu       sync.Mutex
	grant    bool
	acquired int32
}

func (l *fakeSpawnLocker) Acquire(ctx context.Context, channel string, ttl time.Duration) (bool, error) {
	atomic.AddInt32(&l.acquired, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grant, nil
}
func (l *fakeSpawnLocker) Release(ctx context.Context, channel string) error { return nil }

func TestSend_SpawnLockDenied_PollsInsteadOfSpawning(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(string) wire.ResultFrame { return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"} }
	dialer := &fakeDialer{conn: conn, failTimes: 1}
	spawner := &fakeSpawner{}
	locker := &fakeSpawnLocker{grant: false}
	m := NewManager(Config{Dialer: dialer, Spawner: spawner, SpawnLock: locker, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	res, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(0), atomic.LoadInt32(&spawner.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&locker.acquired))
}

func TestShutdown_UnknownChannel_NoError(t *testing.T) {
	m := NewManager(Config{SocketDir: t.TempDir(), PIDDir: t.TempDir()})
	assert.NoError(t, m.Shutdown("nope", false))
}

func TestShutdownHosts_ClosesAllConnections(t *testing.T) {
	connA := newFakeConn()
	connA.sendFunc = func(string) wire.ResultFrame { return wire.ResultFrame{Type: wire.FrameResult, Text: "a"} }
	m := NewManager(Config{Dialer: &fakeDialer{conn: connA}, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	_, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)

	m.ShutdownHosts(false)

	select {
	case <-connA.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected connection to be closed")
	}
}

func TestShutdown_Kill_SignalsPIDFromFile(t *testing.T) {
	pidDir := t.TempDir()
	m := NewManager(Config{SocketDir: t.TempDir(), PIDDir: pidDir})

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	pidFile := filepath.Join(pidDir, "relaymux-http.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	require.NoError(t, m.Shutdown("http", true))

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected SIGTERM to end the process")
	}
}

func TestShutdown_Kill_NoPIDFile_NoError(t *testing.T) {
	m := NewManager(Config{SocketDir: t.TempDir(), PIDDir: t.TempDir()})
	assert.NoError(t, m.Shutdown("nope", true))
}

func TestShutdownHosts_UnionsSessionStoreChannels(t *testing.T) {
	pidDir := t.TempDir()
	sessions := newMemSessions()
	require.NoError(t, sessions.Set("tg-1", "sess-1"))
	m := NewManager(Config{Sessions: sessions, SocketDir: t.TempDir(), PIDDir: pidDir})

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	pidFile := filepath.Join(pidDir, "relaymux-tg-1.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	m.ShutdownHosts(true)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the persisted-but-unconnected channel's host to be signaled too")
	}
}

func TestActiveChannels_TracksSends(t *testing.T) {
	conn := newFakeConn()
	conn.sendFunc = func(string) wire.ResultFrame { return wire.ResultFrame{Type: wire.FrameResult, Text: "ok"} }
	m := NewManager(Config{Dialer: &fakeDialer{conn: conn}, Spawner: &fakeSpawner{}, Sessions: newMemSessions(), SocketDir: t.TempDir(), PIDDir: t.TempDir()})

	_, err := m.Send(context.Background(), "http", wire.PlainText("hi"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"http"}, m.ActiveChannels())
}
