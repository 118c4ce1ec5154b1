package sessionhost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dayuer/relaymux/internal/utils"
	"github.com/dayuer/relaymux/internal/wire"
)

// agentProcess wraps one running agent subprocess: its stdio pipes,
// a capped stderr ring for crash diagnostics, an exit code readable
// once done is closed, and a done channel closed when the process
// exits. Spawning itself is grounded on internal/tools/shell.go's
// exec.CommandContext + pipe-capture idiom, generalized from one-shot
// command capture to a long-lived interactive subprocess with
// persistent stdin/stdout pipes.
type agentProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Scanner
	stderr   *stderrRing
	done     chan struct{}
	exitCode int
}

const stderrRingCap = 4096

// stderrRing captures at most the last stderrRingCap bytes of a
// process's stderr, matching the reference implementation's capped
// diagnostic buffer.
type stderrRing struct {
	mu  sync.Mutex
	buf []byte
}

func (r *stderrRing) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > stderrRingCap {
		r.buf = r.buf[len(r.buf)-stderrRingCap:]
	}
}

func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// ambientCredentialEnv lists the provider API-key environment
// variables the teacher's own makeProvider auto-detection reads
// (cmd/helpers.go). The external agent binary might do the same kind
// of ambient detection, so these are stripped from its environment:
// left in place, the agent could silently pick a directly-configured
// provider key it happens to inherit from the shell instead of
// running under whatever billing path relaymux itself is set up for.
var ambientCredentialEnv = []string{
	"OPENROUTER_API_KEY",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"DASHSCOPE_API_KEY",
	"DEEPSEEK_API_KEY",
	"GEMINI_API_KEY",
	"GROQ_API_KEY",
	"MOONSHOT_API_KEY",
	"ZAI_API_KEY",
	"ZHIPUAI_API_KEY",
	"MINIMAX_API_KEY",
	"HOSTED_VLLM_API_KEY",
}

// buildAgentEnv derives the spawned agent's environment from the
// session host's own: ambientCredentialEnv variables are stripped, and
// two marker variables tell the agent it is running under relaymux
// supervision rather than as a standalone interactive session.
func buildAgentEnv() []string {
	drop := make(map[string]struct{}, len(ambientCredentialEnv))
	for _, k := range ambientCredentialEnv {
		drop[k] = struct{}{}
	}

	base := os.Environ()
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		name := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			name = kv[:idx]
		}
		if _, ok := drop[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "RELAYMUX_SESSION_HOST=1", "RELAYMUX_NO_INTERACTIVE=1")
}

// stderrLogPath is the per-channel file spec.md §4.2's forwarding rules
// require every agent stderr line to be logged to, regardless of
// whether that line is also mirrored to the socket client.
func stderrLogPath(h *Host) string {
	return filepath.Join(filepath.Dir(h.cfg.PIDFile), "stderr-"+utils.SafeFilename(h.cfg.Channel)+".log")
}

// noisyStderrPatterns excludes agent-runtime startup chatter (most
// agent CLIs on the market are Node-based) from the client-facing
// _stderr mirror; the full, unfiltered line is still written to the
// per-channel log file either way.
var noisyStderrPatterns = []string{
	"ExperimentalWarning",
	"DeprecationWarning",
	"npm warn",
	"npm notice",
}

func isNoisyStderrLine(line string) bool {
	for _, p := range noisyStderrPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func startAgent(h *Host, resumeID string) (*agentProcess, error) {
	cfg := h.cfg
	args := append([]string{}, cfg.AgentArgs...)
	if resumeID != "" {
		args = append(args, "--resume-session", resumeID)
	}

	cmd := exec.Command(cfg.AgentCmd, args...)
	cmd.Env = buildAgentEnv()
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	ap := &agentProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewScanner(stdout),
		stderr: &stderrRing{},
		done:   make(chan struct{}),
	}
	ap.stdout.Buffer(make([]byte, 4096), 1<<20)

	go ap.drainStderr(h, stderr)
	go ap.waitForExit()

	return ap, nil
}

// drainStderr logs every line the agent writes to stderr to a
// per-channel file and mirrors it to the currently-attached socket
// client as a truncated _stderr frame, unless it matches a noisy
// pattern. It also keeps feeding the in-memory ring used for the
// exit-time crash-diagnostic tail.
func (ap *agentProcess) drainStderr(h *Host, r io.Reader) {
	logFile, err := os.OpenFile(stderrLogPath(h), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[sessionhost] could not open stderr log for %q: %v", h.cfg.Channel, err)
	} else {
		defer logFile.Close()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		ap.stderr.write([]byte(line + "\n"))
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		if isNoisyStderrLine(line) {
			continue
		}
		h.mirrorStderr(utils.TruncateString(line, 500, "..."))
	}
}

func (ap *agentProcess) waitForExit() {
	ap.cmd.Wait()
	if ap.cmd.ProcessState != nil {
		ap.exitCode = ap.cmd.ProcessState.ExitCode()
	}
	close(ap.done)
}

func (ap *agentProcess) kill() {
	if ap.cmd.Process != nil {
		ap.cmd.Process.Kill()
	}
}

func (ap *agentProcess) stderrTail() string {
	return ap.stderr.String()
}

// forwardClientToAgent relays every line the socket client sends to
// the agent, until the client disconnects or a newer client replaces
// it (attachClient closes conn in that case, which ends this read
// loop too). Each line goes through writeToAgent rather than straight
// to stdin, since the agent may be dead between turns.
func (h *Host) forwardClientToAgent(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		h.writeToAgent(line)
	}
}

// forwardAgentToClient relays every line the agent subprocess writes
// to stdout to whichever client is currently attached, capturing the
// session identifier out of result frames so this host's next respawn
// of the agent can resume the same agent-side conversation. (A freshly
// spawned host gets its resume identifier from the daemon's session
// store instead, which the daemon fills from the same forwarded line.)
func (h *Host) forwardAgentToClient(ap *agentProcess) {
	for ap.stdout.Scan() {
		line := ap.stdout.Bytes()

		var env wire.Envelope
		if json.Unmarshal(line, &env) == nil && env.Type == wire.FrameResult {
			var res wire.ResultFrame
			if json.Unmarshal(line, &res) == nil && res.SessionID != "" {
				h.agentMu.Lock()
				h.lastSessionID = res.SessionID
				h.agentMu.Unlock()
			}
		}

		client := h.currentClient()
		if client == nil {
			continue
		}
		if _, err := client.Write(append(append([]byte{}, line...), '\n')); err != nil {
			h.clearClientIfCurrent(client)
		}
	}
}
