package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/dayuer/relaymux/internal/utils"
)

// removeStaleSocket deletes a leftover socket file from a session host
// that is no longer listening, so the next Listen("unix", ...) does
// not fail with "address already in use". Grounded on
// bureau-foundation-bureau's lib/service/socket.go, which performs the
// same removal before its own Listen call; a missing file is not an
// error here.
func removeStaleSocket(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// best-effort: the listen attempt inside the spawned host will
		// surface any real permission problem.
		_ = err
	}
}

// ProcessSpawner launches `relaymuxd session-host <config-json>` as a
// detached child, stdio disconnected from the parent daemon, passing
// the single JSON configuration argument spec.md §6.1 describes.
// Grounded on cmd/daemon.go's spawnWorker: same
// SysProcAttr{Setsid: true} + proc.Release() detachment idiom, same
// per-child log file convention, generalized from "N replica workers
// of one server" to "one session-host child per channel."
type ProcessSpawner struct {
	// Executable is the relaymuxd binary path; defaults to
	// os.Executable() when empty.
	Executable string
	// LogDir receives one log file per spawned session host, named
	// after the channel key.
	LogDir string
}

func (p ProcessSpawner) Spawn(cfg SpawnConfig) error {
	exe := p.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("resolve relaymuxd executable: %w", err)
		}
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal spawn config: %w", err)
	}

	logDir := p.LogDir
	if logDir == "" {
		logDir = filepath.Dir(cfg.PIDFile)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, "host-"+utils.SafeFilename(cfg.Channel)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open session host log: %w", err)
	}
	defer logFile.Close()

	proc := exec.Command(exe, "session-host", string(payload))
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.Stdin = nil
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc.Env = os.Environ()

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start session host: %w", err)
	}
	return proc.Process.Release()
}

var _ Spawner = ProcessSpawner{}
