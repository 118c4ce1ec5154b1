// daemon.go — relaymuxd's own process lifecycle: a single background
// daemon process that owns the Channel Manager, Push Registry, session
// store, and reference adapters. Spawning per-channel session hosts is
// a separate concern (see sessionhost.go / internal/dispatch); this
// file only manages the one daemon process itself.
//
// Usage:
//
//	relaymuxd start    — start as background daemon
//	relaymuxd stop     — send SIGINT (interactive-interrupt: full shutdown, kills hosts)
//	relaymuxd restart  — stop + start
//	relaymuxd reload   — send SIGHUP (hangup: re-exec the daemon binary, hosts stay warm)
//	relaymuxd status   — check whether the daemon is running
//	relaymuxd run      — run in the foreground (used internally by start,
//	                      and useful directly for local debugging)
//
// The daemon itself distinguishes three inbound signals per spec.md
// §6's Signals paragraph: SIGTERM is the hot-reload signal (disconnect
// from every session host without killing it, then exit — a future
// daemon process can reconnect to the same warm hosts); SIGINT is the
// interactive-interrupt (full shutdown, including host-kill); SIGHUP
// is hangup (disconnect, close the listening sockets, re-exec this
// same binary with the same arguments as a detached child, then exit,
// forcing the exit after 5s if the disconnect hasn't finished by
// then).
//
// Grounded on the reference implementation's cmd/daemon.go: same
// PID-file + SysProcAttr{Setsid: true} + proc.Release() detachment
// idiom, trimmed from "N replica workers on consecutive ports" down to
// spec.md's single daemon process, since relaymux's concurrency comes
// from one Channel Manager fanning out to many session hosts rather
// than from multiple copies of the daemon itself.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dayuer/relaymux/internal/adapterconfig"
	"github.com/dayuer/relaymux/internal/config"
	"github.com/dayuer/relaymux/internal/dispatch"
	"github.com/dayuer/relaymux/internal/httpadapter"
	"github.com/dayuer/relaymux/internal/monitor"
	"github.com/dayuer/relaymux/internal/procutil"
	"github.com/dayuer/relaymux/internal/push"
	"github.com/dayuer/relaymux/internal/scheduledjobs"
	"github.com/dayuer/relaymux/internal/sessionstore"
	"github.com/dayuer/relaymux/internal/spawnlock"
	"github.com/dayuer/relaymux/internal/utils"
	"github.com/spf13/cobra"
)

const pidFileName = "relaymuxd.pid"

var configPath string

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(runCmd)

	for _, c := range []*cobra.Command{startCmd, restartCmd, runCmd} {
		c.Flags().StringVar(&configPath, "config", "", "path to config.json (default ~/.relaymux/config.json)")
	}
}

func pidFilePath() string {
	return filepath.Join(utils.GetRunDir(), pidFileName)
}

func writePID(pid int) error {
	return os.WriteFile(pidFilePath(), []byte(fmt.Sprintf("%d", pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

func removePIDFile() {
	os.Remove(pidFilePath())
}

func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func getRunningPID() (int, bool) {
	pid, err := readPID()
	if err != nil || !isRunning(pid) {
		removePIDFile()
		return 0, false
	}
	return pid, true
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relaymuxd daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := getRunningPID(); ok {
			return fmt.Errorf("relaymuxd is already running (PID %d)", pid)
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot find relaymuxd executable: %w", err)
		}

		runArgs := []string{"run"}
		if configPath != "" {
			runArgs = append(runArgs, "--config", configPath)
		}

		logPath := filepath.Join(utils.GetDataPath(), "relaymuxd.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()

		proc := exec.Command(exe, runArgs...)
		proc.Stdout = logFile
		proc.Stderr = logFile
		proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		proc.Env = os.Environ()

		if err := proc.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		pid := proc.Process.Pid
		proc.Process.Release()

		if err := writePID(pid); err != nil {
			return fmt.Errorf("write PID file: %w", err)
		}

		fmt.Printf("relaymuxd started (PID %d, log: %s)\n", pid, logPath)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relaymuxd daemon, killing every session host too",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, ok := getRunningPID()
		if !ok {
			fmt.Println("relaymuxd is not running")
			return nil
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGINT); err != nil {
			return fmt.Errorf("signal daemon: %w", err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) && isRunning(pid) {
			time.Sleep(200 * time.Millisecond)
		}
		if isRunning(pid) {
			proc.Signal(syscall.SIGKILL)
		}
		removePIDFile()
		fmt.Println("relaymuxd stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the relaymuxd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := getRunningPID(); ok {
			if err := stopCmd.RunE(cmd, args); err != nil {
				return err
			}
		}
		return startCmd.RunE(cmd, args)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal the daemon to hang up: re-exec itself, leaving session hosts running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, ok := getRunningPID()
		if !ok {
			return fmt.Errorf("relaymuxd is not running")
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("signal daemon: %w", err)
		}
		fmt.Printf("reload signal sent to relaymuxd (PID %d)\n", pid)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether relaymuxd is running",
	Run: func(cmd *cobra.Command, args []string) {
		pid, ok := getRunningPID()
		if !ok {
			fmt.Println("relaymuxd is not running")
			return
		}
		fmt.Printf("relaymuxd is running (PID %d)\n", pid)
	},
}

var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the relaymuxd daemon in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// runDaemon is the daemon's actual body, whether reached via `start`
// (as a detached child) or `run` (foreground, for local debugging). It
// constructs every core component explicitly and passes them to each
// other by hand — spec.md §8 rules out ambient singletons, so nothing
// here reaches for a package-level global the way the reference
// implementation's internal/redis package does.
func runDaemon() error {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		procutil.Fatal(fmt.Errorf("load config: %w", err))
	}

	sessions, err := sessionstore.Open(filepath.Join(utils.GetDataPath(), "sessions.json"))
	if err != nil {
		procutil.Fatal(fmt.Errorf("open session store: %w", err))
	}

	locker := spawnlock.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)

	manager := dispatch.NewManager(dispatch.Config{
		Sessions:  sessions,
		SpawnLock: locker,
		Spawn: dispatch.HostSpawnParams{
			AgentCmd:   cfg.Agent.Command,
			AgentArgs:  cfg.Agent.Args,
			WorkingDir: cfg.Agent.WorkingDir,
		},
		SocketDir:      utils.GetSocketDir(),
		PIDDir:         utils.GetRunDir(),
		DialTimeout:    cfg.Gateway.SpawnDial,
		SpawnPollEvery: cfg.Gateway.SpawnPoll,
		SpawnDeadline:  cfg.Gateway.SpawnDeadl,
	})

	registry := push.NewRegistry()
	hub := monitor.NewHub()

	channels, err := adapterconfig.Load(cfg.Channels.DefinitionsFile)
	if err != nil {
		return fmt.Errorf("load channels.yaml: %w", err)
	}
	for _, ch := range channels {
		fmt.Printf("[relaymuxd] configured channel %q (kind=%s)\n", ch.Key, ch.Kind)
	}

	jobs, err := scheduledjobs.LoadJobs(cfg.Channels.JobsFile)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := scheduledjobs.NewScheduler(manager, hub)
	scheduler.Start(ctx, jobs)
	defer scheduler.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", httpadapter.NewServer(manager, registry, hub))
	mux.Handle("/events", hub)

	httpSrv := &http.Server{Addr: cfg.Gateway.HTTPAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "[relaymuxd] http server error: %v\n", err)
		}
	}()
	fmt.Printf("[relaymuxd] listening on %s\n", cfg.Gateway.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	switch sig := <-sigCh; sig {
	case syscall.SIGHUP:
		fmt.Println("[relaymuxd] hangup: disconnecting and re-executing")
		if err := hangup(httpSrv, manager); err != nil {
			removePIDFile()
			return err
		}
		return nil
	case syscall.SIGINT:
		fmt.Println("[relaymuxd] interactive interrupt: shutting down, killing session hosts")
		disconnect(httpSrv, manager, true)
	default: // syscall.SIGTERM
		fmt.Println("[relaymuxd] hot-reload signal: disconnecting from session hosts, leaving them running")
		disconnect(httpSrv, manager, false)
	}
	removePIDFile()
	return nil
}

// disconnect shuts the HTTP listener down and disconnects the Channel
// Manager from every session host it knows about, killing them too
// when kill is true. Shared by the interactive-interrupt and
// hot-reload signal paths, which differ only in that flag.
func disconnect(httpSrv *http.Server, manager *dispatch.Manager, kill bool) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	manager.ShutdownHosts(kill)
}

// hangup implements spec.md §6's hangup signal: disconnect from every
// session host without killing it, close the listening sockets, then
// re-exec this same binary with the same arguments as a detached
// child before this process exits. If the disconnect hasn't finished
// within 5s, the re-exec proceeds anyway rather than hanging forever.
func hangup(httpSrv *http.Server, manager *dispatch.Manager) error {
	done := make(chan struct{})
	go func() {
		disconnect(httpSrv, manager, false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "[relaymuxd] hangup: disconnect did not finish in time, re-executing anyway")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("re-exec: find executable: %w", err)
	}

	child := exec.Command(exe, os.Args[1:]...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("re-exec: start child: %w", err)
	}
	pid := child.Process.Pid
	child.Process.Release()

	if err := writePID(pid); err != nil {
		return fmt.Errorf("re-exec: write PID file: %w", err)
	}
	return nil
}
