package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dayuer/relaymux/internal/sessionhost"
	"github.com/spf13/cobra"
)

// sessionHostCmd is the hidden child command a Channel Manager spawns
// (detached, via internal/dispatch.ProcessSpawner) to run one channel's
// Session Host. It is never meant to be typed by a person; it takes its
// entire configuration as a single JSON argument.
var sessionHostCmd = &cobra.Command{
	Use:    "session-host <config-json>",
	Short:  "internal: run a single channel's session host (do not invoke directly)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sessionhost.ParseConfig(args[0])
		if err != nil {
			return fmt.Errorf("session-host: invalid config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Only terminate ends this process: spec.md §6 requires a session
		// host to explicitly ignore the interactive-interrupt signal,
		// which is the parent daemon's business, not this detached
		// child's.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		host := sessionhost.New(cfg)
		return host.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(sessionHostCmd)
}
