package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relaymuxd",
	Short: "relaymuxd — multiplexes channels onto persistent agent sessions",
	Long:  "relaymuxd is a local daemon that fans HTTP, chat-bot, and scheduled-job traffic into per-channel, persistent agent sessions.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
