package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dayuer/relaymux/internal/config"
	"github.com/spf13/cobra"
)

var pushAddr string

var pushCmd = &cobra.Command{
	Use:   "push <channel> <text>",
	Short: "Send a push message to a channel via the running daemon's Push Registry",
	Long: `push delivers text to a channel through the Push Registry, bypassing any
agent session entirely — the same POST /push/{channel} call an operator
dashboard or alerting integration would make.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, text := args[0], args[1]

		addr := pushAddr
		if addr == "" {
			cfg, err := config.Load(config.GetConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			addr = cfg.Gateway.HTTPAddr
		}

		body, _ := json.Marshal(map[string]string{"text": text})
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(fmt.Sprintf("http://%s/push/%s", addr, channel), "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("push request failed (is relaymuxd running?): %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Delivered bool `json:"delivered"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("unexpected response: %s", data)
		}

		if !out.Delivered {
			return fmt.Errorf("no push handler registered for channel %q", channel)
		}
		fmt.Printf("pushed to %q\n", channel)
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushAddr, "addr", "", "relaymuxd HTTP address (default from config.json)")
	rootCmd.AddCommand(pushCmd)
}
