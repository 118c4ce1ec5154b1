// Package adapterconfig loads the operator-authored channels.yaml that
// declares statically-known channel adapters (a Telegram bot's token
// and chat allowlist, a webhook's shared secret, and so on). The daemon
// loads the file at start and logs each declared channel; it does not
// start any adapter from these entries.
//
// Grounded on internal/registry/registry.go's LoadAgentSpecs: same
// "os.ReadFile, missing file means empty/optional, yaml.Unmarshal into
// a wrapper struct" shape, generalized from a list of agent specs to a
// list of channel adapter specs.
package adapterconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelSpec describes one statically-configured adapter instance.
type ChannelSpec struct {
	Key    string            `yaml:"key" json:"key"`
	Kind   string            `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

type channelsFile struct {
	Channels []ChannelSpec `yaml:"channels"`
}

// Load reads and parses a channels.yaml file. A missing path is not an
// error: it means no static adapters are configured, and adapters are
// expected to register themselves programmatically at daemon start
// instead.
func Load(path string) ([]ChannelSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read channels.yaml: %w", err)
	}

	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels.yaml: %w", err)
	}
	return f.Channels, nil
}
