// Package config defines the relaymux daemon's on-disk configuration.
package config

import "time"

// Config is the top-level daemon configuration, loaded from
// ~/.relaymux/config.json.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Gateway  GatewayConfig  `json:"gateway"`
	Redis    RedisConfig    `json:"redis"`
	Channels ChannelsConfig `json:"channels"`
}

// AgentConfig describes how to spawn the external conversational-agent
// binary that every session host owns.
type AgentConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	// WorkingDir is the directory each agent subprocess is started in;
	// if empty, the daemon's data directory is used.
	WorkingDir string `json:"workingDir"`
}

// GatewayConfig configures the reference HTTP adapter and monitor feed,
// plus the Channel Manager's session-host connection timing.
type GatewayConfig struct {
	HTTPAddr string `json:"httpAddr"`
	// SpawnDial bounds a single dial attempt against a session host's
	// socket. Zero means internal/dispatch's own default (3s).
	SpawnDial time.Duration `json:"spawnDial,omitempty"`
	// SpawnPoll is the interval between dial retries while waiting for
	// a freshly spawned session host to come up. Zero means
	// internal/dispatch's own default (200ms).
	SpawnPoll time.Duration `json:"spawnPoll,omitempty"`
	// SpawnDeadl bounds the whole spawn-then-wait sequence before
	// giving up with ErrSpawnTimeout. Zero means internal/dispatch's
	// own default (10s).
	SpawnDeadl time.Duration `json:"spawnDeadl,omitempty"`
}

// RedisConfig is optional. When URL is empty, spawnlock and any other
// Redis-backed component fall back to in-process behavior.
type RedisConfig struct {
	URL      string `json:"url"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChannelsConfig points at the optional operator-authored channels.yaml
// describing statically-known adapters. Empty means "no static adapters,
// rely on adapters registering themselves at daemon start."
type ChannelsConfig struct {
	DefinitionsFile string `json:"definitionsFile"`
	// JobsFile names a directory, not a single file: every *.yaml/*.yml
	// file in it is read as a list of scheduled jobs (see
	// scheduledjobs.LoadJobs). Empty means no scheduled jobs.
	JobsFile string `json:"jobsFile"`
}

// DefaultConfig returns sensible defaults, mirroring the teacher's
// DefaultConfig() convention of a fully populated, zero-config-required
// struct.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Command: "agent",
			Args:    nil,
		},
		Gateway: GatewayConfig{
			HTTPAddr: "127.0.0.1:18790",
		},
		Redis: RedisConfig{},
		Channels: ChannelsConfig{
			DefinitionsFile: "",
			JobsFile:        "",
		},
	}
}
