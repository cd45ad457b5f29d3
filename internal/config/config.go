// Package config loads the serving node configuration from a YAML file with
// environment overrides (prefix FPS_).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		ListenAddr string `mapstructure:"listen_addr"`
		NodeID     string `mapstructure:"node_id"`
		Region     string `mapstructure:"region"`
		Endpoint   string `mapstructure:"endpoint"`
	} `mapstructure:"server"`

	Queue struct {
		LobbyCapacity     int           `mapstructure:"lobby_capacity"`
		LatencyTolerance  int           `mapstructure:"latency_tolerance_ms"`
		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		OverflowThreshold int           `mapstructure:"overflow_threshold"`
	} `mapstructure:"queue"`

	Mesh struct {
		Secret      string        `mapstructure:"secret"`
		Peers       []string      `mapstructure:"peers"`
		StaleAfter  time.Duration `mapstructure:"stale_after"`
		SyncTimeout time.Duration `mapstructure:"sync_timeout"`
	} `mapstructure:"mesh"`

	Checkpoint struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"checkpoint"`
}

// Load reads the config file at path. A missing file is not an error; the
// defaults describe a standalone node on :8080.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to see it.
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.region", "default")
	v.SetDefault("server.endpoint", "")
	v.SetDefault("queue.lobby_capacity", 4)
	v.SetDefault("queue.latency_tolerance_ms", 100)
	v.SetDefault("queue.heartbeat_timeout", 30*time.Second)
	v.SetDefault("queue.sweep_interval", 10*time.Second)
	v.SetDefault("queue.overflow_threshold", 64)
	v.SetDefault("mesh.secret", "")
	v.SetDefault("mesh.peers", []string{})
	v.SetDefault("mesh.stale_after", 90*time.Second)
	v.SetDefault("mesh.sync_timeout", 2*time.Second)
	v.SetDefault("checkpoint.dir", "")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}
