package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPort is the port CoreMQ listens on when none is configured, and the
// port assumed for cluster_nodes entries given without one.
const DefaultPort = 6747

// Config holds all runtime configuration for the CoreMQ daemons.
type Config struct {
	CoreMQ  CoreMQConfig  `mapstructure:"coremq"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	WS      WSConfig      `mapstructure:"ws"`
}

// CoreMQConfig contains broker network and clustering settings.
type CoreMQConfig struct {
	Address           string `mapstructure:"address"`
	Port              int    `mapstructure:"port"`
	ClusterNodes      string `mapstructure:"cluster_nodes"`
	AllowedReplicants string `mapstructure:"allowed_replicants"`
	AutoReconnect     bool   `mapstructure:"auto_reconnect"`
	ReconnectAttempts int    `mapstructure:"reconnect_attempts"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// WSConfig controls the WebSocket bridge listener. Only the bridge daemon
// reads it; broker addresses come from coremq.cluster_nodes.
type WSConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// Load reads configuration from environment variables and an optional
// coremq.yaml config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("coremq.address", "0.0.0.0")
	v.SetDefault("coremq.port", DefaultPort)
	v.SetDefault("coremq.cluster_nodes", "")
	v.SetDefault("coremq.allowed_replicants", "")
	v.SetDefault("coremq.auto_reconnect", true)
	v.SetDefault("coremq.reconnect_attempts", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9096")

	v.SetDefault("ws.address", "0.0.0.0")
	v.SetDefault("ws.port", 9000)

	v.SetConfigName("coremq")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coremq")
	v.SetEnvPrefix("COREMQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	return cfg, nil
}

// SplitList turns a comma-separated option value into its entries, trimming
// whitespace and dropping empties.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
