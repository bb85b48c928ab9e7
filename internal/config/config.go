package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	SignalingURL   string        `mapstructure:"signaling_url"`
	Domain         string        `mapstructure:"domain"`
	AllocateURL    string        `mapstructure:"allocate_url"`
	RoutingID      string        `mapstructure:"routing_id"`
	IrisToken      string        `mapstructure:"iris_token"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxPingMisses  int           `mapstructure:"max_ping_misses"`
	PresenceAlive  time.Duration `mapstructure:"presence_alive"`
	MonitorTick    time.Duration `mapstructure:"monitor_tick"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	StatsInterval  time.Duration `mapstructure:"stats_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("signaling_url", "wss://localhost:5280/xmpp-websocket")
	v.SetDefault("domain", "localhost")
	v.SetDefault("allocate_url", "https://localhost:8443")
	v.SetDefault("ping_interval", "15s")
	v.SetDefault("max_ping_misses", 2)
	v.SetDefault("presence_alive", "10s")
	v.SetDefault("monitor_tick", "10s")
	v.SetDefault("stale_threshold", "30s")
	v.SetDefault("stats_interval", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
