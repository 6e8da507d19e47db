// Package config loads tcpanel's configuration from a YAML file and
// TCPANEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/matijazezelj/tcpanel/internal/deploy"
	"github.com/matijazezelj/tcpanel/internal/executor"
)

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	// Execution holds the connection defaults shared by deployments and
	// fact gathering. Inventory variables override them per host.
	Execution executor.Params `mapstructure:"execution"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Gather    GatherConfig    `mapstructure:"gather"`
	Topology  TopologyConfig  `mapstructure:"topology"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Server    ServerConfig    `mapstructure:"server"`
}

type StorageConfig struct {
	Path     string         `mapstructure:"path"`
	Memgraph MemgraphConfig `mapstructure:"memgraph"`
}

type MemgraphConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type InventoryConfig struct {
	Path     string        `mapstructure:"path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type DeployConfig struct {
	Forks   int           `mapstructure:"forks"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Admins receive a notification whenever a command writes to stderr.
	Admins []string `mapstructure:"admins"`
}

type GatherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type TopologyConfig struct {
	Push    bool   `mapstructure:"push"`
	MapPath string `mapstructure:"map_path"`
}

type AlertsConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	Stdout  StdoutConfig  `mapstructure:"stdout"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type StdoutConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	ReadOnly bool   `mapstructure:"read_only"`
	APIToken string `mapstructure:"api_token"`
	// RateLimit is the sustained requests per second allowed per client IP.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "./data/tcpanel.db")
	v.SetDefault("storage.memgraph.enabled", false)
	v.SetDefault("storage.memgraph.uri", "bolt://localhost:7687")
	v.SetDefault("inventory.path", "/etc/ansible/hosts")
	v.SetDefault("inventory.cache_ttl", "30s")
	v.SetDefault("execution.connection", "ssh")
	v.SetDefault("execution.remote_user", "root")
	v.SetDefault("execution.port", 22)
	v.SetDefault("execution.become_method", "sudo")
	v.SetDefault("execution.check", false)
	v.SetDefault("execution.connect_timeout", "10s")
	v.SetDefault("deploy.forks", deploy.DefaultForks)
	v.SetDefault("deploy.timeout", deploy.DefaultTimeout.String())
	v.SetDefault("gather.enabled", true)
	v.SetDefault("gather.schedule", "@hourly")
	v.SetDefault("topology.push", false)
	v.SetDefault("topology.map_path", "/etc/hadoop/conf/topology.map")
	v.SetDefault("alerts.stdout.enabled", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.rate_burst", 20)
}

// Load reads the configuration from file and environment variables. With
// an empty cfgFile, tcpanel.yaml is looked up in . and ~/.tcpanel and may be
// absent.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".tcpanel"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("tcpanel")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TCPANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv resolves ${VAR} references in secrets.
func (c *Config) expandEnv() {
	c.Server.APIToken = os.ExpandEnv(c.Server.APIToken)
	c.Storage.Memgraph.Password = os.ExpandEnv(c.Storage.Memgraph.Password)
	c.Execution.Password = os.ExpandEnv(c.Execution.Password)
	for k, val := range c.Alerts.Webhook.Headers {
		c.Alerts.Webhook.Headers[k] = os.ExpandEnv(val)
	}
}

// Validate checks values that would only fail later at dispatch time.
func (c *Config) Validate() error {
	switch c.Execution.Connection {
	case "", "ssh", "paramiko", "smart", "local":
	default:
		return fmt.Errorf("execution.connection: unsupported value %q", c.Execution.Connection)
	}
	if c.Deploy.Forks < 1 {
		return fmt.Errorf("deploy.forks must be at least 1, got %d", c.Deploy.Forks)
	}
	if c.Deploy.Timeout <= 0 {
		return fmt.Errorf("deploy.timeout must be positive, got %s", c.Deploy.Timeout)
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return errors.New("alerts.webhook.url is required when the webhook is enabled")
	}
	return nil
}

// DeployOptions builds orchestrator options from the configuration.
func (c *Config) DeployOptions() deploy.Options {
	exec := c.Execution
	exec.Forks = c.Deploy.Forks
	return deploy.Options{
		Forks:           c.Deploy.Forks,
		Timeout:         c.Deploy.Timeout,
		Admins:          c.Deploy.Admins,
		Execution:       exec,
		TopologyPush:    c.Topology.Push,
		TopologyMapPath: c.Topology.MapPath,
	}
}
