package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcpanel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.Path != "./data/tcpanel.db" {
		t.Errorf("storage.path = %q, want ./data/tcpanel.db", cfg.Storage.Path)
	}
	if cfg.Storage.Memgraph.Enabled {
		t.Error("memgraph should be disabled by default")
	}
	if cfg.Inventory.CacheTTL != 30*time.Second {
		t.Errorf("inventory.cache_ttl = %s", cfg.Inventory.CacheTTL)
	}
	if cfg.Execution.Connection != "ssh" || cfg.Execution.RemoteUser != "root" || cfg.Execution.Port != 22 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Execution.ConnectTimeout != 10*time.Second {
		t.Errorf("execution.connect_timeout = %s", cfg.Execution.ConnectTimeout)
	}
	if cfg.Deploy.Forks != 100 || cfg.Deploy.Timeout != 5*time.Minute {
		t.Errorf("deploy = %+v", cfg.Deploy)
	}
	if !cfg.Gather.Enabled || cfg.Gather.Schedule != "@hourly" {
		t.Errorf("gather = %+v", cfg.Gather)
	}
	if cfg.Topology.MapPath != "/etc/hadoop/conf/topology.map" {
		t.Errorf("topology.map_path = %q", cfg.Topology.MapPath)
	}
	if cfg.Server.Listen != ":8080" || cfg.Server.ReadOnly {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
inventory:
  path: /srv/inventory.ini
  cache_ttl: 2m
execution:
  remote_user: deploy
  become: true
  private_key_file: /keys/id_ed25519
deploy:
  forks: 8
  timeout: 90s
  admins: [root, ops]
topology:
  push: true
server:
  read_only: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Inventory.Path != "/srv/inventory.ini" || cfg.Inventory.CacheTTL != 2*time.Minute {
		t.Errorf("inventory = %+v", cfg.Inventory)
	}
	if cfg.Execution.RemoteUser != "deploy" || !cfg.Execution.Become || cfg.Execution.BecomeMethod != "sudo" {
		t.Errorf("execution = %+v", cfg.Execution)
	}

	opts := cfg.DeployOptions()
	if opts.Forks != 8 || opts.Execution.Forks != 8 || opts.Timeout != 90*time.Second {
		t.Errorf("deploy options = %+v", opts)
	}
	if len(opts.Admins) != 2 || !opts.TopologyPush || opts.TopologyMapPath == "" {
		t.Errorf("deploy options = %+v", opts)
	}
	if !cfg.Server.ReadOnly {
		t.Error("server.read_only not read")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TCPANEL_DEPLOY_FORKS", "4")
	t.Setenv("TCPANEL_SECRET_TOKEN", "my-secret-token")

	cfg, err := Load(writeConfig(t, "server:\n  api_token: ${TCPANEL_SECRET_TOKEN}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Deploy.Forks != 4 {
		t.Errorf("deploy.forks = %d, want 4 from environment", cfg.Deploy.Forks)
	}
	if cfg.Server.APIToken != "my-secret-token" {
		t.Errorf("api_token = %q, want expanded", cfg.Server.APIToken)
	}
}

func TestEnvExpansion_WebhookHeaders(t *testing.T) {
	t.Setenv("TCPANEL_WEBHOOK_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, `
alerts:
  webhook:
    enabled: true
    url: http://hooks.local/tc
    headers:
      X-API-Key: ${TCPANEL_WEBHOOK_KEY}
      Static: value
`))
	if err != nil {
		t.Fatal(err)
	}
	// viper lowercases map keys.
	if got := cfg.Alerts.Webhook.Headers["x-api-key"]; got != "secret-key" {
		t.Errorf("X-API-Key = %q, want secret-key", got)
	}
	if got := cfg.Alerts.Webhook.Headers["static"]; got != "value" {
		t.Errorf("Static = %q, want value", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad connection", "execution:\n  connection: winrm\n"},
		{"zero forks", "deploy:\n  forks: 0\n"},
		{"webhook without url", "alerts:\n  webhook:\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}
