package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/schedule"
)

const minimalYAML = `
registry:
  token: test-token
fleet:
  ami: ami-0123456789abcdef0
  subnet_id: subnet-1234
  security_group_ids:
    - sg-1234
environments:
  - name: prod
    minimum_running_time_minutes: 5
    boot_grace_minutes: 10
    max_runners_per_owner: 20
    windows:
      - cron: "0 9 * * 1-5"
        timezone: Europe/Berlin
        idle_count: 5
        strategy: oldest_first
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Registry.Token != "test-token" {
		t.Errorf("Registry.Token = %q", cfg.Registry.Token)
	}
	if cfg.Registry.BaseURL != "https://api.github.com" {
		t.Errorf("Registry.BaseURL = %q, want default", cfg.Registry.BaseURL)
	}
	if cfg.ScaleUp.CredentialMode != "jit" {
		t.Errorf("ScaleUp.CredentialMode = %q, want default jit", cfg.ScaleUp.CredentialMode)
	}
	if cfg.ScaleUp.BurstThreshold != 40 {
		t.Errorf("ScaleUp.BurstThreshold = %d, want default 40", cfg.ScaleUp.BurstThreshold)
	}
	if cfg.ScaleDown.CycleInterval != time.Minute {
		t.Errorf("ScaleDown.CycleInterval = %v, want default 1m", cfg.ScaleDown.CycleInterval)
	}
	if cfg.Cache.TTL != 5*time.Second {
		t.Errorf("Cache.TTL = %v, want default 5s", cfg.Cache.TTL)
	}

	env, ok := cfg.Environment("prod")
	if !ok {
		t.Fatal("Environment(prod) not found")
	}
	if env.MaxRunnersPerOwner != 20 {
		t.Errorf("MaxRunnersPerOwner = %d, want 20", env.MaxRunnersPerOwner)
	}
	if len(env.Windows) != 1 || env.Windows[0].IdleCount != 5 {
		t.Errorf("Windows = %+v, want the configured window", env.Windows)
	}
	if env.Windows[0].Strategy != schedule.OldestFirst {
		t.Errorf("Strategy = %q, want oldest_first", env.Windows[0].Strategy)
	}

	if _, ok := cfg.Environment("staging"); ok {
		t.Error("Environment(staging) found, want miss")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() error = nil, want read failure")
	}
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Registry: RegistryConfig{Token: "t", MaxRetries: 3},
		AWS:      AWSConfig{Region: "eu-west-1"},
		Fleet: FleetConfig{
			AMI:              "ami-1",
			SubnetID:         "subnet-1",
			SecurityGroupIDs: []string{"sg-1"},
		},
		ScaleUp: ScaleUpConfig{
			CredentialMode: "jit",
			BurstThreshold: 40,
			BatchSize:      10,
		},
		ScaleDown: ScaleDownConfig{
			CycleInterval: time.Minute,
			OwnerParallel: 4,
		},
		Environments: []EnvironmentConfig{
			{Name: "prod", MaxRunnersPerOwner: -1},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Registry.Token = "" },
			wantErr: "registry.token",
		},
		{
			name:    "missing ami",
			mutate:  func(c *Config) { c.Fleet.AMI = "" },
			wantErr: "fleet.ami",
		},
		{
			name:    "bad credential mode",
			mutate:  func(c *Config) { c.ScaleUp.CredentialMode = "password" },
			wantErr: "credential_mode",
		},
		{
			name:    "batch size out of queue range",
			mutate:  func(c *Config) { c.ScaleUp.BatchSize = 11 },
			wantErr: "batch_size",
		},
		{
			name:    "no environments",
			mutate:  func(c *Config) { c.Environments = nil },
			wantErr: "at least one environment",
		},
		{
			name: "duplicate environment names",
			mutate: func(c *Config) {
				c.Environments = append(c.Environments, EnvironmentConfig{Name: "prod"})
			},
			wantErr: "environments[1]",
		},
		{
			name: "ceiling below unbounded sentinel",
			mutate: func(c *Config) {
				c.Environments[0].MaxRunnersPerOwner = -2
			},
			wantErr: "max_runners_per_owner",
		},
		{
			name: "malformed window names entry and field",
			mutate: func(c *Config) {
				c.Environments[0].Windows = []schedule.Window{
					{Cron: "0 9 * * *", Timezone: "UTC"},
					{Cron: "bogus", Timezone: "UTC"},
				}
			},
			wantErr: `environments[0]: schedule window 1: field "cron"`,
		},
		{
			name: "scale up environment must exist",
			mutate: func(c *Config) {
				c.ScaleUp.Environment = "staging"
			},
			wantErr: "scale_up.environment",
		},
		{
			name: "auth requires api key",
			mutate: func(c *Config) {
				c.Server.EnableAuth = true
			},
			wantErr: "server.api_key",
		},
		{
			name: "leader election renew deadline bound",
			mutate: func(c *Config) {
				c.LeaderElection = LeaderElectionConfig{
					Enabled:       true,
					LockFilePath:  "/tmp/lock",
					LeaseDuration: 5 * time.Second,
					RenewDeadline: 10 * time.Second,
				}
			},
			wantErr: "renew_deadline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
