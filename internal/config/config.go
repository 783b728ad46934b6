package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/github-aws-runners/runner-fleet/internal/schedule"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Fleet          FleetConfig          `mapstructure:"fleet"`
	Cache          CacheConfig          `mapstructure:"cache"`
	ScaleUp        ScaleUpConfig        `mapstructure:"scale_up"`
	ScaleDown      ScaleDownConfig      `mapstructure:"scale_down"`
	Environments   []EnvironmentConfig  `mapstructure:"environments"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Journal        JournalConfig        `mapstructure:"journal"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type RegistryConfig struct {
	Token          string        `mapstructure:"token"`
	BaseURL        string        `mapstructure:"base_url"`
	RunnerGroupID  int64         `mapstructure:"runner_group_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type AWSConfig struct {
	Region             string `mapstructure:"region"`
	CounterTable       string `mapstructure:"counter_table"`
	JobQueueURL        string `mapstructure:"job_queue_url"`
	RetryCheckQueueURL string `mapstructure:"retry_check_queue_url"`
	ParameterPrefix    string `mapstructure:"parameter_prefix"`
}

type FleetConfig struct {
	InstanceType       string            `mapstructure:"instance_type"`
	AMI                string            `mapstructure:"ami"`
	SubnetID           string            `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	UseSpot            bool              `mapstructure:"use_spot"`
	VolumeSize         int32             `mapstructure:"volume_size"`
	VolumeType         string            `mapstructure:"volume_type"`
	Tags               map[string]string `mapstructure:"tags"`
}

type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type ScaleUpConfig struct {
	Environment    string        `mapstructure:"environment"`
	CredentialMode string        `mapstructure:"credential_mode"` // jit or token
	RunnerLabels   []string      `mapstructure:"runner_labels"`
	CheckJobQueued bool          `mapstructure:"check_job_queued"`
	BurstThreshold int           `mapstructure:"burst_threshold"`
	BurstDelay     time.Duration `mapstructure:"burst_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
}

type ScaleDownConfig struct {
	CycleInterval   time.Duration `mapstructure:"cycle_interval"`
	OwnerParallel   int           `mapstructure:"owner_parallel"`
	RegistryTimeout time.Duration `mapstructure:"registry_timeout"`
}

// EnvironmentConfig is re-read every cycle; caching it across cycles would
// misapply schedule policy.
type EnvironmentConfig struct {
	Name                      string            `mapstructure:"name"`
	Windows                   []schedule.Window `mapstructure:"windows"`
	MinimumRunningTimeMinutes int               `mapstructure:"minimum_running_time_minutes"`
	BootGraceMinutes          int               `mapstructure:"boot_grace_minutes"`
	// MaxRunnersPerOwner of -1 means unbounded: admission skips the
	// count lookup entirely.
	MaxRunnersPerOwner int `mapstructure:"max_runners_per_owner"`
	StandbyTarget      int `mapstructure:"standby_target"`
	StandbyIdleMinutes int `mapstructure:"standby_idle_minutes"`
	MaxStandbyAgeHours int `mapstructure:"max_standby_age_hours"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type JournalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and an optional
// config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)

	v.SetDefault("registry.base_url", "https://api.github.com")
	v.SetDefault("registry.request_timeout", 30*time.Second)
	v.SetDefault("registry.max_retries", 3)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.parameter_prefix", "/runner-fleet")

	v.SetDefault("fleet.instance_type", "m5.large")
	v.SetDefault("fleet.use_spot", true)
	v.SetDefault("fleet.volume_size", 30)
	v.SetDefault("fleet.volume_type", "gp3")

	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("cache.stale_after", 10*time.Minute)

	v.SetDefault("scale_up.credential_mode", "jit")
	v.SetDefault("scale_up.check_job_queued", true)
	v.SetDefault("scale_up.burst_threshold", 40)
	v.SetDefault("scale_up.burst_delay", 100*time.Millisecond)
	v.SetDefault("scale_up.poll_interval", 5*time.Second)
	v.SetDefault("scale_up.batch_size", 10)

	v.SetDefault("scale_down.cycle_interval", time.Minute)
	v.SetDefault("scale_down.owner_parallel", 4)
	v.SetDefault("scale_down.registry_timeout", 10*time.Second)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/fleetd-leader.lock")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "/tmp/fleetd-events.json")
	v.SetDefault("journal.max_events", 1000)

	v.SetDefault("log_level", "info")
}

func (c *Config) Validate() error {
	if c.Registry.Token == "" {
		return fmt.Errorf("registry.token is required")
	}
	if c.Registry.MaxRetries < 0 {
		return fmt.Errorf("registry.max_retries must be >= 0")
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required")
	}

	if c.Fleet.AMI == "" {
		return fmt.Errorf("fleet.ami is required")
	}
	if c.Fleet.SubnetID == "" {
		return fmt.Errorf("fleet.subnet_id is required")
	}
	if len(c.Fleet.SecurityGroupIDs) == 0 {
		return fmt.Errorf("fleet.security_group_ids is required")
	}

	if c.ScaleUp.CredentialMode != "jit" && c.ScaleUp.CredentialMode != "token" {
		return fmt.Errorf("scale_up.credential_mode must be either 'jit' or 'token'")
	}
	if c.ScaleUp.BurstThreshold < 1 {
		return fmt.Errorf("scale_up.burst_threshold must be >= 1")
	}
	if c.ScaleUp.BatchSize < 1 || c.ScaleUp.BatchSize > 10 {
		return fmt.Errorf("scale_up.batch_size must be between 1 and 10")
	}

	if c.ScaleDown.CycleInterval <= 0 {
		return fmt.Errorf("scale_down.cycle_interval must be > 0")
	}
	if c.ScaleDown.OwnerParallel < 1 {
		return fmt.Errorf("scale_down.owner_parallel must be >= 1")
	}

	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment is required")
	}
	seen := make(map[string]bool)
	for i, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("environments[%d].name is required", i)
		}
		if seen[env.Name] {
			return fmt.Errorf("environments[%d].name %q is duplicated", i, env.Name)
		}
		seen[env.Name] = true
		if env.MinimumRunningTimeMinutes < 0 {
			return fmt.Errorf("environments[%d].minimum_running_time_minutes must be >= 0", i)
		}
		if env.BootGraceMinutes < 0 {
			return fmt.Errorf("environments[%d].boot_grace_minutes must be >= 0", i)
		}
		if env.MaxRunnersPerOwner < -1 {
			return fmt.Errorf("environments[%d].max_runners_per_owner must be >= -1", i)
		}
		if env.StandbyTarget < 0 {
			return fmt.Errorf("environments[%d].standby_target must be >= 0", i)
		}
		if err := schedule.Validate(env.Windows); err != nil {
			return fmt.Errorf("environments[%d]: %w", i, err)
		}
	}

	if c.ScaleUp.Environment != "" && !seen[c.ScaleUp.Environment] {
		return fmt.Errorf("scale_up.environment %q does not match any environment", c.ScaleUp.Environment)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}

// Environment returns the named environment config.
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	for _, env := range c.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}
