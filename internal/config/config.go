package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when PATCHSILENCE_CONFIG is not set.
const DefaultPath = "/etc/patchsilence/config.yaml"

var validate = validator.New()

// Duration is a time.Duration that unmarshals from YAML strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"45m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type SchedulerConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Token   string `yaml:"token"`
	// TaskPath is the fixed collection path patch tasks are listed under.
	TaskPath string `yaml:"task_path" validate:"required"`
}

type GroupsConfig struct {
	BaseURL   string `yaml:"base_url" validate:"required,url"`
	Token     string `yaml:"token"`
	Delimiter string `yaml:"delimiter"`
	// Mappings translates a task description to the machine group it patches.
	Mappings map[string]string `yaml:"mappings"`
}

type VirtConfig struct {
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type MonitoringConfig struct {
	BaseURL  string `yaml:"base_url" validate:"required,url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url"`
	Path        string `yaml:"path"`
}

type RunConfig struct {
	Horizon      Duration `yaml:"horizon"`
	WindowLength Duration `yaml:"window_length"`
	// Interval > 0 runs the reconciler as a daemon on a ticker; 0 means
	// one run per invocation.
	Interval Duration `yaml:"interval"`
	LockTTL  Duration `yaml:"lock_ttl"`
	Jitter   Duration `yaml:"jitter"`
}

type TimeoutsConfig struct {
	// External bounds every call to a collaborator (scheduler, directory,
	// virtualization API, DNS, monitoring platform, datastore).
	External Duration `yaml:"external"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Sink is "stdout" or a file path.
	Sink string `yaml:"sink"`
}

type MetricsConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Groups     GroupsConfig     `yaml:"groups"`
	Virt       VirtConfig       `yaml:"virt"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Store      StoreConfig      `yaml:"store"`
	Run        RunConfig        `yaml:"run"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Load reads the YAML config file (path from PATCHSILENCE_CONFIG, falling
// back to DefaultPath) and applies defaults and environment overrides. A
// missing file is not an error; defaults and environment still apply.
func Load() (*Config, error) {
	return LoadFile(getEnv("PATCHSILENCE_CONFIG", DefaultPath))
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Groups.Delimiter == "" {
		c.Groups.Delimiter = ":"
	}
	if c.Run.Horizon == 0 {
		c.Run.Horizon = Duration(24 * time.Hour)
	}
	if c.Run.WindowLength == 0 {
		c.Run.WindowLength = Duration(45 * time.Minute)
	}
	if c.Run.LockTTL == 0 {
		c.Run.LockTTL = Duration(time.Hour)
	}
	if c.Run.Jitter == 0 {
		c.Run.Jitter = Duration(30 * time.Second)
	}
	if c.Timeouts.External == 0 {
		c.Timeouts.External = Duration(30 * time.Second)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Sink == "" {
		c.Log.Sink = "stdout"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9184"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "patchsilence"
	}
}

func (c *Config) applyEnv() {
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Scheduler.Token = getEnv("SCHEDULER_TOKEN", c.Scheduler.Token)
	c.Groups.Token = getEnv("GROUPS_TOKEN", c.Groups.Token)
	c.Virt.Password = getEnv("VIRT_PASSWORD", c.Virt.Password)
	c.Monitoring.Password = getEnv("MONITORING_PASSWORD", c.Monitoring.Password)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate checks the loaded configuration before any collaborator is
// dialed. Validation failures are the only errors escalated to a non-zero
// exit before a run starts.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	}

	if c.Run.Horizon <= 0 {
		return fmt.Errorf("run.horizon must be positive")
	}
	if c.Run.WindowLength <= 0 {
		return fmt.Errorf("run.window_length must be positive")
	}
	if c.Run.Interval < 0 {
		return fmt.Errorf("run.interval must not be negative")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
