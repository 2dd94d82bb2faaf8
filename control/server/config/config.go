package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yaml"
	StoreFileName  = "fleet.db"
	BoltFileName   = "runs.bolt"
)

type ControllerConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

type ReconcileConfig struct {
	DefaultMaxConnections int  `yaml:"default_max_connections"`
	MarkMissing           bool `yaml:"mark_missing"`
	// InitialSyncDelay is the pause before the first full sync after start.
	InitialSyncDelay time.Duration `yaml:"initial_sync_delay"`
	// StartupWait bounds how long the first sync waits for the controller.
	StartupWait time.Duration `yaml:"startup_wait"`
}

type HealthConfig struct {
	ProbePort    int           `yaml:"probe_port"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Concurrency  int           `yaml:"concurrency"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type AllocatorConfig struct {
	ProbePort       int           `yaml:"probe_port"`
	TestConcurrency int           `yaml:"test_concurrency"`
	UntestedAfter   time.Duration `yaml:"untested_after"`
}

// ScheduleConfig holds cron specs with a leading seconds field.
type ScheduleConfig struct {
	Timezone        string `yaml:"timezone"`
	StatusSync      string `yaml:"status_sync"`
	FullSync        string `yaml:"full_sync"`
	ProtocolSync    string `yaml:"protocol_sync"`
	ConnectionCheck string `yaml:"connection_check"`
	NodeCheck       string `yaml:"node_check"`
	IPCheck         string `yaml:"ip_check"`
}

type Config struct {
	Controller     ControllerConfig `yaml:"controller"`
	StorePath      string           `yaml:"store_path"`
	BoltPath       string           `yaml:"bolt_path"`
	HTTPPort       int              `yaml:"http_port"`
	AutoCertDomain string           `yaml:"autocert_domain"`
	LogLevel       string           `yaml:"log_level"`
	Reconcile      ReconcileConfig  `yaml:"reconcile"`
	Health         HealthConfig     `yaml:"health"`
	Allocator      AllocatorConfig  `yaml:"allocator"`
	Schedule       ScheduleConfig   `yaml:"schedule"`
}

func (c *Config) ReadConfigFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// WriteConfigFile writes c to path, creating the directory if needed. An
// existing file is left untouched.
func (c *Config) WriteConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	logrus.Infof("config file doesn't exist, creating %s", path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) SetDefaults() {
	*c = Config{
		Controller: ControllerConfig{
			URL:      "http://localhost:8080",
			Timeout:  10 * time.Second,
			PageSize: 100,
		},
		StorePath:      filepath.Join(ConfigPath(), StoreFileName),
		BoltPath:       filepath.Join(ConfigPath(), BoltFileName),
		HTTPPort:       8081,
		AutoCertDomain: "",
		LogLevel:       "info",
		Reconcile: ReconcileConfig{
			DefaultMaxConnections: 1000,
			MarkMissing:           false,
			InitialSyncDelay:      30 * time.Second,
			StartupWait:           2 * time.Minute,
		},
		Health: HealthConfig{
			ProbePort:    443,
			ProbeTimeout: 5 * time.Second,
			Concurrency:  8,
			StaleAfter:   time.Hour,
		},
		Allocator: AllocatorConfig{
			ProbePort:       443,
			TestConcurrency: 16,
			UntestedAfter:   24 * time.Hour,
		},
		Schedule: ScheduleConfig{
			Timezone:        "UTC",
			StatusSync:      "0 */2 * * * *",
			FullSync:        "0 */5 * * * *",
			ProtocolSync:    "0 */30 * * * *",
			ConnectionCheck: "30 * * * * *",
			NodeCheck:       "0 */10 * * * *",
			IPCheck:         "0 0 * * * *",
		},
	}
}

type env struct {
	ControllerURL     string        `envconfig:"FLEET_CONTROLLER_URL"`
	ControllerTimeout time.Duration `envconfig:"FLEET_CONTROLLER_TIMEOUT"`
	StorePath         string        `envconfig:"FLEET_STORE_PATH"`
	BoltPath          string        `envconfig:"FLEET_BOLT_PATH"`
	HTTPPort          int           `envconfig:"FLEET_HTTP_PORT"`
	AutoCertDomain    string        `envconfig:"FLEET_AUTOCERT_DOMAIN"`
	LogLevel          string        `envconfig:"FLEET_LOG_LEVEL"`
	MarkMissing       string        `envconfig:"FLEET_RECONCILE_MARK_MISSING"`
	HealthProbePort   int           `envconfig:"FLEET_HEALTH_PROBE_PORT"`
	Timezone          string        `envconfig:"FLEET_SCHEDULE_TIMEZONE"`
}

// ApplyEnv overrides c with any FLEET_* variables that are set.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.InitWithOptions(&e, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if e.ControllerURL != "" {
		c.Controller.URL = e.ControllerURL
	}
	if e.ControllerTimeout > 0 {
		c.Controller.Timeout = e.ControllerTimeout
	}
	if e.StorePath != "" {
		c.StorePath = e.StorePath
	}
	if e.BoltPath != "" {
		c.BoltPath = e.BoltPath
	}
	if e.HTTPPort != 0 {
		c.HTTPPort = e.HTTPPort
	}
	if e.AutoCertDomain != "" {
		c.AutoCertDomain = e.AutoCertDomain
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if e.MarkMissing != "" {
		v, err := strconv.ParseBool(e.MarkMissing)
		if err != nil {
			return fmt.Errorf("FLEET_RECONCILE_MARK_MISSING: %w", err)
		}
		c.Reconcile.MarkMissing = v
	}
	if e.HealthProbePort != 0 {
		c.Health.ProbePort = e.HealthProbePort
	}
	if e.Timezone != "" {
		c.Schedule.Timezone = e.Timezone
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Controller.URL == "" {
		return errors.New("controller url is required")
	}
	if c.StorePath == "" || c.BoltPath == "" {
		return errors.New("store paths are required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule timezone: %w", err)
	}
	return nil
}

func ConfigPath() string {
	return filepath.Join("./", "fleetcore")
}
