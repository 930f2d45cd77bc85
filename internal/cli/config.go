package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/catalog"
	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/internal/farming"
	"github.com/ChuLiYu/cardfarm/pkg/types"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/farm.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	OwnerID string `yaml:"owner_id"`

	Catalog struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Fixture string        `yaml:"fixture"` // YAML fixture; takes precedence over base_url
	} `yaml:"catalog"`

	Executor struct {
		HelperPath   string        `yaml:"helper_path"` // empty: in-process handles
		HelperArgs   []string      `yaml:"helper_args"`
		StartupGrace time.Duration `yaml:"startup_grace"`
	} `yaml:"executor"`

	Farming struct {
		MaxConcurrency   int           `yaml:"max_concurrency"`
		MandatoryWaiting time.Duration `yaml:"mandatory_waiting"`
		WaitWhileRunning time.Duration `yaml:"wait_while_running"`
		WaitForDrops     time.Duration `yaml:"wait_for_drops"`
		ReverseSorting   bool          `yaml:"reverse_sorting"`
		Target           int           `yaml:"target"`
		Tick             time.Duration `yaml:"tick"`
		SummaryInterval  time.Duration `yaml:"summary_interval"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		ClientRetryDelay time.Duration `yaml:"client_retry_delay"`
		BusyRetryDelay   time.Duration `yaml:"busy_retry_delay"`
	} `yaml:"farming"`

	Snapshot struct {
		Path string `yaml:"path"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Catalog.Timeout = 10 * time.Second
	cfg.Executor.StartupGrace = 2 * time.Second

	d := farming.DefaultConfig()
	cfg.Farming.MaxConcurrency = d.MaxConcurrency
	cfg.Farming.MandatoryWaiting = d.MandatoryWaiting
	cfg.Farming.WaitWhileRunning = d.WaitWhileRunning
	cfg.Farming.WaitForDrops = d.WaitForDrops
	cfg.Farming.Tick = d.Tick
	cfg.Farming.SummaryInterval = d.SummaryInterval
	cfg.Farming.RetryDelay = d.RetryDelay
	cfg.Farming.ClientRetryDelay = d.ClientRetryDelay
	cfg.Farming.BusyRetryDelay = d.BusyRetryDelay

	cfg.Snapshot.Path = "data/farm-pass.json"
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 9091
	return &cfg
}

// loadConfig reads path over the defaults. A missing file at the default
// path is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

func (c *Config) farmingConfig() farming.Config {
	return farming.Config{
		MaxConcurrency:   c.Farming.MaxConcurrency,
		MandatoryWaiting: c.Farming.MandatoryWaiting,
		WaitWhileRunning: c.Farming.WaitWhileRunning,
		WaitForDrops:     c.Farming.WaitForDrops,
		ReverseSorting:   c.Farming.ReverseSorting,
		TargetFilter:     types.TargetID(c.Farming.Target),
		Tick:             c.Farming.Tick,
		SummaryInterval:  c.Farming.SummaryInterval,
		RetryDelay:       c.Farming.RetryDelay,
		ClientRetryDelay: c.Farming.ClientRetryDelay,
		BusyRetryDelay:   c.Farming.BusyRetryDelay,
	}
}

func (c *Config) executorOptions() executor.Options {
	return executor.Options{
		HelperPath:   c.Executor.HelperPath,
		HelperArgs:   c.Executor.HelperArgs,
		StartupGrace: c.Executor.StartupGrace,
	}
}

// newCatalog picks the fixture catalog when one is configured, the HTTP
// catalog otherwise.
func (c *Config) newCatalog() (catalog.Client, error) {
	switch {
	case c.Catalog.Fixture != "":
		static, err := catalog.LoadStatic(c.Catalog.Fixture)
		if err != nil {
			return nil, err
		}
		return static, nil
	case c.Catalog.BaseURL != "":
		return catalog.NewHTTPClient(c.Catalog.BaseURL, c.Catalog.Timeout), nil
	default:
		return nil, errors.New("no catalog configured (set catalog.fixture or catalog.base_url)")
	}
}
