// Package config handles loading and validating the mssqlease configuration
// file: pool sizing, the optional Redis coordinator, the metrics and health
// listeners, and named connections.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/mssql-ease/internal/coordinator"
	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/pool"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

// ServerConfig holds the listeners of the serve command.
type ServerConfig struct {
	MetricsPort         int           `yaml:"metrics_port"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

// Config is the root configuration structure.
type Config struct {
	Pool        pool.Options        `yaml:"pool"`
	Coordinator coordinator.Options `yaml:"coordinator"`
	Server      ServerConfig        `yaml:"server"`

	// Connections maps a name to an mssql:// connection URL.
	Connections map[string]string `yaml:"connections"`

	parsed map[string]connstr.Config
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Pool:        pool.DefaultOptions(),
		Coordinator: coordinator.DefaultOptions(),
		Server: ServerConfig{
			MetricsPort:         9090,
			HealthCheckPort:     8080,
			HealthCheckInterval: 15 * time.Second,
			DrainTimeout:        30 * time.Second,
		},
		parsed: map[string]connstr.Config{},
	}
}

// Load reads and parses the configuration file at path. Environment
// variables referenced as $VAR or ${VAR} are expanded first, so secrets can
// stay out of the file. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errs.New(errs.KindConfig, "load", fmt.Errorf("parsing config %s: %w", path, err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks every section and parses the named connections.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	for name, port := range map[string]int{
		"server.metrics_port":      c.Server.MetricsPort,
		"server.health_check_port": c.Server.HealthCheckPort,
	} {
		if port < 0 || port > 65535 {
			return errs.Config("%s must be between 0 and 65535, got %d", name, port)
		}
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HealthCheckPort {
		return errs.Config("server.metrics_port and server.health_check_port must differ")
	}

	parsed := make(map[string]connstr.Config, len(c.Connections))
	for name, url := range c.Connections {
		if name == "" {
			return errs.Config("connection names must not be empty")
		}
		cc, err := connstr.Parse(url)
		if err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}
		parsed[name] = cc
	}
	c.parsed = parsed
	return nil
}

// Connection returns the parsed configuration of a named connection.
func (c *Config) Connection(name string) (connstr.Config, bool) {
	cc, ok := c.parsed[name]
	return cc, ok
}

// ConnectionNames returns the configured connection names, sorted.
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.parsed))
	for name := range c.parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
