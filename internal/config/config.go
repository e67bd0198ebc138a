// Package config loads the evaluation server's process-wide YAML
// configuration: nested structs with yaml tags, loaded once at start-up.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CNITV/cms/pkg/types"
)

// Config is the complete evaluation server configuration.
type Config struct {
	EvaluationServer struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"evaluation_server"`

	Workers []struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"workers"`

	WorkerTimeout          time.Duration `yaml:"worker_timeout"`
	WorkerTimeoutCheckTime time.Duration `yaml:"worker_timeout_check_time"`

	Retry struct {
		MaxCompilationTentatives int `yaml:"max_compilation_tentatives"`
		MaxEvaluationTentatives  int `yaml:"max_evaluation_tentatives"`
	} `yaml:"retry"`

	Store struct {
		DSN string `yaml:"dsn"`
	} `yaml:"store"`

	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// WorkerAddresses returns the configured workers as Address values, indexed
// by position (worker id = index into the list).
func (c *Config) WorkerAddresses() []types.Address {
	addrs := make([]types.Address, len(c.Workers))
	for i, w := range c.Workers {
		addrs[i] = types.Address{Host: w.Host, Port: w.Port}
	}
	return addrs
}

// BindAddress is the evaluation server's own listen address.
func (c *Config) BindAddress() string {
	return fmt.Sprintf("%s:%d", c.EvaluationServer.Host, c.EvaluationServer.Port)
}
