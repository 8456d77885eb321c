package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dev server's configuration surface. Every knob maps onto a
// handler option; the core consumes these values, it never produces them.
type Config struct {
	Addr         string        `yaml:"addr"`
	Pretty       bool          `yaml:"pretty"`
	AllowGET     bool          `yaml:"allow_get"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Multipart    bool          `yaml:"multipart"`
	CORSOrigins  []string      `yaml:"cors_origins"`

	ConnectionInitWaitTimeout time.Duration `yaml:"connection_init_wait_timeout"`
	KeepAliveInterval         time.Duration `yaml:"keep_alive_interval"`

	AsyncBatch       bool `yaml:"async_batch"`
	BatchConcurrency int  `yaml:"batch_concurrency"`

	MetricsPath string `yaml:"metrics_path"`

	Otel struct {
		Endpoint string `yaml:"endpoint"`
		Service  string `yaml:"service"`
	} `yaml:"otel"`
}

// DefaultConfig returns the values used when no config file is given.
func DefaultConfig() Config {
	cfg := Config{
		Addr:        ":8080",
		Timeout:     10 * time.Second,
		MetricsPath: "/metrics",

		ConnectionInitWaitTimeout: time.Minute,
		KeepAliveInterval:         12 * time.Second,
	}
	cfg.Otel.Service = "graphserve"
	return cfg
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
