package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the unified service configuration loaded from config.yaml.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	// DataDir holds sessions, per-session work directories, and the
	// printer registry file.
	DataDir string `yaml:"data_dir"`

	Slicer struct {
		URL        string `yaml:"url"`
		MaxRetries int    `yaml:"max_retries"`
		// RetryDelaySeconds is a pointer so an explicit 0 (retry
		// immediately) is distinguishable from an absent key.
		RetryDelaySeconds    *int `yaml:"retry_delay_seconds"`
		RotateTimeoutSeconds int  `yaml:"rotate_timeout_seconds"`
		SliceTimeoutSeconds  int  `yaml:"slice_timeout_seconds"`
	} `yaml:"slicer"`

	Rotation struct {
		WorkerPoolSize int `yaml:"worker_pool_size"`
	} `yaml:"rotation"`

	Fleet struct {
		PrintersFile          string `yaml:"printers_file"`
		UpdateIntervalSeconds int    `yaml:"update_interval_seconds"`
	} `yaml:"fleet"`

	MQTT struct {
		Broker        string `yaml:"broker"`
		ClientID      string `yaml:"client_id"`
		Username      string `yaml:"username"`
		Password      string `yaml:"password"`
		PublishPrefix string `yaml:"publish_prefix"`
	} `yaml:"mqtt"`
}

// LoadConfig loads the service configuration from a YAML file, applies
// defaults and environment overrides, and validates required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	// Validate required fields
	if config.Slicer.URL == "" {
		return nil, fmt.Errorf("slicer.url is required")
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port %d out of range", config.Server.Port)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Fleet.PrintersFile == "" {
		c.Fleet.PrintersFile = filepath.Join(c.DataDir, "printers.json")
	}
	if c.Fleet.UpdateIntervalSeconds == 0 {
		c.Fleet.UpdateIntervalSeconds = 5
	}
	if c.Rotation.WorkerPoolSize == 0 {
		c.Rotation.WorkerPoolSize = 3
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "kybercore"
	}
}

// applyEnvOverrides lets deployments tune the rotation pipeline without
// editing config.yaml.
func (c *Config) applyEnvOverrides() {
	if v, ok := envInt("ROTATION_WORKER_POOL_SIZE"); ok && v > 0 {
		c.Rotation.WorkerPoolSize = v
	}
	if v, ok := envInt("ROTATION_MAX_RETRIES"); ok && v > 0 {
		c.Slicer.MaxRetries = v
	}
	// 0 is a valid delay: retry immediately.
	if v, ok := envInt("ROTATION_RETRY_DELAY"); ok && v >= 0 {
		c.Slicer.RetryDelaySeconds = &v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", key, raw, err)
		return 0, false
	}
	return v, true
}
