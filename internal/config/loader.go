package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the orchestrator.
// Zero values mean "unspecified" and will be replaced by defaults in Normalize.
type Config struct {
	OutputDir       string  `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	WorkingDir      string  `json:"working_dir" yaml:"working_dir" toml:"working_dir"`
	TrainerBin      string  `json:"trainer_bin" yaml:"trainer_bin" toml:"trainer_bin"`
	SessionName     string  `json:"session_name" yaml:"session_name" toml:"session_name"`
	HeadroomFrac    float64 `json:"gpu_headroom_fraction" yaml:"gpu_headroom_fraction" toml:"gpu_headroom_fraction"`
	MinMemoryMB     int     `json:"gpu_min_memory_mb" yaml:"gpu_min_memory_mb" toml:"gpu_min_memory_mb"`
	JobTimeoutSec   int     `json:"job_timeout_sec" yaml:"job_timeout_sec" toml:"job_timeout_sec"`
	GraceTimeoutSec int     `json:"grace_timeout_sec" yaml:"grace_timeout_sec" toml:"grace_timeout_sec"`
	StatusAddr      string  `json:"status_addr" yaml:"status_addr" toml:"status_addr"`
	LogLevel        string  `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Defaults applied by Normalize when the corresponding field is unset.
const (
	DefaultOutputDir    = "output"
	DefaultHeadroomFrac = 0.10
	DefaultMinMemoryMB  = 1024
	DefaultGraceTimeout = 10 * time.Second
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills defaults for unset fields and returns the result.
func Normalize(cfg Config) Config {
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir, _ = os.Getwd()
	}
	if cfg.HeadroomFrac <= 0 || cfg.HeadroomFrac >= 1 {
		cfg.HeadroomFrac = DefaultHeadroomFrac
	}
	if cfg.MinMemoryMB <= 0 {
		cfg.MinMemoryMB = DefaultMinMemoryMB
	}
	if cfg.GraceTimeoutSec <= 0 {
		cfg.GraceTimeoutSec = int(DefaultGraceTimeout / time.Second)
	}
	return cfg
}

// JobTimeout returns the configured per-run wait budget, zero for none.
func (c Config) JobTimeout() time.Duration {
	if c.JobTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// GraceTimeout returns the termination grace window.
func (c Config) GraceTimeout() time.Duration {
	if c.GraceTimeoutSec <= 0 {
		return DefaultGraceTimeout
	}
	return time.Duration(c.GraceTimeoutSec) * time.Second
}
