// Package engine runs object detection on a stored image.
//
// The production engine is an external command (a model runner script or
// binary) that prints a JSON array of detections for the image path it is
// given. Its command line, confidence threshold and class names are read
// from .edgedetect-engine.yaml.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/edgedetect/internal/config"
)

// DefaultConfigPath is the default location for the engine configuration file.
const DefaultConfigPath = ".edgedetect-engine.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "EDGEDETECT_ENGINE_CONFIG"

const (
	defaultConfidenceThreshold = 0.25
	defaultTimeout             = 60 * time.Second
	maxStderrBytes             = 4096
)

var (
	// ErrNoCommand is returned when no engine command is configured.
	ErrNoCommand = errors.New("engine command is not configured")

	// ErrInvalidThreshold is returned for a confidence threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("confidence threshold must be between 0 and 1")

	// ErrInvalidConfig is returned when the config file cannot be parsed.
	ErrInvalidConfig = errors.New("invalid engine config")
)

// Config holds the engine command configuration loaded from YAML.
type Config struct {
	// Command is the program and leading arguments; the image path is appended.
	Command []string `yaml:"command"`

	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	Timeout time.Duration `yaml:"timeout"`

	// ClassNames fills in names for detections that only report a class index.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ClassNames map[int]string `yaml:"class_names"`
}

// LoadConfig loads the engine configuration from a YAML file at path.
//
// A missing file yields the defaults, which still need a command from
// EDGEDETECT_ENGINE_COMMAND. Unlike optional settings files, a malformed file
// is an error: the worker cannot run without a usable engine.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ConfidenceThreshold: defaultConfidenceThreshold,
		Timeout:             defaultTimeout,
		ClassNames:          make(map[int]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
		}

		slog.Debug("Engine config file not found, using defaults", slog.String("path", path))
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if cfg.ClassNames == nil {
		cfg.ClassNames = make(map[int]string)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in EDGEDETECT_ENGINE_CONFIG,
// falling back to .edgedetect-engine.yaml in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

func applyEnvOverrides(cfg *Config) {
	if command := strings.Fields(config.GetEnvStr("EDGEDETECT_ENGINE_COMMAND", "")); len(command) > 0 {
		cfg.Command = command
	}

	cfg.ConfidenceThreshold = config.GetEnvFloat64("EDGEDETECT_ENGINE_CONFIDENCE", cfg.ConfidenceThreshold)
	cfg.Timeout = config.GetEnvDuration("EDGEDETECT_ENGINE_TIMEOUT", cfg.Timeout)
}

// Validate checks if the engine configuration is valid.
func (c *Config) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return ErrNoCommand
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, c.ConfidenceThreshold)
	}

	return nil
}
