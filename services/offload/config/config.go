// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads labworker settings from YAML.
//
// Settings are layered: the embedded defaults.yaml, then the user file,
// then environment overrides. The result is validated before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/labworker/services/offload/controller"
	"github.com/AleutianAI/labworker/services/offload/transport"
	"github.com/AleutianAI/labworker/services/telemetry"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvWorkerEnabled overrides worker.enabled when set to a boolean.
const EnvWorkerEnabled = "LABWORKER_WORKER_ENABLED"

// Worker modes.
const (
	ModeProcess   = "process"
	ModeInProcess = "inprocess"
	ModeWebSocket = "websocket"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("wsurl", validateWebSocketURL)
}

// validateWebSocketURL accepts ws:// and wss:// URLs with a host.
func validateWebSocketURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// =============================================================================
// Types
// =============================================================================

// Config is the complete labworker configuration.
type Config struct {
	Worker    WorkerConfig     `yaml:"worker"`
	Debounce  DebounceConfig   `yaml:"debounce"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// WorkerConfig selects and tunes the worker transport.
type WorkerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode" validate:"oneof=process inprocess websocket"`

	// Command and Args start the worker in process mode.
	Command string   `yaml:"command" validate:"required_if=Mode process"`
	Args    []string `yaml:"args"`

	// URL is the remote worker in websocket mode.
	URL string `yaml:"url" validate:"required_if=Mode websocket,omitempty,wsurl"`

	StartupTimeout      time.Duration `yaml:"startup_timeout" validate:"gte=0s"`
	WatchdogInterval    time.Duration `yaml:"watchdog_interval" validate:"gte=0s"`
	UnresponsiveTimeout time.Duration `yaml:"unresponsive_timeout" validate:"gte=0s"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" validate:"gte=0s"`
}

// DebounceConfig tunes as-you-type requests.
type DebounceConfig struct {
	Delay time.Duration `yaml:"delay" validate:"gte=0s"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the built-in configuration.
func Default() (Config, error) {
	cfg := Config{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse built-in defaults: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns ~/.labworker/labworker.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".labworker", "labworker.yaml"), nil
}

// Load reads the configuration.
//
// Description:
//
//	Starts from Default, overlays the file at path, applies
//	LABWORKER_WORKER_ENABLED and validates. An empty path reads
//	DefaultPath if it exists; an explicit path must exist.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Read, parse or validation error (validation errors wrap
//	        ErrInvalid).
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	explicit := path != ""
	if !explicit {
		if path, err = DefaultPath(); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	v, ok := os.LookupEnv(EnvWorkerEnabled)
	if !ok || v == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, EnvWorkerEnabled, v)
	}
	cfg.Worker.Enabled = enabled
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, first.Namespace(), first.Tag())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// =============================================================================
// Conversions
// =============================================================================

// Controller returns the controller settings.
func (c Config) Controller() controller.Config {
	return controller.Config{
		WorkerEnabled:       c.Worker.Enabled,
		StartupTimeout:      c.Worker.StartupTimeout,
		WatchdogInterval:    c.Worker.WatchdogInterval,
		UnresponsiveTimeout: c.Worker.UnresponsiveTimeout,
	}
}

// Process returns the child process settings for process mode.
func (c Config) Process() transport.ProcessConfig {
	return transport.ProcessConfig{
		Command:         c.Worker.Command,
		Args:            c.Worker.Args,
		ShutdownTimeout: c.Worker.ShutdownTimeout,
	}
}
