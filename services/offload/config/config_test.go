// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labworker.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// TestDefault verifies the embedded defaults parse and validate.
func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	if !cfg.Worker.Enabled {
		t.Error("Worker.Enabled = false, want true")
	}
	if cfg.Worker.Mode != ModeProcess {
		t.Errorf("Worker.Mode = %q, want %q", cfg.Worker.Mode, ModeProcess)
	}
	if cfg.Worker.StartupTimeout != 30*time.Second {
		t.Errorf("Worker.StartupTimeout = %v, want 30s", cfg.Worker.StartupTimeout)
	}
	if cfg.Worker.UnresponsiveTimeout != 3*time.Minute {
		t.Errorf("Worker.UnresponsiveTimeout = %v, want 3m", cfg.Worker.UnresponsiveTimeout)
	}
	if cfg.Debounce.Delay != 300*time.Millisecond {
		t.Errorf("Debounce.Delay = %v, want 300ms", cfg.Debounce.Delay)
	}
	if cfg.Telemetry.ServiceName != "labworker" {
		t.Errorf("Telemetry.ServiceName = %q, want labworker", cfg.Telemetry.ServiceName)
	}
}

// TestLoad_MissingDefaultFile falls back to the built-in defaults.
func TestLoad_MissingDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvWorkerEnabled, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Worker.Mode != ModeProcess {
		t.Errorf("Worker.Mode = %q, want %q", cfg.Worker.Mode, ModeProcess)
	}
}

// TestLoad_ExplicitMissingFile is an error.
func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded for a missing explicit file")
	}
}

// TestLoad_Overlay keeps defaults for keys the file leaves out.
func TestLoad_Overlay(t *testing.T) {
	t.Setenv(EnvWorkerEnabled, "")
	path := writeConfig(t, `
worker:
  mode: inprocess
  watchdog_interval: 2s
  unresponsive_timeout: 1m
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Worker.Mode != ModeInProcess {
		t.Errorf("Worker.Mode = %q, want %q", cfg.Worker.Mode, ModeInProcess)
	}
	if cfg.Worker.WatchdogInterval != 2*time.Second {
		t.Errorf("Worker.WatchdogInterval = %v, want 2s", cfg.Worker.WatchdogInterval)
	}
	if cfg.Worker.StartupTimeout != 30*time.Second {
		t.Errorf("Worker.StartupTimeout = %v, want default 30s", cfg.Worker.StartupTimeout)
	}

	cc := cfg.Controller()
	if cc.UnresponsiveTimeout != time.Minute || !cc.WorkerEnabled {
		t.Errorf("Controller() = %+v", cc)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

// TestLoad_EnvOverride applies LABWORKER_WORKER_ENABLED.
func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "worker:\n  enabled: true\n")

	t.Setenv(EnvWorkerEnabled, "false")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Worker.Enabled {
		t.Error("Worker.Enabled = true, want false from the environment")
	}

	t.Setenv(EnvWorkerEnabled, "sometimes")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

// TestLoad_Invalid rejects values that fail validation.
func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvWorkerEnabled, "")

	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", "worker:\n  mode: thread\n"},
		{"process without command", "worker:\n  mode: process\n  command: \"\"\n"},
		{"websocket without url", "worker:\n  mode: websocket\n"},
		{"websocket with http url", "worker:\n  mode: websocket\n  url: http://localhost:9000\n"},
		{"negative timeout", "worker:\n  startup_timeout: -1s\n"},
		{"unknown level", "logging:\n  level: chatty\n"},
		{"bad sample rate", "telemetry:\n  sample_rate: 2\n"},
		{"unknown exporter", "telemetry:\n  trace_exporter: zipkin\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() error = %v, want ErrInvalid", err)
			}
		})
	}
}

// TestLoad_WebSocket accepts a ws URL.
func TestLoad_WebSocket(t *testing.T) {
	t.Setenv(EnvWorkerEnabled, "")
	cfg, err := Load(writeConfig(t, "worker:\n  mode: websocket\n  url: ws://127.0.0.1:9000/worker\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Worker.URL != "ws://127.0.0.1:9000/worker" {
		t.Errorf("Worker.URL = %q", cfg.Worker.URL)
	}
}

// TestLoad_MalformedYAML reports the parse error.
func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "worker: [unclosed\n")); err == nil {
		t.Fatal("Load() succeeded for malformed YAML")
	}
}

// TestProcess maps the worker command.
func TestProcess(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	pc := cfg.Process()
	if pc.Command != "labworker" || len(pc.Args) != 1 || pc.Args[0] != "serve" {
		t.Errorf("Process() = %+v", pc)
	}
	if pc.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", pc.ShutdownTimeout)
	}
}
