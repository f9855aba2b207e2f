package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every FARM_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envDBPath, envNoJournal, envLogLevel,
		envModule, envWorkers, envMaxRetries, envBackend, envIdleMemoryLimit,
		envKillDelay, envSetupArgs, envExposedMethods, envChildBinary,
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "farm.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.MaxRetries != 3 || cfg.Backend != "process" || cfg.KillDelay != 500*time.Millisecond {
		t.Errorf("MaxRetries = %d, Backend = %q, KillDelay = %s", cfg.MaxRetries, cfg.Backend, cfg.KillDelay)
	}
	if cfg.IdleMemoryLimit.Enabled() {
		t.Errorf("IdleMemoryLimit = %s, want disabled", cfg.IdleMemoryLimit)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envModule, "farm:arith")
	t.Setenv(envWorkers, "4")
	t.Setenv(envMaxRetries, "0")
	t.Setenv(envBackend, "inprocess")
	t.Setenv(envIdleMemoryLimit, "25%")
	t.Setenv(envKillDelay, "2s")
	t.Setenv(envSetupArgs, `["hi", {"n": 1}]`)
	t.Setenv(envExposedMethods, "add, sum,,")
	t.Setenv(envNoJournal, "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Module != "farm:arith" || cfg.Workers != 4 || cfg.MaxRetries != 0 || cfg.Backend != "inprocess" {
		t.Errorf("Module = %q, Workers = %d, MaxRetries = %d, Backend = %q", cfg.Module, cfg.Workers, cfg.MaxRetries, cfg.Backend)
	}
	if cfg.IdleMemoryLimit.Fraction != 0.25 {
		t.Errorf("IdleMemoryLimit = %+v, want 25%%", cfg.IdleMemoryLimit)
	}
	if cfg.KillDelay != 2*time.Second {
		t.Errorf("KillDelay = %s", cfg.KillDelay)
	}
	if len(cfg.SetupArgs) != 2 || string(cfg.SetupArgs[0]) != `"hi"` {
		t.Errorf("SetupArgs = %s", cfg.SetupArgs)
	}
	if !slices.Equal(cfg.ExposedMethods, []string{"add", "sum"}) {
		t.Errorf("ExposedMethods = %v", cfg.ExposedMethods)
	}
	if !cfg.NoJournal {
		t.Error("NoJournal = false")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envWorkers, "many"},
		{envWorkers, "-1"},
		{envMaxRetries, "x"},
		{envKillDelay, "soon"},
		{envIdleMemoryLimit, "lots"},
		{envSetupArgs, `{"not":"an array"}`},
		{envNoJournal, "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(""); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
listen_addr: ":7070"
module: farm:greeter
workers: 2
max_retries: 5
backend: inprocess
idle_memory_limit: 512MiB
kill_delay: 750ms
log_level: warn
setup_args:
  - hello
  - {nested: [1, 2]}
exposed_methods: [greet]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" || cfg.Module != "farm:greeter" || cfg.Workers != 2 || cfg.MaxRetries != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.IdleMemoryLimit.Bytes != 512<<20 {
		t.Errorf("IdleMemoryLimit = %+v, want 512MiB", cfg.IdleMemoryLimit)
	}
	if cfg.KillDelay != 750*time.Millisecond || cfg.LogLevel != slog.LevelWarn {
		t.Errorf("KillDelay = %s, LogLevel = %v", cfg.KillDelay, cfg.LogLevel)
	}
	if len(cfg.SetupArgs) != 2 {
		t.Fatalf("SetupArgs = %s", cfg.SetupArgs)
	}
	var nested map[string][]int
	if err := json.Unmarshal(cfg.SetupArgs[1], &nested); err != nil || len(nested["nested"]) != 2 {
		t.Errorf("SetupArgs[1] = %s (%v)", cfg.SetupArgs[1], err)
	}
	if !slices.Equal(cfg.ExposedMethods, []string{"greet"}) {
		t.Errorf("ExposedMethods = %v", cfg.ExposedMethods)
	}
	// Keys absent from the file keep their defaults.
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "workers: 2\nbackend: inprocess\n")
	t.Setenv(envConfigFile, path)
	t.Setenv(envWorkers, "6")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 6 {
		t.Errorf("Workers = %d, want the env value 6", cfg.Workers)
	}
	if cfg.Backend != "inprocess" {
		t.Errorf("Backend = %q, want the file value", cfg.Backend)
	}
}

func TestLoadYAMLErrors(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"unknown key", "wrokers: 2\n", "wrokers"},
		{"bad limit", "idle_memory_limit: 200%\n", "idle_memory_limit"},
		{"bad type", "workers: many\n", "many"},
		{"negative retries", "max_retries: -1\n", "max retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeFile(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded for a missing file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
