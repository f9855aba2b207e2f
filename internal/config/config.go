package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/workerfarm/internal/memlimit"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "farm.db"
	defaultBackend    = "process"
	defaultMaxRetries = 3
	defaultKillDelay  = 500 * time.Millisecond

	envConfigFile      = "FARM_CONFIG"
	envListenAddr      = "FARM_LISTEN_ADDR"
	envDBPath          = "FARM_DB_PATH"
	envNoJournal       = "FARM_NO_JOURNAL"
	envLogLevel        = "FARM_LOG_LEVEL"
	envModule          = "FARM_MODULE"
	envWorkers         = "FARM_WORKERS"
	envMaxRetries      = "FARM_MAX_RETRIES"
	envBackend         = "FARM_BACKEND"
	envIdleMemoryLimit = "FARM_IDLE_MEMORY_LIMIT"
	envKillDelay       = "FARM_KILL_DELAY"
	envSetupArgs       = "FARM_SETUP_ARGS"
	envExposedMethods  = "FARM_EXPOSED_METHODS"
	envChildBinary     = "FARM_CHILD_BINARY"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file, then FARM_* environment variables; command-line flags
// are applied last by the caller.
type Config struct {
	ListenAddr string
	DBPath     string
	// NoJournal disables the call journal and the endpoints backed by it.
	NoJournal bool
	LogLevel  slog.Level

	Module string
	// Workers is the pool size. Zero means one less than the CPU count.
	Workers         int
	MaxRetries      int
	Backend         string
	IdleMemoryLimit memlimit.Limit
	KillDelay       time.Duration
	SetupArgs       []json.RawMessage
	ExposedMethods  []string
	// ChildBinary is the executable started for each process-backend
	// worker. Empty means the running binary.
	ChildBinary string
}

// fileConfig mirrors Config in the YAML file. Pointers distinguish absent
// keys from zero values.
type fileConfig struct {
	ListenAddr      *string        `yaml:"listen_addr"`
	DBPath          *string        `yaml:"db_path"`
	NoJournal       *bool          `yaml:"no_journal"`
	LogLevel        *string        `yaml:"log_level"`
	Module          *string        `yaml:"module"`
	Workers         *int           `yaml:"workers"`
	MaxRetries      *int           `yaml:"max_retries"`
	Backend         *string        `yaml:"backend"`
	IdleMemoryLimit *string        `yaml:"idle_memory_limit"`
	KillDelay       *time.Duration `yaml:"kill_delay"`
	SetupArgs       []any          `yaml:"setup_args"`
	ExposedMethods  []string       `yaml:"exposed_methods"`
	ChildBinary     *string        `yaml:"child_binary"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		MaxRetries: defaultMaxRetries,
		Backend:    defaultBackend,
		KillDelay:  defaultKillDelay,
	}
}

// Load builds the configuration. The YAML file at path is read when path is
// not empty; otherwise FARM_CONFIG names it, if set. Environment variables
// override the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	setIf(&c.ListenAddr, fc.ListenAddr)
	setIf(&c.DBPath, fc.DBPath)
	setIf(&c.NoJournal, fc.NoJournal)
	setIf(&c.Module, fc.Module)
	setIf(&c.Workers, fc.Workers)
	setIf(&c.MaxRetries, fc.MaxRetries)
	setIf(&c.Backend, fc.Backend)
	setIf(&c.KillDelay, fc.KillDelay)
	setIf(&c.ChildBinary, fc.ChildBinary)
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	if fc.IdleMemoryLimit != nil {
		l, err := memlimit.Parse(*fc.IdleMemoryLimit)
		if err != nil {
			return fmt.Errorf("idle_memory_limit: %w", err)
		}
		c.IdleMemoryLimit = l
	}
	if fc.SetupArgs != nil {
		args := make([]json.RawMessage, len(fc.SetupArgs))
		for i, a := range fc.SetupArgs {
			raw, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("setup_args[%d]: %w", i, err)
			}
			args[i] = raw
		}
		c.SetupArgs = args
	}
	if fc.ExposedMethods != nil {
		c.ExposedMethods = fc.ExposedMethods
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envModule); v != "" {
		c.Module = v
	}
	if v := os.Getenv(envBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(envChildBinary); v != "" {
		c.ChildBinary = v
	}
	if v := os.Getenv(envNoJournal); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envNoJournal, err)
		}
		c.NoJournal = b
	}
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envWorkers, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(envMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxRetries, err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv(envKillDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKillDelay, err)
		}
		c.KillDelay = d
	}
	if v := os.Getenv(envIdleMemoryLimit); v != "" {
		l, err := memlimit.Parse(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envIdleMemoryLimit, err)
		}
		c.IdleMemoryLimit = l
	}
	if v := os.Getenv(envSetupArgs); v != "" {
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return fmt.Errorf("%s must be a JSON array: %w", envSetupArgs, err)
		}
		c.SetupArgs = args
	}
	if v := os.Getenv(envExposedMethods); v != "" {
		c.ExposedMethods = splitList(v)
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	case c.KillDelay <= 0:
		return fmt.Errorf("kill delay must be positive, got %s", c.KillDelay)
	case c.Backend == "":
		return errors.New("backend must not be empty")
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
