// Package config loads the engine process's runtime configuration from an
// optional YAML overlay, environment variables, and CLI flags, in increasing
// order of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the engine process.
// Precedence: CLI flags > env vars > YAML overlay > defaults.
type Config struct {
	// Core engine parameters (spec.md §6 "Configuration options").
	BlockSize  int    // frames per block
	SampleRate int    // Hz
	ShmRegion  string // named /dev/shm region used by the ipc backend
	Backend    string // "null" | "system" | "ipc"
	PerfTrace  bool   // accepted but not read; per-node timing is always recorded

	// Process shell.
	HTTPAddr          string // control transport listen address
	CORSOrigins       string // comma-separated allowed origins, "*" for all
	LogLevel          string // debug, info, warn, error
	LogFormat         string // text, json
	JWTSecret         string // hex-encoded 32-byte secret for session tokens
	DiagnosticsDBPath string // path to the embedded diagnostics store
	WriterLockTimeout int    // milliseconds, spec.md §5 default 100ms

	// ConfigFile records which YAML overlay (if any) contributed the base
	// values. dump() does not report it.
	ConfigFile string
}

// defaults
const (
	defaultBlockSize         = 256
	defaultSampleRate        = 44100
	defaultBackend           = "null"
	defaultHTTPAddr          = ":7890"
	defaultCORSOrigins       = "*"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultDiagnosticsDBPath = "./data/engine-diagnostics.db"
	defaultWriterLockTimeout = 100
)

// envPrefix is the prefix for all engine environment variables.
const envPrefix = "ENGINE_"

// yamlOverlay mirrors the subset of Config fields that may be supplied via
// the optional "-config path.yaml" overlay file. Pointer fields distinguish
// "absent from the file" from "explicitly zero".
type yamlOverlay struct {
	BlockSize         *int    `yaml:"block_size"`
	SampleRate        *int    `yaml:"sample_rate"`
	ShmRegion         *string `yaml:"shm_region"`
	Backend           *string `yaml:"backend"`
	PerfTrace         *bool   `yaml:"perf_trace"`
	HTTPAddr          *string `yaml:"http_addr"`
	CORSOrigins       *string `yaml:"cors_origins"`
	LogLevel          *string `yaml:"log_level"`
	LogFormat         *string `yaml:"log_format"`
	JWTSecret         *string `yaml:"jwt_secret"`
	DiagnosticsDBPath *string `yaml:"diagnostics_db_path"`
	WriterLockTimeout *int    `yaml:"writer_lock_timeout_ms"`
}

// Load parses configuration from an optional YAML overlay, environment
// variables, and CLI flags. Precedence: CLI flags > env vars > YAML > defaults.
func Load() (*Config, error) {
	cfg := &Config{
		BlockSize:         defaultBlockSize,
		SampleRate:        defaultSampleRate,
		Backend:           defaultBackend,
		HTTPAddr:          defaultHTTPAddr,
		CORSOrigins:       defaultCORSOrigins,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
		DiagnosticsDBPath: defaultDiagnosticsDBPath,
		WriterLockTimeout: defaultWriterLockTimeout,
	}

	// A throwaway pre-pass just to discover -config, since the overlay must
	// apply before the real flag/env pass computes precedence.
	preFS := flag.NewFlagSet("engine-pre", flag.ContinueOnError)
	preFS.SetOutput(discardWriter{})
	configPath := preFS.String("config", "", "")
	preFS.Parse(os.Args[1:]) //nolint:errcheck

	if *configPath != "" {
		if err := applyYAMLOverlay(cfg, *configPath); err != nil {
			return nil, fmt.Errorf("loading config overlay: %w", err)
		}
		cfg.ConfigFile = *configPath
	}

	fs := flag.NewFlagSet("engine", flag.ContinueOnError)
	fs.String("config", *configPath, "optional YAML config overlay applied before env/flag overrides")
	fs.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "frames per audio block")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "sample rate in Hz")
	fs.StringVar(&cfg.ShmRegion, "shm-region", cfg.ShmRegion, "named shared-memory region for the ipc backend")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "output backend (null, system, ipc)")
	fs.BoolVar(&cfg.PerfTrace, "perf-trace", cfg.PerfTrace, "accepted for compatibility; per-node timing is always recorded")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "control transport listen address")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "comma-separated allowed CORS origins, or * for all")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "hex-encoded 32-byte secret for session tokens (auto-generated if empty)")
	fs.StringVar(&cfg.DiagnosticsDBPath, "diagnostics-db", cfg.DiagnosticsDBPath, "path to the embedded diagnostics store")
	fs.IntVar(&cfg.WriterLockTimeout, "writer-lock-timeout-ms", cfg.WriterLockTimeout, "writer lock acquisition timeout in milliseconds")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov yamlOverlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	if ov.BlockSize != nil {
		cfg.BlockSize = *ov.BlockSize
	}
	if ov.SampleRate != nil {
		cfg.SampleRate = *ov.SampleRate
	}
	if ov.ShmRegion != nil {
		cfg.ShmRegion = *ov.ShmRegion
	}
	if ov.Backend != nil {
		cfg.Backend = *ov.Backend
	}
	if ov.PerfTrace != nil {
		cfg.PerfTrace = *ov.PerfTrace
	}
	if ov.HTTPAddr != nil {
		cfg.HTTPAddr = *ov.HTTPAddr
	}
	if ov.CORSOrigins != nil {
		cfg.CORSOrigins = *ov.CORSOrigins
	}
	if ov.LogLevel != nil {
		cfg.LogLevel = *ov.LogLevel
	}
	if ov.LogFormat != nil {
		cfg.LogFormat = *ov.LogFormat
	}
	if ov.JWTSecret != nil {
		cfg.JWTSecret = *ov.JWTSecret
	}
	if ov.DiagnosticsDBPath != nil {
		cfg.DiagnosticsDBPath = *ov.DiagnosticsDBPath
	}
	if ov.WriterLockTimeout != nil {
		cfg.WriterLockTimeout = *ov.WriterLockTimeout
	}
	return nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > YAML overlay > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"block-size":             envPrefix + "BLOCK_SIZE",
		"sample-rate":            envPrefix + "SAMPLE_RATE",
		"shm-region":             envPrefix + "SHM_REGION",
		"backend":                envPrefix + "BACKEND",
		"perf-trace":             envPrefix + "PERF_TRACE",
		"http-addr":              envPrefix + "HTTP_ADDR",
		"cors-origins":           envPrefix + "CORS_ORIGINS",
		"log-level":              envPrefix + "LOG_LEVEL",
		"log-format":             envPrefix + "LOG_FORMAT",
		"jwt-secret":             envPrefix + "JWT_SECRET",
		"diagnostics-db":         envPrefix + "DIAGNOSTICS_DB",
		"writer-lock-timeout-ms": envPrefix + "WRITER_LOCK_TIMEOUT_MS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "block-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.BlockSize = v
			}
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = v
			}
		case "shm-region":
			cfg.ShmRegion = val
		case "backend":
			cfg.Backend = val
		case "perf-trace":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.PerfTrace = v
			}
		case "http-addr":
			cfg.HTTPAddr = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "diagnostics-db":
			cfg.DiagnosticsDBPath = val
		case "writer-lock-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WriterLockTimeout = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.BlockSize < 1 {
		return fmt.Errorf("block-size must be positive, got %d", c.BlockSize)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}

	validBackends := map[string]bool{"null": true, "system": true, "ipc": true}
	if !validBackends[strings.ToLower(c.Backend)] {
		return fmt.Errorf("backend must be one of null, system, ipc; got %q", c.Backend)
	}
	c.Backend = strings.ToLower(c.Backend)

	if c.Backend == "ipc" && c.ShmRegion == "" {
		return fmt.Errorf("shm-region is required when backend is ipc")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.WriterLockTimeout < 1 {
		return fmt.Errorf("writer-lock-timeout-ms must be positive, got %d", c.WriterLockTimeout)
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte session-token secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (sessions will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
