package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"ENGINE_BLOCK_SIZE", "ENGINE_SAMPLE_RATE", "ENGINE_SHM_REGION",
		"ENGINE_BACKEND", "ENGINE_PERF_TRACE", "ENGINE_HTTP_ADDR",
		"ENGINE_LOG_LEVEL", "ENGINE_LOG_FORMAT", "ENGINE_JWT_SECRET",
		"ENGINE_DIAGNOSTICS_DB", "ENGINE_WRITER_LOCK_TIMEOUT_MS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"engined"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BlockSize != defaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", cfg.BlockSize, defaultBlockSize)
	}
	if cfg.SampleRate != defaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, defaultSampleRate)
	}
	if cfg.Backend != defaultBackend {
		t.Errorf("Backend = %q, want %q", cfg.Backend, defaultBackend)
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.WriterLockTimeout != defaultWriterLockTimeout {
		t.Errorf("WriterLockTimeout = %d, want %d", cfg.WriterLockTimeout, defaultWriterLockTimeout)
	}
	if cfg.PerfTrace {
		t.Errorf("PerfTrace = true, want false")
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"engined"}
	t.Setenv("ENGINE_BLOCK_SIZE", "512")
	t.Setenv("ENGINE_SAMPLE_RATE", "48000")
	t.Setenv("ENGINE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BlockSize != 512 {
		t.Errorf("BlockSize = %d, want 512", cfg.BlockSize)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.SampleRate)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"engined", "--block-size", "128", "--log-level", "warn"}
	t.Setenv("ENGINE_BLOCK_SIZE", "512")
	t.Setenv("ENGINE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BlockSize != 128 {
		t.Errorf("BlockSize = %d, want 128 (CLI should override env)", cfg.BlockSize)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestYAMLOverlayAppliedBeforeEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	yamlBody := "block_size: 1024\nsample_rate: 96000\nbackend: system\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	os.Args = []string{"engined", "--config", path, "--sample-rate", "44100"}
	t.Setenv("ENGINE_BACKEND", "null")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BlockSize != 1024 {
		t.Errorf("BlockSize = %d, want 1024 (from overlay)", cfg.BlockSize)
	}
	if cfg.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100 (CLI overrides overlay)", cfg.SampleRate)
	}
	if cfg.Backend != "null" {
		t.Errorf("Backend = %q, want null (env overrides overlay)", cfg.Backend)
	}
}

func TestValidateInvalidBlockSize(t *testing.T) {
	os.Args = []string{"engined", "--block-size", "0"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid block size, got nil")
	}
}

func TestValidateInvalidBackend(t *testing.T) {
	os.Args = []string{"engined", "--backend", "carrier-pigeon"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid backend, got nil")
	}
}

func TestValidateIPCRequiresShmRegion(t *testing.T) {
	os.Args = []string{"engined", "--backend", "ipc"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ipc backend configured without shm-region")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"engined", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJWTSecretBytesGeneratesEphemeralKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("len(key) = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Errorf("JWTSecret not persisted after generation")
	}
}

func TestJWTSecretBytesRejectsWrongLength(t *testing.T) {
	cfg := &Config{JWTSecret: "abcd"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("expected error for short jwt secret, got nil")
	}
}
