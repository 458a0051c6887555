// Package config loads runtime settings from the environment, with optional
// .env file support and a watcher for live log level changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults applied when the environment is silent.
const (
	DefaultWorkspaceBaseDir = "/var/lib/alcove/workspaces"
	DefaultDataDir          = "/var/lib/alcove"
	DefaultBaseImage        = "oven/bun:alpine"
	DefaultTimeoutMs        = 30_000
)

// Settings is the resolved runtime configuration.
type Settings struct {
	WorkspaceBaseDir string
	DataDir          string
	SandboxBaseImage string
	SandboxTimeoutMs int
	SandboxMemoryMB  int64
	SandboxCPUs      float64

	LogLevel    string
	LogFormat   string
	MetricsAddr string

	// EnvFile is the .env file that seeded the environment, when one was
	// found. The watcher follows this path.
	EnvFile string
}

// Load resolves settings from the process environment. When envFile names an
// existing file it is loaded first without overriding variables already set.
func Load(envFile string) (*Settings, error) {
	if envFile == "" {
		envFile = os.Getenv("ALCOVE_ENV_FILE")
	}
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load env file")
		}
	} else {
		envFile = ""
	}

	s := &Settings{
		WorkspaceBaseDir: getEnv("WORKSPACE_BASE_DIR", DefaultWorkspaceBaseDir),
		DataDir:          databaseDir(os.Getenv("DATABASE_URL")),
		SandboxBaseImage: getEnv("SANDBOX_BASE_IMAGE", DefaultBaseImage),
		SandboxTimeoutMs: getEnvInt("SANDBOX_TIMEOUT", DefaultTimeoutMs),
		SandboxMemoryMB:  int64(getEnvInt("SANDBOX_MEMORY_MB", 0)),
		SandboxCPUs:      getEnvFloat("SANDBOX_CPUS", 0),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "auto"),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		EnvFile:          envFile,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the daemon cannot start with.
func (s *Settings) Validate() error {
	if s.SandboxTimeoutMs <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive, got %d", s.SandboxTimeoutMs)
	}
	if s.WorkspaceBaseDir == "" {
		return fmt.Errorf("WORKSPACE_BASE_DIR must not be empty")
	}
	if s.DataDir == "" {
		return fmt.Errorf("DATABASE_URL must name a directory")
	}
	if s.SandboxMemoryMB < 0 || s.SandboxCPUs < 0 {
		return fmt.Errorf("sandbox resource limits must not be negative")
	}
	return nil
}

// SandboxMemoryBytes converts the configured limit for the container runtime.
// Zero means unlimited.
func (s *Settings) SandboxMemoryBytes() int64 {
	return s.SandboxMemoryMB * 1024 * 1024
}

// SandboxNanoCPUs converts the configured limit for the container runtime.
// Zero means unlimited.
func (s *Settings) SandboxNanoCPUs() int64 {
	return int64(s.SandboxCPUs * 1e9)
}

// databaseDir resolves DATABASE_URL to the directory holding the SQLite file.
// Accepted forms: empty (default), a directory path, or sqlite://<dir>.
func databaseDir(raw string) string {
	if raw == "" {
		return DefaultDataDir
	}
	raw = strings.TrimPrefix(raw, "sqlite://")
	raw = strings.TrimPrefix(raw, "file:")
	return raw
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric env value")
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric env value")
		return fallback
	}
	return f
}
