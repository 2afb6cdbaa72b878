// Package config resolves dispatchd's CLI flags and environment variables
// (CLI overrides env, via viper's precedence rules) and validates the
// result.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated server configuration.
type Config struct {
	BindAddr      string
	WorkersPerCmd int
	MaxInFlight   int
	RetryAfterMS  int
	TaskTimeoutMS int
	DataDir       string
	Verbose       bool
	OTELEndpoint  string // empty disables span export
}

// ExitCode classifies a configuration/bind error into the process exit code:
// 0 normal, 1 bind failure, 2 bad configuration.
type ExitCode int

const (
	ExitOK          ExitCode = 0
	ExitBindFailure ExitCode = 1
	ExitBadConfig   ExitCode = 2
)

// ValidationError wraps a bad-configuration failure so callers can map it to
// ExitBadConfig without string-matching.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

// BindFlags registers dispatchd's flags on fs and binds each to its P01_*
// environment variable via viper, with flags taking precedence over env
// (viper's BindPFlag + AutomaticEnv gives exactly that precedence).
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("bind", "127.0.0.1:8080", "address to listen on")
	fs.Int("workers", 2, "workers per command pool")
	fs.Int("max-inflight", 32, "max in-flight tasks per command")
	fs.Int("retry-after", 250, "Retry-After hint (ms) on 503 backpressure")
	fs.Int("timeout", 60000, "per-task deadline (ms)")
	fs.String("data-dir", ".", "directory for files and the job journal")
	fs.Bool("verbose", false, "debug logging")
	fs.String("otel-endpoint", "", "OTLP gRPC endpoint for trace export (empty disables export)")

	v.SetEnvPrefix("P01")
	v.AutomaticEnv()

	bind := map[string]string{
		"bind":          "BIND_ADDR",
		"workers":       "WORKERS_PER_COMMAND",
		"max-inflight":  "MAX_INFLIGHT",
		"retry-after":   "RETRY_AFTER_MS",
		"timeout":       "TASK_TIMEOUT_MS",
		"data-dir":      "DATA_DIR",
		"verbose":       "VERBOSE",
		"otel-endpoint": "OTEL_ENDPOINT",
	}
	for flag, env := range bind {
		_ = v.BindEnv(flag, "P01_"+env)
		_ = v.BindPFlag(flag, fs.Lookup(flag))
	}
}

// Resolve reads the bound values out of v and validates them.
func Resolve(v *viper.Viper) (Config, error) {
	cfg := Config{
		BindAddr:      v.GetString("bind"),
		WorkersPerCmd: v.GetInt("workers"),
		MaxInFlight:   v.GetInt("max-inflight"),
		RetryAfterMS:  v.GetInt("retry-after"),
		TaskTimeoutMS: v.GetInt("timeout"),
		DataDir:       v.GetString("data-dir"),
		Verbose:       v.GetBool("verbose"),
		OTELEndpoint:  v.GetString("otel-endpoint"),
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.WorkersPerCmd < 1 {
		return &ValidationError{"workers must be >= 1"}
	}
	if cfg.MaxInFlight < 1 {
		return &ValidationError{"max-inflight must be >= 1"}
	}
	if cfg.RetryAfterMS < 0 {
		return &ValidationError{"retry-after must be >= 0"}
	}
	if cfg.TaskTimeoutMS < 1 {
		return &ValidationError{"timeout must be >= 1"}
	}
	if cfg.BindAddr == "" {
		return &ValidationError{"bind address must not be empty"}
	}
	return nil
}

// Exit maps err (nil, *ValidationError, or anything else — treated as a
// bind failure by the caller before Exit is even consulted) to an exit
// code/message pair for main to report.
func Exit(err error) (ExitCode, string) {
	if err == nil {
		return ExitOK, ""
	}
	if ve, ok := err.(*ValidationError); ok {
		return ExitBadConfig, fmt.Sprintf("bad configuration: %s", ve.msg)
	}
	return ExitBindFailure, fmt.Sprintf("bind failed: %s", err)
}
