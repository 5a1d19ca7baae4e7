// Package config loads fieldsync configuration from YAML or TOML.
//
// A file is decoded over Default, so it only needs the keys it changes.
// The result is checked against the embedded CUE schema. Durations are
// integer milliseconds.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete configuration for the server and device commands.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`
	Sync   SyncConfig   `json:"sync" yaml:"sync" toml:"sync"`
	Device DeviceConfig `json:"device" yaml:"device" toml:"device"`
	Breath BreathConfig `json:"breath" yaml:"breath" toml:"breath"`
	Log    LogConfig    `json:"log" yaml:"log" toml:"log"`
}

// ServerConfig configures `fieldsync serve`.
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr" toml:"addr"`
	DBPath            string `json:"db_path" yaml:"db_path" toml:"db_path"`
	ShutdownTimeoutMS int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`
}

// SyncConfig tunes delta ingestion.
type SyncConfig struct {
	RateLimit        int `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateWindowMS     int `json:"rate_window_ms" yaml:"rate_window_ms" toml:"rate_window_ms"`
	ConflictWindowMS int `json:"conflict_window_ms" yaml:"conflict_window_ms" toml:"conflict_window_ms"`
}

// DeviceConfig configures `fieldsync device`.
type DeviceConfig struct {
	ID                   string `json:"id" yaml:"id" toml:"id"`
	ServerURL            string `json:"server_url" yaml:"server_url" toml:"server_url"`
	EventsURL            string `json:"events_url" yaml:"events_url" toml:"events_url"`
	SnapshotDir          string `json:"snapshot_dir" yaml:"snapshot_dir" toml:"snapshot_dir"`
	InMemory             bool   `json:"in_memory" yaml:"in_memory" toml:"in_memory"`
	FlushIntervalMS      int    `json:"flush_interval_ms" yaml:"flush_interval_ms" toml:"flush_interval_ms"`
	CheckpointIntervalMS int    `json:"checkpoint_interval_ms" yaml:"checkpoint_interval_ms" toml:"checkpoint_interval_ms"`
	BackoffInitialMS     int    `json:"backoff_initial_ms" yaml:"backoff_initial_ms" toml:"backoff_initial_ms"`
	BackoffMaxMS         int    `json:"backoff_max_ms" yaml:"backoff_max_ms" toml:"backoff_max_ms"`
}

// BreathConfig tunes the breath coordinator and session loops.
type BreathConfig struct {
	ProposalTTLMS       int `json:"proposal_ttl_ms" yaml:"proposal_ttl_ms" toml:"proposal_ttl_ms"`
	LivenessTimeoutMS   int `json:"liveness_timeout_ms" yaml:"liveness_timeout_ms" toml:"liveness_timeout_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	SweepIntervalMS     int `json:"sweep_interval_ms" yaml:"sweep_interval_ms" toml:"sweep_interval_ms"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			DBPath:            "fieldsync.db",
			ShutdownTimeoutMS: 10000,
		},
		Sync: SyncConfig{
			RateLimit:        100,
			RateWindowMS:     60000,
			ConflictWindowMS: 100,
		},
		Device: DeviceConfig{
			ServerURL:            "http://localhost:8080",
			SnapshotDir:          "fieldsync-device",
			FlushIntervalMS:      2000,
			CheckpointIntervalMS: 30000,
			BackoffInitialMS:     1000,
			BackoffMaxMS:         60000,
		},
		Breath: BreathConfig{
			ProposalTTLMS:       10000,
			LivenessTimeoutMS:   30000,
			HeartbeatIntervalMS: 5000,
			SweepIntervalMS:     10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default and validates the result. The format is
// chosen by extension: .yaml, .yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("load config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cfg against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &InvalidError{Details: strings.TrimSpace(cueerrors.Details(err, nil)), Err: err}
	}
	return nil
}

// InvalidError reports a configuration that violates the schema.
type InvalidError struct {
	Details string
	Err     error
}

// Error implements the error interface.
func (e *InvalidError) Error() string {
	return "invalid configuration: " + e.Details
}

// Unwrap returns the underlying CUE error.
func (e *InvalidError) Unwrap() error {
	return e.Err
}

// IsInvalid reports whether err is an *InvalidError.
func IsInvalid(err error) bool {
	var target *InvalidError
	return errors.As(err, &target)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown limit.
func (s ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMS) }

// RateWindow returns the rate limiter window.
func (s SyncConfig) RateWindow() time.Duration { return ms(s.RateWindowMS) }

// ConflictWindow returns the conflict detection window.
func (s SyncConfig) ConflictWindow() time.Duration { return ms(s.ConflictWindowMS) }

// FlushInterval returns the device flush period.
func (d DeviceConfig) FlushInterval() time.Duration { return ms(d.FlushIntervalMS) }

// CheckpointInterval returns the device checkpoint period.
func (d DeviceConfig) CheckpointInterval() time.Duration { return ms(d.CheckpointIntervalMS) }

// BackoffInitial returns the first retry delay.
func (d DeviceConfig) BackoffInitial() time.Duration { return ms(d.BackoffInitialMS) }

// BackoffMax returns the retry delay ceiling.
func (d DeviceConfig) BackoffMax() time.Duration { return ms(d.BackoffMaxMS) }

// ProposalTTL returns how long an unresolved proposal lives.
func (b BreathConfig) ProposalTTL() time.Duration { return ms(b.ProposalTTLMS) }

// LivenessTimeout returns how long a silent participant counts as live.
func (b BreathConfig) LivenessTimeout() time.Duration { return ms(b.LivenessTimeoutMS) }

// HeartbeatInterval returns the heartbeat period.
func (b BreathConfig) HeartbeatInterval() time.Duration { return ms(b.HeartbeatIntervalMS) }

// SweepInterval returns the liveness sweep period.
func (b BreathConfig) SweepInterval() time.Duration { return ms(b.SweepIntervalMS) }
