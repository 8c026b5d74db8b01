// Package config resolves the NVR daemon's ambient configuration:
// filesystem locations, the worker_threads setting, and the default retention
// policy applied to newly registered streams. It intentionally does not
// load a camera/stream list from a config file — streams are registered
// into the metadata database via the CLI (spec.md §1 non-goal), so this
// package only covers what every stream and subsystem shares.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

const (
	// DefaultRetainBytes is the fallback per-stream disk quota applied
	// when a stream is registered without an explicit --retain-bytes.
	DefaultRetainBytes int64 = 10 << 30 // 10 GiB

	// DefaultFlushIfSec is the fallback flush_if_sec value stored on a
	// newly registered stream's row. The Flusher runs on one
	// process-wide interval and does not read it.
	DefaultFlushIfSec = 120
)

func init() {
	v = viper.New()

	home := filepath.Join(xdg.DataHome, "nvr")
	v.SetDefault("home", home)
	v.SetDefault("db_dir", "") // resolved dynamically below from home if unset
	v.SetDefault("ui_dir", "")
	v.SetDefault("sample_dir", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("worker_threads", runtime.NumCPU())
	v.SetDefault("retain_bytes", DefaultRetainBytes)
	v.SetDefault("flush_if_sec", DefaultFlushIfSec)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "pretty")

	v.AutomaticEnv()
	v.BindEnv("home", "NVR_HOME")
	v.BindEnv("db_dir", "NVR_DB_DIR")
	v.BindEnv("ui_dir", "NVR_UI_DIR")
	v.BindEnv("sample_dir", "NVR_SAMPLE_DIR")
	v.BindEnv("http_addr", "NVR_HTTP_ADDR")
	v.BindEnv("worker_threads", "NVR_WORKER_THREADS")
	v.BindEnv("retain_bytes", "NVR_RETAIN_BYTES")
	v.BindEnv("flush_if_sec", "NVR_FLUSH_IF_SEC")
	v.BindEnv("log_level", "NVR_LOG_LEVEL")
	v.BindEnv("log_format", "NVR_LOG_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for _, path := range []string{".", "$HOME/.nvr", "/etc/nvr"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("config: fatal error reading config file: %s", err))
		}
	}
}

// GetHome returns the NVR daemon's base data directory, the parent of
// db_dir, ui_dir and sample_dir when those are not independently set.
func GetHome() string {
	return v.GetString("home")
}

// GetDBDir returns the directory holding the sqlite metadata database.
func GetDBDir() string {
	if dir := v.GetString("db_dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetHome(), "db")
}

// GetUIDir returns the directory serving the static web UI bundle, if
// any is configured.
func GetUIDir() string {
	if dir := v.GetString("ui_dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetHome(), "ui")
}

// GetSampleDir returns the default sample-file directory root used when
// a stream is registered without an explicit path.
func GetSampleDir() string {
	if dir := v.GetString("sample_dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetHome(), "sample")
}

// GetHTTPAddr returns the listen address for the playback HTTP server.
func GetHTTPAddr() string {
	return v.GetString("http_addr")
}

// GetWorkerThreads returns the configured worker_threads value,
// defaulting to the host's CPU count. No component sizes a pool from it.
func GetWorkerThreads() int {
	n := v.GetInt("worker_threads")
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// GetDefaultRetainBytes returns the per-stream disk quota applied to
// newly registered streams absent an explicit override.
func GetDefaultRetainBytes() int64 {
	return v.GetInt64("retain_bytes")
}

// GetDefaultFlushIfSec returns the flush_if_sec value stored on newly
// registered streams absent an explicit override.
func GetDefaultFlushIfSec() int64 {
	return v.GetInt64("flush_if_sec")
}

// GetLogLevel returns the configured slog level name (debug/info/warn/error).
func GetLogLevel() string {
	return v.GetString("log_level")
}

// GetLogFormat returns "pretty" (ANSI, for a terminal) or "json" (for
// log aggregation).
func GetLogFormat() string {
	return v.GetString("log_format")
}
