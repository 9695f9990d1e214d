// Package config loads fieldsync settings from
// ~/.config/fieldsync/config.json with FIELDSYNC_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
)

const configFileName = "config.json"

// Defaults
const (
	DefaultServerURL      = "http://localhost:8080"
	DefaultRequestTimeout = 15 * time.Second
	DefaultMaxAttempts    = 5
	DefaultSyncInterval   = 5 * time.Minute
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
	DefaultProbeInterval  = 10 * time.Second
	DefaultLogLevel       = "warn"
	DefaultLogFormat      = "text"
)

// File is the on-disk config. Empty or nil fields fall back to defaults.
// Durations are Go duration strings ("15s", "5m").
type File struct {
	ServerURL      string          `json:"server_url,omitempty"`
	APIToken       string          `json:"api_token,omitempty"`
	DataDir        string          `json:"data_dir,omitempty"`
	RequestTimeout string          `json:"request_timeout,omitempty"`
	MaxAttempts    *int            `json:"max_attempts,omitempty"`
	SyncInterval   string          `json:"sync_interval,omitempty"`
	BackoffBase    string          `json:"backoff_base,omitempty"`
	BackoffMax     string          `json:"backoff_max,omitempty"`
	ProbeInterval  string          `json:"probe_interval,omitempty"`
	LogLevel       string          `json:"log_level,omitempty"`
	LogFormat      string          `json:"log_format,omitempty"`
	Features       map[string]bool `json:"features,omitempty"`
}

// Settings is the resolved configuration.
type Settings struct {
	ServerURL      string
	APIToken       string
	DataDir        string
	RequestTimeout time.Duration
	MaxAttempts    int
	SyncInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ProbeInterval  time.Duration
	LogLevel       string
	LogFormat      string
	Features       map[string]bool
}

// Dir returns the config directory: $FIELDSYNC_CONFIG_DIR if set, otherwise
// ~/.config/fieldsync. It is not created.
func Dir() (string, error) {
	if v := os.Getenv("FIELDSYNC_CONFIG_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "fieldsync"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// LoadFile reads the config file. A missing file is an empty config.
func LoadFile() (*File, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// SaveFile writes the config file atomically (temp file + rename).
func SaveFile(f *File) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, configFileName+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// The file may hold an API token.
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, configFileName)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Load reads the config file and resolves every setting.
// Priority for each key: FIELDSYNC_<KEY> env > config.json > default.
func Load() (*Settings, error) {
	f, err := LoadFile()
	if err != nil {
		return nil, err
	}
	return Resolve(f)
}

// Resolve applies env overrides and defaults to f.
func Resolve(f *File) (*Settings, error) {
	if f == nil {
		f = &File{}
	}
	s := &Settings{
		ServerURL:      stringSetting("FIELDSYNC_SERVER_URL", f.ServerURL, DefaultServerURL),
		APIToken:       stringSetting("FIELDSYNC_API_TOKEN", f.APIToken, ""),
		RequestTimeout: durationSetting("FIELDSYNC_REQUEST_TIMEOUT", f.RequestTimeout, DefaultRequestTimeout),
		MaxAttempts:    intSetting("FIELDSYNC_MAX_ATTEMPTS", f.MaxAttempts, DefaultMaxAttempts),
		SyncInterval:   durationSetting("FIELDSYNC_SYNC_INTERVAL", f.SyncInterval, DefaultSyncInterval),
		BackoffBase:    durationSetting("FIELDSYNC_BACKOFF_BASE", f.BackoffBase, DefaultBackoffBase),
		BackoffMax:     durationSetting("FIELDSYNC_BACKOFF_MAX", f.BackoffMax, DefaultBackoffMax),
		ProbeInterval:  durationSetting("FIELDSYNC_PROBE_INTERVAL", f.ProbeInterval, DefaultProbeInterval),
		LogLevel:       strings.ToLower(stringSetting("FIELDSYNC_LOG_LEVEL", f.LogLevel, DefaultLogLevel)),
		LogFormat:      strings.ToLower(stringSetting("FIELDSYNC_LOG_FORMAT", f.LogFormat, DefaultLogFormat)),
		Features:       f.Features,
	}

	if err := apiclient.CheckBaseURL(s.ServerURL); err != nil {
		return nil, fmt.Errorf("server_url: %w", err)
	}

	dataDir := stringSetting("FIELDSYNC_DATA_DIR", f.DataDir, "")
	if dataDir == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(dir, "data")
	}
	s.DataDir = dataDir

	if s.BackoffMax < s.BackoffBase {
		s.BackoffMax = s.BackoffBase
	}
	return s, nil
}

// Keys lists the config file keys accepted by Set, in display order.
var Keys = []string{
	"server_url", "api_token", "data_dir", "request_timeout", "max_attempts",
	"sync_interval", "backoff_base", "backoff_max", "probe_interval",
	"log_level", "log_format",
}

// Set updates one key in f after validating the value.
func (f *File) Set(key, value string) error {
	switch key {
	case "server_url":
		if err := apiclient.CheckBaseURL(value); err != nil {
			return fmt.Errorf("server_url: %w", err)
		}
		f.ServerURL = value
	case "api_token":
		f.APIToken = value
	case "data_dir":
		f.DataDir = value
	case "request_timeout", "sync_interval", "backoff_base", "backoff_max", "probe_interval":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s: want a positive duration like 30s, got %q", key, value)
		}
		switch key {
		case "request_timeout":
			f.RequestTimeout = value
		case "sync_interval":
			f.SyncInterval = value
		case "backoff_base":
			f.BackoffBase = value
		case "backoff_max":
			f.BackoffMax = value
		case "probe_interval":
			f.ProbeInterval = value
		}
	case "max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("max_attempts: want a positive integer, got %q", value)
		}
		f.MaxAttempts = &n
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
			f.LogLevel = strings.ToLower(value)
		default:
			return fmt.Errorf("log_level: want debug, info, warn or error, got %q", value)
		}
	case "log_format":
		switch strings.ToLower(value) {
		case "text", "json":
			f.LogFormat = strings.ToLower(value)
		default:
			return fmt.Errorf("log_format: want text or json, got %q", value)
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func stringSetting(envKey, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

// durationSetting ignores unparseable or non-positive values at each level.
func durationSetting(envKey, fileVal string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if fileVal != "" {
		if d, err := time.ParseDuration(fileVal); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func intSetting(envKey string, fileVal *int, def int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if fileVal != nil && *fileVal > 0 {
		return *fileVal
	}
	return def
}
