package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FIELDSYNC_CONFIG_DIR", dir)
	for _, k := range []string{
		"FIELDSYNC_SERVER_URL", "FIELDSYNC_API_TOKEN", "FIELDSYNC_DATA_DIR",
		"FIELDSYNC_REQUEST_TIMEOUT", "FIELDSYNC_MAX_ATTEMPTS", "FIELDSYNC_SYNC_INTERVAL",
		"FIELDSYNC_BACKOFF_BASE", "FIELDSYNC_BACKOFF_MAX", "FIELDSYNC_PROBE_INTERVAL",
		"FIELDSYNC_LOG_LEVEL", "FIELDSYNC_LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := useTempConfigDir(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q", s.ServerURL)
	}
	if s.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", s.RequestTimeout)
	}
	if s.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", s.MaxAttempts)
	}
	if s.DataDir != filepath.Join(dir, "data") {
		t.Errorf("DataDir = %q", s.DataDir)
	}
	if s.LogLevel != "warn" || s.LogFormat != "text" {
		t.Errorf("log = %s/%s", s.LogLevel, s.LogFormat)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	useTempConfigDir(t)

	attempts := 8
	if err := SaveFile(&File{
		ServerURL:    "https://records.example",
		MaxAttempts:  &attempts,
		SyncInterval: "1m",
		Features:     map[string]bool{"offline_short_circuit": true},
	}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ServerURL != "https://records.example" || s.MaxAttempts != 8 || s.SyncInterval != time.Minute {
		t.Errorf("file values not applied: %+v", s)
	}
	if !s.Features["offline_short_circuit"] {
		t.Error("features not carried through")
	}

	t.Setenv("FIELDSYNC_MAX_ATTEMPTS", "3")
	t.Setenv("FIELDSYNC_SERVER_URL", "http://10.0.0.2:8080")
	s, _ = Load()
	if s.MaxAttempts != 3 || s.ServerURL != "http://10.0.0.2:8080" {
		t.Errorf("env did not override file: %+v", s)
	}
}

func TestLoad_InvalidValuesFallThrough(t *testing.T) {
	useTempConfigDir(t)
	SaveFile(&File{RequestTimeout: "soon"})
	t.Setenv("FIELDSYNC_MAX_ATTEMPTS", "zero")
	t.Setenv("FIELDSYNC_SYNC_INTERVAL", "-5s")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RequestTimeout != DefaultRequestTimeout || s.MaxAttempts != DefaultMaxAttempts || s.SyncInterval != DefaultSyncInterval {
		t.Errorf("invalid values not ignored: %+v", s)
	}
}

func TestLoad_RejectsSchemelessServerURL(t *testing.T) {
	useTempConfigDir(t)
	t.Setenv("FIELDSYNC_SERVER_URL", "127.0.0.1:8080")
	_, err := Load()
	if !errors.Is(err, apiclient.ErrBadBaseURL) {
		t.Fatalf("err = %v, want ErrBadBaseURL", err)
	}
}

func TestLoad_BadJSON(t *testing.T) {
	dir := useTempConfigDir(t)
	os.WriteFile(filepath.Join(dir, configFileName), []byte("{"), 0644)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveFile_Permissions(t *testing.T) {
	dir := useTempConfigDir(t)
	if err := SaveFile(&File{APIToken: "t0ken"}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, configFileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFile_Set(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server_url", "http://x", false},
		{"server_url", "127.0.0.1:8080", true},
		{"server_url", "ftp://records.example", true},
		{"max_attempts", "7", false},
		{"max_attempts", "0", true},
		{"request_timeout", "20s", false},
		{"backoff_max", "never", true},
		{"log_level", "DEBUG", false},
		{"log_level", "loud", true},
		{"log_format", "json", false},
		{"colour", "blue", true},
	}
	for _, tc := range tests {
		var f File
		err := f.Set(tc.key, tc.value)
		if (err != nil) != tc.wantErr {
			t.Errorf("Set(%s, %s) err = %v, wantErr %v", tc.key, tc.value, err, tc.wantErr)
		}
	}

	var f File
	f.Set("max_attempts", "7")
	f.Set("log_level", "DEBUG")
	if f.MaxAttempts == nil || *f.MaxAttempts != 7 || f.LogLevel != "debug" {
		t.Errorf("Set did not store values: %+v", f)
	}
}

func TestResolve_BackoffMaxNotBelowBase(t *testing.T) {
	useTempConfigDir(t)
	s, err := Resolve(&File{BackoffBase: "10m", BackoffMax: "1m"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.BackoffMax != 10*time.Minute {
		t.Errorf("BackoffMax = %v, want clamped to base", s.BackoffMax)
	}
}
