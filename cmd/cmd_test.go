package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/config"
	"github.com/orchardlog/fieldsync/internal/db"
	"github.com/orchardlog/fieldsync/internal/offline"
	"github.com/orchardlog/fieldsync/internal/output"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"season=2025", "paddock=north", "paddock=south", "note="})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if got := params.Get("season"); got != "2025" {
		t.Errorf("season = %q", got)
	}
	if got := params["paddock"]; len(got) != 2 {
		t.Errorf("paddock = %v", got)
	}
	if _, ok := params["note"]; !ok {
		t.Error("empty value dropped")
	}

	for _, bad := range []string{"season", "=2025"} {
		if _, err := parseParams([]string{bad}); !errors.Is(err, errInvalidInput) {
			t.Errorf("parseParams(%q) err = %v, want invalid input", bad, err)
		}
	}
}

func TestReadBody(t *testing.T) {
	body, err := readBody(`{"rate":2.5}`, nil)
	if err != nil || string(body) != `{"rate":2.5}` {
		t.Fatalf("inline = %s, %v", body, err)
	}

	path := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(path, []byte(`{"crop":"apple"}`), 0644); err != nil {
		t.Fatal(err)
	}
	body, err = readBody("@"+path, nil)
	if err != nil || string(body) != `{"crop":"apple"}` {
		t.Fatalf("file = %s, %v", body, err)
	}

	body, err = readBody("-", strings.NewReader(`[1,2]`))
	if err != nil || string(body) != `[1,2]` {
		t.Fatalf("stdin = %s, %v", body, err)
	}

	if _, err := readBody("{nope", nil); !errors.Is(err, errInvalidInput) {
		t.Errorf("invalid json err = %v", err)
	}
	if _, err := readBody("@"+filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("missing file accepted")
	}
}

func TestMatchKeys(t *testing.T) {
	keys := []string{"/paddocks", "/spray?season=2025", "/harvests", "/spray"}

	if got := matchKeys("", keys); len(got) != len(keys) {
		t.Errorf("empty query = %v", got)
	}
	got := matchKeys("spray", keys)
	if len(got) != 2 {
		t.Fatalf("matchKeys(spray) = %v", got)
	}
	for _, k := range got {
		if !strings.HasPrefix(k, "/spray") {
			t.Errorf("unexpected match %q", k)
		}
	}
	if got := matchKeys("zzz", keys); len(got) != 0 {
		t.Errorf("matchKeys(zzz) = %v", got)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("item 4: %w", db.ErrItemNotFound), output.ErrCodeNotFound},
		{fmt.Errorf("item 4: %w", db.ErrNotDead), output.ErrCodeNotDead},
		{fmt.Errorf("%w: x", errInvalidInput), output.ErrCodeInvalidInput},
		{fmt.Errorf("bad: %w", offline.ErrInvalidEndpoint), output.ErrCodeInvalidInput},
		{&db.StorageError{Op: "enqueue", Err: errors.New("disk full")}, output.ErrCodeStorage},
		{&apiclient.Error{Status: 409, Kind: apiclient.KindForStatus(409)}, output.ErrCodeConflict},
		{&apiclient.Error{Status: 422, Kind: apiclient.KindForStatus(422)}, output.ErrCodeRejected},
		{errors.New("dial tcp: connection refused"), output.ErrCodeNetwork},
		{fmt.Errorf("--server: %w", apiclient.CheckBaseURL("127.0.0.1:8080")), output.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSettingsMapMasksToken(t *testing.T) {
	s := &config.Settings{
		ServerURL:      "https://records.example",
		APIToken:       "secret",
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    5,
	}
	m := settingsMap(s)
	if m["api_token"] == "secret" || m["api_token"] == "" {
		t.Errorf("api_token = %q", m["api_token"])
	}
	if m["max_attempts"] != "5" || m["request_timeout"] != "5s" {
		t.Errorf("settings = %v", m)
	}

	s.APIToken = ""
	if got := settingsMap(s)["api_token"]; got != "" {
		t.Errorf("empty token rendered as %q", got)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "ON"} {
		if b, err := parseBool(v); err != nil || !b {
			t.Errorf("parseBool(%q) = %v, %v", v, b, err)
		}
	}
	for _, v := range []string{"false", "0", "off"} {
		if b, err := parseBool(v); err != nil || b {
			t.Errorf("parseBool(%q) = %v, %v", v, b, err)
		}
	}
	if _, err := parseBool("maybe"); !errors.Is(err, errInvalidInput) {
		t.Errorf("parseBool(maybe) err = %v", err)
	}
}

func TestNormalizeFlagName(t *testing.T) {
	if got := normalizeFlagName(nil, "data_dir"); got != "data-dir" {
		t.Errorf("normalizeFlagName = %q", got)
	}
}
