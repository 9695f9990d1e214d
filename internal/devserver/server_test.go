package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/models"
)

func newTestServer(t *testing.T, modCfg func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "dev.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{ListenAddr: ":0", MaxBodyBytes: 1 << 16}
	if modCfg != nil {
		modCfg(&cfg)
	}
	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	code, body := do(t, ts, "GET", "/healthz", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", code, body)
	}
}

func TestRecordLifecycle(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, created := do(t, ts, "POST", "/fields", map[string]any{"name": "North", "acres": 12})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", created)
	}
	if created["version"] != float64(1) {
		t.Errorf("version = %v, want 1", created["version"])
	}

	code, got := do(t, ts, "GET", "/fields/"+id, nil)
	if code != http.StatusOK || got["name"] != "North" {
		t.Fatalf("get = %d %v", code, got)
	}

	code, patched := do(t, ts, "PATCH", "/fields/"+id, map[string]any{"acres": 14})
	if code != http.StatusOK {
		t.Fatalf("patch = %d %v", code, patched)
	}
	if patched["name"] != "North" || patched["acres"] != float64(14) || patched["version"] != float64(2) {
		t.Errorf("patched = %v", patched)
	}

	code, replaced := do(t, ts, "PUT", "/fields/"+id, map[string]any{"name": "North field"})
	if code != http.StatusOK {
		t.Fatalf("put = %d %v", code, replaced)
	}
	if _, ok := replaced["acres"]; ok {
		t.Errorf("put kept acres: %v", replaced)
	}

	code, _ = do(t, ts, "DELETE", "/fields/"+id, nil)
	if code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	code, _ = do(t, ts, "GET", "/fields/"+id, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", code)
	}
}

func TestListFilters(t *testing.T) {
	_, ts := newTestServer(t, nil)
	do(t, ts, "POST", "/harvests", map[string]any{"crop": "apple"})
	do(t, ts, "POST", "/harvests", map[string]any{"crop": "pear"})
	do(t, ts, "POST", "/harvests", map[string]any{"crop": "apple"})

	resp, err := http.Get(ts.URL + "/harvests?crop=apple")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
}

func TestValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tests := []struct {
		name string
		body any
	}{
		{"array body", []int{1, 2}},
		{"temp reference", map[string]any{"field_id": "tmp-0f8c"}},
		{"nested temp reference", map[string]any{"rows": []any{map[string]any{"plot": "tmp-1"}}}},
		{"negative number", map[string]any{"weight": -3}},
		{"bad version", map[string]any{"version": "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, ts, "POST", "/harvests", tt.body)
			if code != http.StatusUnprocessableEntity {
				t.Fatalf("code = %d, want 422 (%v)", code, body)
			}
		})
	}
}

func TestVersionConflict(t *testing.T) {
	_, ts := newTestServer(t, nil)
	_, created := do(t, ts, "POST", "/fields", map[string]any{"name": "A"})
	id := created["id"].(string)

	if code, _ := do(t, ts, "PUT", "/fields/"+id, map[string]any{"name": "B", "version": 1}); code != http.StatusOK {
		t.Fatalf("first put = %d", code)
	}
	code, body := do(t, ts, "PUT", "/fields/"+id, map[string]any{"name": "C", "version": 1})
	if code != http.StatusConflict {
		t.Fatalf("stale put = %d, want 409", code)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != ErrCodeConflict {
		t.Errorf("error code = %v", errObj["code"])
	}
}

func TestTokenRequired(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.APIToken = "secret" })

	if code, _ := do(t, ts, "GET", "/fields", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code, _ := do(t, ts, "GET", "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz with no token = %d, want 200", code)
	}

	client := apiclient.New(ts.URL, "secret", time.Second)
	if _, err := client.Get(context.Background(), "/fields", nil); err != nil {
		t.Fatalf("authorized get: %v", err)
	}
}

func TestInjectedFailures(t *testing.T) {
	srv, ts := newTestServer(t, func(c *Config) { c.FailRate = 0.5 })
	srv.rand = func() float64 { return 0.1 }

	client := apiclient.New(ts.URL, "", time.Second)
	_, err := client.Do(context.Background(), "POST", "/fields", json.RawMessage(`{"name":"A"}`))
	if got := apiclient.Classify(err); got != models.ErrorTransient {
		t.Fatalf("classify = %q, want transient (err %v)", got, err)
	}
	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("healthz should bypass faults: %v", err)
	}
	if n := srv.metrics.Snapshot().InjectedFaults; n != 1 {
		t.Errorf("injected faults = %d, want 1", n)
	}

	srv.rand = func() float64 { return 0.9 }
	if _, err := client.Do(context.Background(), "POST", "/fields", json.RawMessage(`{"name":"A"}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestLatencyTimesOut(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.Latency = 200 * time.Millisecond })
	client := apiclient.New(ts.URL, "", 20*time.Millisecond)
	_, err := client.Do(context.Background(), "POST", "/fields", json.RawMessage(`{}`))
	if got := apiclient.Classify(err); got != models.ErrorTransient {
		t.Fatalf("classify = %q, want transient (err %v)", got, err)
	}
}

func TestClientClassification(t *testing.T) {
	_, ts := newTestServer(t, nil)
	client := apiclient.New(ts.URL, "", time.Second)
	ctx := context.Background()

	_, err := client.Do(ctx, "POST", "/fields", json.RawMessage(`{"plot":"tmp-9"}`))
	if got := apiclient.Classify(err); got != models.ErrorValidation {
		t.Errorf("temp ref classify = %q, want validation", got)
	}

	raw, err := client.Do(ctx, "POST", "/fields", json.RawMessage(`{"name":"A"}`))
	if err != nil {
		t.Fatal(err)
	}
	var rec struct{ ID string }
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	client.Do(ctx, "PUT", "/fields/"+rec.ID, json.RawMessage(`{"name":"B","version":1}`))
	_, err = client.Do(ctx, "PUT", "/fields/"+rec.ID, json.RawMessage(`{"name":"C","version":1}`))
	if got := apiclient.Classify(err); got != models.ErrorConflict {
		t.Errorf("stale put classify = %q, want conflict", got)
	}

	raw, err = client.Do(ctx, "DELETE", "/fields/"+rec.ID, nil)
	if err != nil || raw != nil {
		t.Errorf("delete = %s, %v", raw, err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("k", 3) {
			t.Fatalf("request %d denied", i)
		}
	}
	if rl.Allow("k", 3) {
		t.Fatal("fourth request allowed")
	}
	if !rl.Allow("other", 3) {
		t.Fatal("other key denied")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("k", 3) {
		t.Fatal("new window denied")
	}

	now = now.Add(5 * time.Minute)
	rl.cleanup()
	if len(rl.buckets) != 0 {
		t.Errorf("buckets after cleanup = %d", len(rl.buckets))
	}
}

func TestRateLimitResponds429(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.RateLimit = 1 })
	do(t, ts, "GET", "/fields", nil)
	code, _ := do(t, ts, "GET", "/fields", nil)
	if code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", code)
	}
	client := apiclient.New(ts.URL, "", time.Second)
	_, err := client.Get(context.Background(), "/fields", nil)
	if !apiclient.IsTransient(err) {
		t.Errorf("429 should be transient: %v", err)
	}
}
