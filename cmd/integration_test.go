package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/orchardlog/fieldsync/internal/devserver"
	"github.com/orchardlog/fieldsync/internal/output"
)

// flakyBackend fronts a dev server with a switch that makes every route,
// health check included, answer 503.
type flakyBackend struct {
	down atomic.Bool
	srv  *httptest.Server
}

func newFlakyBackend(t *testing.T) *flakyBackend {
	t.Helper()
	store, err := devserver.OpenStore(filepath.Join(t.TempDir(), "dev.db"))
	if err != nil {
		t.Fatalf("open dev store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	dev, err := devserver.NewServer(devserver.Config{MaxBodyBytes: 1 << 16}, store)
	if err != nil {
		t.Fatalf("new dev server: %v", err)
	}

	b := &flakyBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		dev.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// run executes the CLI with --json and decodes its stdout.
func run(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	prev := output.Stdout
	output.Stdout = &buf
	defer func() { output.Stdout = prev }()

	resetFlags(rootCmd)
	rootCmd.SetArgs(append(args, "--json"))
	_ = rootCmd.Execute()

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("fieldsync %s: output %q is not a JSON object: %v", strings.Join(args, " "), buf.String(), err)
	}
	return out
}

// resetFlags undoes flag values left behind by an earlier Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func setupCLI(t *testing.T, serverURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FIELDSYNC_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("FIELDSYNC_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("FIELDSYNC_SERVER_URL", serverURL)
	t.Setenv("FIELDSYNC_LOG_LEVEL", "error")
}

func TestOfflineWritesReplayInOrder(t *testing.T) {
	backend := newFlakyBackend(t)
	setupCLI(t, backend.srv.URL)

	backend.down.Store(true)

	field := run(t, "post", "/fields", `{"name":"North"}`)
	if field["outcome"] != "queued" {
		t.Fatalf("post while down = %v", field)
	}
	tempID, _ := field["entity_ref"].(string)
	if !strings.HasPrefix(tempID, "tmp-") {
		t.Fatalf("entity_ref = %q", tempID)
	}

	harvest := run(t, "post", "/harvests", `{"field_id":"`+tempID+`","kg":120}`)
	if harvest["outcome"] != "queued" {
		t.Fatalf("dependent post = %v", harvest)
	}

	queue := run(t, "queue")
	if queue["pending"] != float64(2) {
		t.Fatalf("queue = %v", queue)
	}

	// The run is attempted anyway and stops at the first failure.
	offline := run(t, "sync")
	if offline["success_count"] != float64(0) || offline["fail_count"] != float64(1) ||
		offline["stopped"] != true || offline["remaining"] != float64(2) {
		t.Fatalf("sync while down = %v", offline)
	}

	backend.down.Store(false)

	sum := run(t, "sync")
	if sum["success_count"] != float64(2) || sum["dead_count"] != float64(0) {
		t.Fatalf("sync = %v", sum)
	}

	queue = run(t, "queue")
	if queue["pending"] != float64(0) {
		t.Fatalf("queue after sync = %v", queue)
	}

	// The server only accepts real ids, so a delivered harvest proves the
	// temporary field id was rewritten.
	resp, err := http.Get(backend.srv.URL + "/harvests")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var harvests []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&harvests); err != nil {
		t.Fatal(err)
	}
	if len(harvests) != 1 {
		t.Fatalf("harvests = %v", harvests)
	}
	if id, _ := harvests[0]["field_id"].(string); id == "" || strings.HasPrefix(id, "tmp-") {
		t.Errorf("harvest field_id = %q", id)
	}
}

func TestReadsFallBackToCache(t *testing.T) {
	backend := newFlakyBackend(t)
	setupCLI(t, backend.srv.URL)

	created := run(t, "post", "/fields", `{"name":"South"}`)
	if created["outcome"] != "delivered" {
		t.Fatalf("post = %v", created)
	}
	id := created["data"].(map[string]any)["id"].(string)

	live := run(t, "get", "/fields/"+id)
	if live["outcome"] != "delivered" {
		t.Fatalf("live get = %v", live)
	}

	backend.down.Store(true)
	cached := run(t, "get", "/fields/"+id)
	if cached["outcome"] != "from_cache" {
		t.Fatalf("get while down = %v", cached)
	}
	if cached["data"].(map[string]any)["name"] != "South" {
		t.Errorf("cached data = %v", cached["data"])
	}
}

func TestRejectedWriteGoesDead(t *testing.T) {
	backend := newFlakyBackend(t)
	setupCLI(t, backend.srv.URL)

	backend.down.Store(true)
	run(t, "post", "/harvests", `{"kg":-5}`)
	backend.down.Store(false)

	sum := run(t, "sync")
	if sum["dead_count"] != float64(1) {
		t.Fatalf("sync = %v", sum)
	}

	queue := run(t, "queue", "--status", "dead")
	items, _ := queue["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("dead items = %v", queue)
	}

	notFound := run(t, "queue", "show", "999")
	errObj, _ := notFound["error"].(map[string]any)
	if errObj["code"] != output.ErrCodeNotFound {
		t.Errorf("show missing = %v", notFound)
	}
}

func TestSchemelessServerURLIsRejectedUpFront(t *testing.T) {
	backend := newFlakyBackend(t)
	setupCLI(t, backend.srv.URL)

	backend.down.Store(true)
	run(t, "post", "/fields", `{"name":"East"}`)
	backend.down.Store(false)

	out := run(t, "sync", "--server", "127.0.0.1:8080")
	errObj, _ := out["error"].(map[string]any)
	if errObj["code"] != output.ErrCodeInvalidInput {
		t.Fatalf("sync with bad --server = %v", out)
	}

	queue := run(t, "queue", "--status", "dead")
	if items, _ := queue["items"].([]any); len(items) != 0 {
		t.Fatalf("items dead-lettered by a bad server url: %v", queue)
	}
	if pending := run(t, "queue")["pending"]; pending != float64(1) {
		t.Errorf("pending = %v, want 1", pending)
	}
}
