package db

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/orchardlog/fieldsync/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueue(t *testing.T, db *DB, method models.Method, endpoint, payload string) int64 {
	t.Helper()
	item := &models.QueueItem{Method: method, Endpoint: endpoint}
	if payload != "" {
		item.Payload = json.RawMessage(payload)
	}
	id, err := db.Enqueue(item)
	if err != nil {
		t.Fatalf("Enqueue(%s %s): %v", method, endpoint, err)
	}
	return id
}

func TestEnqueue_DefaultsAndRoundTrip(t *testing.T) {
	db := openTestDB(t)

	before := time.Now().Add(-time.Second)
	item := &models.QueueItem{
		Method:    models.MethodCreate,
		Endpoint:  "/fertilizer",
		Payload:   json.RawMessage(`{"product":"urea","kg":40}`),
		EntityRef: "tmp-1",
	}
	id, err := db.Enqueue(item)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.ID != id {
		t.Errorf("item.ID = %d, want %d", item.ID, id)
	}

	got, err := db.GetItem(id)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.Attempts != 0 || got.LastError != nil {
		t.Errorf("fresh item has attempts=%d lastError=%v", got.Attempts, got.LastError)
	}
	if got.Method != models.MethodCreate || got.Endpoint != "/fertilizer" || got.EntityRef != "tmp-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if string(got.Payload) != `{"product":"urea","kg":40}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if got.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want around now", got.CreatedAt)
	}
}

func TestEnqueue_DeleteWithoutPayload(t *testing.T) {
	db := openTestDB(t)
	id := enqueue(t, db, models.MethodDelete, "/spray/42", "")

	got, err := db.GetItem(id)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Payload != nil {
		t.Errorf("payload = %s, want nil", got.Payload)
	}
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	db := openTestDB(t)

	tests := []struct {
		name string
		item models.QueueItem
	}{
		{"unknown method", models.QueueItem{Method: "PATCH", Endpoint: "/x"}},
		{"empty endpoint", models.QueueItem{Method: models.MethodCreate, Endpoint: "  "}},
		{"bad payload", models.QueueItem{Method: models.MethodCreate, Endpoint: "/x", Payload: json.RawMessage(`{`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := db.Enqueue(&tc.item); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if n, _ := db.CountItems(); n != 0 {
		t.Errorf("count = %d after rejected enqueues, want 0", n)
	}
}

func TestPeekOrdered_InsertionOrder(t *testing.T) {
	db := openTestDB(t)

	want := []string{"/a", "/b", "/c", "/d"}
	for _, ep := range want {
		enqueue(t, db, models.MethodCreate, ep, `{}`)
	}

	items, err := db.PeekOrdered()
	if err != nil {
		t.Fatalf("PeekOrdered: %v", err)
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.Endpoint != want[i] {
			t.Errorf("items[%d] = %s, want %s", i, item.Endpoint, want[i])
		}
		if i > 0 && item.ID <= items[i-1].ID {
			t.Errorf("ids not increasing: %d after %d", item.ID, items[i-1].ID)
		}
	}

	// Peeking changes nothing.
	again, _ := db.PeekOrdered()
	if len(again) != len(items) {
		t.Errorf("second peek returned %d items, want %d", len(again), len(items))
	}
}

func TestIDsNotReusedAfterRemove(t *testing.T) {
	db := openTestDB(t)
	first := enqueue(t, db, models.MethodCreate, "/a", `{}`)
	if err := db.RemoveItem(first); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	second := enqueue(t, db, models.MethodCreate, "/b", `{}`)
	if second <= first {
		t.Errorf("id %d reused or decreased after removing %d", second, first)
	}
}

func TestUpdateItem_Patch(t *testing.T) {
	db := openTestDB(t)
	id := enqueue(t, db, models.MethodUpdate, "/spray/7", `{"rate":2}`)

	attempts := 2
	status := models.StatusFailedRetryable
	err := db.UpdateItem(id, models.ItemPatch{
		Status:    &status,
		Attempts:  &attempts,
		LastError: &models.ItemError{Kind: models.ErrorTransient, Status: 503, Message: "unavailable"},
	})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	got, _ := db.GetItem(id)
	if got.Status != status || got.Attempts != 2 {
		t.Errorf("got status=%q attempts=%d", got.Status, got.Attempts)
	}
	if got.LastError == nil || got.LastError.Status != 503 || got.LastError.Kind != models.ErrorTransient {
		t.Errorf("last error = %+v", got.LastError)
	}
	if string(got.Payload) != `{"rate":2}` || got.Endpoint != "/spray/7" {
		t.Errorf("content changed by patch: %+v", got)
	}

	if err := db.UpdateItem(id, models.ItemPatch{ClearError: true}); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	got, _ = db.GetItem(id)
	if got.LastError != nil {
		t.Errorf("last error not cleared: %+v", got.LastError)
	}

	// An empty patch is a no-op.
	if err := db.UpdateItem(id, models.ItemPatch{}); err != nil {
		t.Errorf("empty patch: %v", err)
	}
}

func TestUpdateAndRemove_Missing(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpdateItem(99, models.PatchStatus(models.StatusDead)); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("UpdateItem(missing) = %v, want ErrItemNotFound", err)
	}
	if err := db.RemoveItem(99); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("RemoveItem(missing) = %v, want ErrItemNotFound", err)
	}
	if _, err := db.GetItem(99); !IsNotFound(err) {
		t.Errorf("GetItem(missing) = %v, want ErrItemNotFound", err)
	}
}

func TestQueueContentIsImmutable(t *testing.T) {
	db := openTestDB(t)
	id := enqueue(t, db, models.MethodCreate, "/a", `{"n":1}`)

	for _, stmt := range []string{
		`UPDATE queue_items SET endpoint = '/b' WHERE id = ?`,
		`UPDATE queue_items SET payload = '{"n":2}' WHERE id = ?`,
		`UPDATE queue_items SET method = 'DELETE' WHERE id = ?`,
	} {
		if _, err := db.conn.Exec(stmt, id); err == nil {
			t.Errorf("%s: expected trigger to abort", stmt)
		}
	}
	got, _ := db.GetItem(id)
	if got.Endpoint != "/a" || string(got.Payload) != `{"n":1}` {
		t.Errorf("content changed: %+v", got)
	}
}

func TestCountByStatus(t *testing.T) {
	db := openTestDB(t)
	a := enqueue(t, db, models.MethodCreate, "/a", `{}`)
	enqueue(t, db, models.MethodCreate, "/b", `{}`)
	c := enqueue(t, db, models.MethodCreate, "/c", `{}`)
	db.UpdateItem(a, models.PatchStatus(models.StatusDead))
	db.UpdateItem(c, models.PatchStatus(models.StatusFailedRetryable))

	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	want := map[models.ItemStatus]int{
		models.StatusDead:            1,
		models.StatusPending:         1,
		models.StatusFailedRetryable: 1,
	}
	for s, n := range want {
		if counts[s] != n {
			t.Errorf("counts[%s] = %d, want %d", s, counts[s], n)
		}
	}
	if total, _ := db.CountItems(); total != 3 {
		t.Errorf("CountItems = %d, want 3", total)
	}
}

func TestOpen_NormalizesInFlight(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := enqueue(t, db, models.MethodCreate, "/a", `{}`)
	if err := db.UpdateItem(id, models.PatchStatus(models.StatusSyncing)); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	got, err := db.GetItem(id)
	if err != nil {
		t.Fatalf("GetItem after reopen: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status after reopen = %q, want pending", got.Status)
	}
}

func TestRequeueDead(t *testing.T) {
	db := openTestDB(t)
	id := enqueue(t, db, models.MethodCreate, "/a", `{}`)
	live := enqueue(t, db, models.MethodCreate, "/b", `{}`)

	attempts := 5
	dead := models.StatusDead
	db.UpdateItem(id, models.ItemPatch{Status: &dead, Attempts: &attempts,
		LastError: &models.ItemError{Kind: models.ErrorTransient, Message: "gave up"}})

	if err := db.RequeueDead(id); err != nil {
		t.Fatalf("RequeueDead: %v", err)
	}
	got, _ := db.GetItem(id)
	if got.Status != models.StatusPending || got.Attempts != 0 || got.LastError != nil {
		t.Errorf("requeued item = %+v", got)
	}

	if err := db.RequeueDead(live); !errors.Is(err, ErrNotDead) {
		t.Errorf("RequeueDead(live) = %v, want ErrNotDead", err)
	}
	if err := db.RequeueDead(404); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("RequeueDead(missing) = %v, want ErrItemNotFound", err)
	}
}

func TestDiscardItem(t *testing.T) {
	db := openTestDB(t)
	id := enqueue(t, db, models.MethodCreate, "/a", `{}`)

	if err := db.DiscardItem(id); !errors.Is(err, ErrNotDead) {
		t.Fatalf("DiscardItem(live) = %v, want ErrNotDead", err)
	}
	db.UpdateItem(id, models.PatchStatus(models.StatusDead))
	if err := db.DiscardItem(id); err != nil {
		t.Fatalf("DiscardItem: %v", err)
	}
	if _, err := db.GetItem(id); !IsNotFound(err) {
		t.Errorf("item still present after discard: %v", err)
	}

	dead, err := db.ListByStatus(models.StatusDead)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(dead) != 0 {
		t.Errorf("dead items = %d, want 0", len(dead))
	}
}

func TestStorageErrorIsTyped(t *testing.T) {
	db := openTestDB(t)
	db.Close()

	_, err := db.Enqueue(&models.QueueItem{Method: models.MethodCreate, Endpoint: "/a"})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Enqueue on closed db = %v, want *StorageError", err)
	}
	if se.Op != "enqueue" {
		t.Errorf("op = %q, want enqueue", se.Op)
	}
	if _, err := db.PeekOrdered(); !errors.As(err, &se) {
		t.Errorf("PeekOrdered on closed db = %v, want *StorageError", err)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	db := openTestDB(t)
	v, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("version = %d, want %d", v, SchemaVersion)
	}
	ran, err := db.RunMigrations()
	if err != nil || ran != 0 {
		t.Errorf("second RunMigrations = (%d, %v), want (0, nil)", ran, err)
	}
}
