package crmsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newFileSnapshotStore(t *testing.T) (*SnapshotStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crm_snapshot.json")
	return NewSnapshotStore(NewJSONFileSnapshotBackend(path), testLogger()), path
}

func TestSnapshotLoadSeedsDefaults(t *testing.T) {
	store, path := newFileSnapshotStore(t)
	doc := store.Load()
	for _, key := range []string{"cached_records", "last_sync", "ai_fail_count", "ai_latency_totals", "ai_latency_counts", "last_payload", "recent_payloads", "last_crm_status"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("seeded snapshot missing key %q", key)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected seeded snapshot file on disk: %v", err)
	}
}

func TestSnapshotLoadMigratesMissingKeys(t *testing.T) {
	store, path := newFileSnapshotStore(t)
	older := map[string]any{
		"cached_records":  []any{map[string]any{"id": "p1"}},
		"custom_field":    "keep-me",
		"last_crm_status": map[string]any{"state": "synced"},
	}
	data, err := json.Marshal(older)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}

	doc := store.Load()
	if doc["custom_field"] != "keep-me" {
		t.Fatalf("unrelated value lost in migration: %v", doc["custom_field"])
	}
	cached, ok := doc["cached_records"].([]any)
	if !ok || len(cached) != 1 {
		t.Fatalf("pre-existing cached_records altered: %v", doc["cached_records"])
	}
	if _, ok := doc["ai_fail_count"]; !ok {
		t.Fatal("new top-level key not backfilled")
	}
	status, ok := doc["last_crm_status"].(map[string]any)
	if !ok {
		t.Fatalf("last_crm_status has wrong shape: %v", doc["last_crm_status"])
	}
	if status["state"] != "synced" {
		t.Fatalf("existing nested value overwritten: %v", status["state"])
	}
	if _, ok := status["timestamp"]; !ok {
		t.Fatal("missing nested key not backfilled")
	}
	if _, ok := status["response_code"]; !ok {
		t.Fatal("missing nested key response_code not backfilled")
	}
}

func TestSnapshotLoadToleratesCorruptFile(t *testing.T) {
	store, path := newFileSnapshotStore(t)
	if err := os.WriteFile(path, []byte(`{"cached_records": [truncated`), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot failed: %v", err)
	}
	doc := store.Load()
	if _, ok := doc["last_crm_status"]; !ok {
		t.Fatal("corrupt snapshot did not degrade to default schema")
	}
}

func TestSnapshotLoadToleratesEmptyFile(t *testing.T) {
	store, path := newFileSnapshotStore(t)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty snapshot failed: %v", err)
	}
	doc := store.Load()
	if _, ok := doc["recent_payloads"]; !ok {
		t.Fatal("empty snapshot did not degrade to default schema")
	}
}

func TestSnapshotSaveMergesNestedKeys(t *testing.T) {
	store, _ := newFileSnapshotStore(t)
	if err := store.Save(map[string]any{
		"ai_latency_totals": map[string]any{"transcribe": 1.5},
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	doc := store.Load()
	totals, ok := doc["ai_latency_totals"].(map[string]any)
	if !ok {
		t.Fatalf("ai_latency_totals has wrong shape: %v", doc["ai_latency_totals"])
	}
	if totals["transcribe"] != 1.5 {
		t.Fatalf("nested update not applied: %v", totals["transcribe"])
	}
	if _, ok := totals["polish"]; !ok {
		t.Fatal("nested merge dropped unrelated sibling key")
	}
}

func TestSnapshotSaveReplacesScalarsAndRefreshesLastSync(t *testing.T) {
	store, _ := newFileSnapshotStore(t)
	if err := store.Save(map[string]any{"ai_fail_count": 7}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	doc := store.Load()
	if got := intFromAny(doc["ai_fail_count"]); got != 7 {
		t.Fatalf("expected ai_fail_count 7, got %d", got)
	}
	lastSync, ok := doc["last_sync"].(string)
	if !ok || lastSync == "" {
		t.Fatalf("expected last_sync to be refreshed, got %v", doc["last_sync"])
	}
}

func TestSnapshotFileRemainsValidJSONAfterSave(t *testing.T) {
	store, path := newFileSnapshotStore(t)
	if err := store.Save(map[string]any{"last_payload": map[string]any{"note": "n"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot file is not valid JSON: %v", err)
	}
}

func TestInMemorySnapshotBackendRoundTrip(t *testing.T) {
	backend := NewInMemorySnapshotBackend()
	if doc, err := backend.Load(); err != nil || doc != nil {
		t.Fatalf("expected empty backend, got %v / %v", doc, err)
	}
	if err := backend.Save(map[string]any{"ai_fail_count": 2}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	doc, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if intFromAny(doc["ai_fail_count"]) != 2 {
		t.Fatalf("round trip lost data: %v", doc)
	}
}
