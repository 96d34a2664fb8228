package crmsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultSnapshotPath = "data/crm_snapshot.json"

// baseSnapshot is the default schema. Every key (and nested key) present
// here is guaranteed to exist after SnapshotStore.Load, which is how older
// snapshot files are migrated under newer code.
func baseSnapshot() map[string]any {
	return map[string]any{
		"cached_records": []any{},
		"last_sync":      nil,
		"ai_fail_count":  0,
		"ai_latency_totals": map[string]any{
			"transcribe": 0.0,
			"polish":     0.0,
		},
		"ai_latency_counts": map[string]any{
			"transcribe": 0,
			"polish":     0,
		},
		"last_payload":    map[string]any{},
		"recent_payloads": []any{},
		"last_crm_status": map[string]any{
			"state":         nil,
			"timestamp":     nil,
			"response_code": nil,
			"error":         nil,
		},
	}
}

// SnapshotBackend persists the snapshot document. Load returns (nil, nil)
// when no snapshot exists yet.
type SnapshotBackend interface {
	Load() (map[string]any, error)
	Save(doc map[string]any) error
}

type snapshotBackendCloser interface {
	Close() error
}

type JSONFileSnapshotBackend struct {
	path string
}

func NewJSONFileSnapshotBackend(path string) *JSONFileSnapshotBackend {
	return &JSONFileSnapshotBackend{path: path}
}

func (b *JSONFileSnapshotBackend) Load() (map[string]any, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *JSONFileSnapshotBackend) Save(doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

type InMemorySnapshotBackend struct {
	mu  sync.Mutex
	doc map[string]any
}

func NewInMemorySnapshotBackend() *InMemorySnapshotBackend {
	return &InMemorySnapshotBackend{}
}

func (b *InMemorySnapshotBackend) Load() (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return nil, nil
	}
	return cloneSnapshotDoc(b.doc)
}

func (b *InMemorySnapshotBackend) Save(doc map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone, err := cloneSnapshotDoc(doc)
	if err != nil {
		return err
	}
	b.doc = clone
	return nil
}

// SnapshotStore layers seeding, additive migration, and shallow-merge saves
// over a backend. Load never fails: a missing or corrupt document degrades
// to the default schema.
type SnapshotStore struct {
	backend SnapshotBackend
	logger  *logrus.Logger
	mu      sync.Mutex
	now     func() time.Time
}

func NewSnapshotStore(backend SnapshotBackend, logger *logrus.Logger) *SnapshotStore {
	if backend == nil {
		backend = NewJSONFileSnapshotBackend(DefaultSnapshotPath)
	}
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &SnapshotStore{backend: backend, logger: logger, now: time.Now}
}

func (s *SnapshotStore) Load() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save applies a partial update: nested maps merge key-by-key (one level)
// into the existing sub-document, everything else replaces. last_sync is
// refreshed on every save.
func (s *SnapshotStore) Save(update map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.loadLocked()
	for key, value := range update {
		if nested, ok := value.(map[string]any); ok {
			if existing, ok := doc[key].(map[string]any); ok {
				for nestedKey, nestedValue := range nested {
					existing[nestedKey] = nestedValue
				}
				continue
			}
		}
		doc[key] = value
	}
	doc["last_sync"] = s.now().Format(statusTimestampLayout)
	return s.backend.Save(doc)
}

func (s *SnapshotStore) Close() error {
	if closer, ok := s.backend.(snapshotBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *SnapshotStore) loadLocked() map[string]any {
	doc, err := s.backend.Load()
	if err != nil {
		// Truncated or corrupted mid-write; fall back to a fresh snapshot.
		s.logger.Warnf("snapshot load failed, falling back to defaults: %v", err)
		doc = nil
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if mergeSnapshotDefaults(doc) {
		if err := s.backend.Save(doc); err != nil {
			s.logger.Warnf("snapshot migration write failed: %v", err)
		}
	}
	return doc
}

// mergeSnapshotDefaults backfills any default key absent from doc, merging
// nested map keys individually. Reports whether doc changed.
func mergeSnapshotDefaults(doc map[string]any) bool {
	changed := false
	for key, value := range baseSnapshot() {
		current, exists := doc[key]
		if !exists {
			doc[key] = value
			changed = true
			continue
		}
		defaults, defaultIsMap := value.(map[string]any)
		existing, existingIsMap := current.(map[string]any)
		if defaultIsMap && existingIsMap {
			for nestedKey, nestedValue := range defaults {
				if _, ok := existing[nestedKey]; !ok {
					existing[nestedKey] = nestedValue
					changed = true
				}
			}
		}
	}
	return changed
}

func cloneSnapshotDoc(doc map[string]any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return clone, nil
}
