package crmsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PayloadQueue is the FIFO sequence of payloads awaiting a delivery attempt.
// Producers append at the tail; the single worker removes from the head.
// TryEnqueue never blocks the producer.
type PayloadQueue interface {
	TryEnqueue(p Payload) bool
	TryDequeue() (Payload, bool)
	Depth() int
	SnapshotPayloads() []Payload
	Close() error
}

type inMemoryPayloadQueue struct {
	capacity int
	mu       sync.Mutex
	items    []Payload
}

// NewInMemoryPayloadQueue builds a queue bounded by capacity; capacity <= 0
// means unbounded, the default for this subsystem.
func NewInMemoryPayloadQueue(capacity int) PayloadQueue {
	return &inMemoryPayloadQueue{
		capacity: capacity,
		items:    []Payload{},
	}
}

func (q *inMemoryPayloadQueue) TryEnqueue(p Payload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, p)
	return true
}

func (q *inMemoryPayloadQueue) TryDequeue() (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Payload{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *inMemoryPayloadQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryPayloadQueue) SnapshotPayloads() []Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Payload(nil), q.items...)
}

func (q *inMemoryPayloadQueue) Close() error {
	return nil
}

type filePayloadQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []Payload
}

type filePayloadQueueState struct {
	Items []Payload `json:"items"`
}

// NewFilePayloadQueue persists the pending queue to a JSON file so payloads
// accepted before a crash are re-attempted after restart.
func NewFilePayloadQueue(path string, capacity int) (PayloadQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &filePayloadQueue{
		path:     path,
		capacity: capacity,
		items:    []Payload{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *filePayloadQueue) TryEnqueue(p Payload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, p)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *filePayloadQueue) TryDequeue() (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Payload{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Payload{item}, q.items...)
		return Payload{}, false
	}
	return item, true
}

func (q *filePayloadQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *filePayloadQueue) SnapshotPayloads() []Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Payload(nil), q.items...)
}

func (q *filePayloadQueue) Close() error {
	return nil
}

func (q *filePayloadQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state filePayloadQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	q.items = append([]Payload(nil), state.Items...)
	return nil
}

func (q *filePayloadQueue) saveLocked() error {
	state := filePayloadQueueState{
		Items: append([]Payload(nil), q.items...),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
