package crmsync

import (
	"path/filepath"
	"testing"
)

func TestInMemoryQueuePreservesFIFOOrder(t *testing.T) {
	queue := NewInMemoryPayloadQueue(0)
	for _, id := range []string{"p1", "p2", "p3"} {
		if !queue.TryEnqueue(Payload{ID: id}) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	if queue.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", queue.Depth())
	}
	for _, want := range []string{"p1", "p2", "p3"} {
		got, ok := queue.TryDequeue()
		if !ok || got.ID != want {
			t.Fatalf("expected %s, got %q (ok=%v)", want, got.ID, ok)
		}
	}
	if _, ok := queue.TryDequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestInMemoryQueueUnboundedByDefault(t *testing.T) {
	queue := NewInMemoryPayloadQueue(0)
	for i := 0; i < 5000; i++ {
		if !queue.TryEnqueue(Payload{ID: "p"}) {
			t.Fatalf("enqueue %d rejected on unbounded queue", i)
		}
	}
}

func TestInMemoryQueueHonorsCapacity(t *testing.T) {
	queue := NewInMemoryPayloadQueue(2)
	if !queue.TryEnqueue(Payload{ID: "p1"}) || !queue.TryEnqueue(Payload{ID: "p2"}) {
		t.Fatal("expected enqueue to succeed under capacity")
	}
	if queue.TryEnqueue(Payload{ID: "p3"}) {
		t.Fatal("expected enqueue to fail at capacity")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-queue.json")
	queue, err := NewFilePayloadQueue(path, 0)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if !queue.TryEnqueue(Payload{ID: "p1", TS: "t1"}) || !queue.TryEnqueue(Payload{ID: "p2", TS: "t2"}) {
		t.Fatal("expected enqueue to succeed")
	}

	reopened, err := NewFilePayloadQueue(path, 0)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	first, ok := reopened.TryDequeue()
	if !ok || first.ID != "p1" {
		t.Fatalf("expected first dequeued payload p1, got %q (ok=%v)", first.ID, ok)
	}
	second, ok := reopened.TryDequeue()
	if !ok || second.ID != "p2" {
		t.Fatalf("expected second dequeued payload p2, got %q (ok=%v)", second.ID, ok)
	}
}

func TestFileQueueRequiresPath(t *testing.T) {
	if _, err := NewFilePayloadQueue("  ", 0); err == nil {
		t.Fatal("expected error for blank path")
	}
}
