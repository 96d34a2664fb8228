package crmsync

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeDeliveryClient plays back a scripted result sequence; once the script
// is exhausted it repeats the final result. It also tracks delivery order
// and flags overlapping calls, which a single worker must never produce.
type fakeDeliveryClient struct {
	mu       sync.Mutex
	script   []DeliveryResult
	calls    int
	order    []string
	attempts []int
	inFlight int
	overlap  bool
}

func newFakeDeliveryClient(script ...DeliveryResult) *fakeDeliveryClient {
	if len(script) == 0 {
		script = []DeliveryResult{{Status: DeliveryOK, ResponseCode: 200}}
	}
	return &fakeDeliveryClient{script: script}
}

func (c *fakeDeliveryClient) Deliver(_ context.Context, p Payload, attempt int) DeliveryResult {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > 1 {
		c.overlap = true
	}
	idx := c.calls
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	result := c.script[idx]
	c.calls++
	c.order = append(c.order, p.ID)
	c.attempts = append(c.attempts, attempt)
	c.mu.Unlock()

	// Hold the in-flight slot briefly so overlapping workers are caught.
	time.Sleep(2 * time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return result
}

func (c *fakeDeliveryClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeDeliveryClient) deliveredOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func readOpsStatuses(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ops log failed: %v", err)
	}
	defer file.Close()
	var statuses []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry OpsLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid ops log line %q: %v", scanner.Text(), err)
		}
		statuses = append(statuses, entry.Status)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan ops log failed: %v", err)
	}
	return statuses
}
