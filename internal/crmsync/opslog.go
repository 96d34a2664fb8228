package crmsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultOpsLogPath = "data/ops_log.jsonl"

// OpsLogEntry is one immutable lifecycle record. The schema is an external
// contract: delivery health must be reconstructable from the log alone.
type OpsLogEntry struct {
	TS             string  `json:"ts"`
	Status         string  `json:"status"`
	QueueLen       int     `json:"queue_len"`
	CachedRecords  int     `json:"cached_records"`
	AIFailures     int     `json:"ai_failures"`
	ProcessedCount int     `json:"crm_processed_count"`
	ResponseCode   *int    `json:"crm_response_code,omitempty"`
	CRMError       *string `json:"crm_error,omitempty"`
	CRMAttempts    *int    `json:"crm_attempts,omitempty"`
}

// OpsLog appends newline-delimited JSON records and fans each one out to
// live subscribers (the dashboard stream). The file is never read back by
// the worker.
type OpsLog struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	nextSub int
	subs    map[int]chan OpsLogEntry
}

func NewOpsLog(path string, logger *logrus.Logger) *OpsLog {
	if path == "" {
		path = DefaultOpsLogPath
	}
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &OpsLog{
		path:   path,
		logger: logger,
		subs:   map[int]chan OpsLogEntry{},
	}
}

func (l *OpsLog) Append(entry OpsLogEntry) error {
	if entry.TS == "" {
		entry.TS = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := file.Write(append(data, '\n'))
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	l.broadcastLocked(entry)
	return writeErr
}

// Subscribe returns a channel of future entries and a cancel func. Slow
// subscribers drop entries rather than block the worker.
func (l *OpsLog) Subscribe() (<-chan OpsLogEntry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan OpsLogEntry, 16)
	l.subs[id] = ch
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (l *OpsLog) broadcastLocked(entry OpsLogEntry) {
	for _, ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
