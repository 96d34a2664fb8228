package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrQueueFull      = errors.New("pending queue is full")
	ErrStoreClosed    = errors.New("store is closed")
)

// Lifecycle states attached to a payload at each processing step.
const (
	StateQueued   = "queued"
	StateCached   = "cached"
	StateRetrying = "retrying"
	StateSynced   = "synced"
	StateFailed   = "failed"
	StateFlushed  = "flushed"
)

const (
	statusTimestampLayout = "2006-01-02T15:04:05"
	recentPayloadLimit    = 5

	defaultProcessDelay = 350 * time.Millisecond
	defaultIdleDelay    = 200 * time.Millisecond
)

// StatusMeta is the delivery status block attached to a payload. Exactly one
// StatusMeta is current for a given payload ID at any time.
type StatusMeta struct {
	State        string  `json:"state"`
	Timestamp    string  `json:"timestamp"`
	ResponseCode *int    `json:"response_code"`
	Error        *string `json:"error"`
}

func newStatusMeta(state string, responseCode int, errMsg string) StatusMeta {
	meta := StatusMeta{
		State:     state,
		Timestamp: time.Now().Format(statusTimestampLayout),
	}
	if responseCode != 0 {
		meta.ResponseCode = &responseCode
	}
	if errMsg != "" {
		meta.Error = &errMsg
	}
	return meta
}

func (m StatusMeta) asMap() map[string]any {
	doc := map[string]any{
		"state":         m.State,
		"timestamp":     m.Timestamp,
		"response_code": nil,
		"error":         nil,
	}
	if m.ResponseCode != nil {
		doc["response_code"] = *m.ResponseCode
	}
	if m.Error != nil {
		doc["error"] = *m.Error
	}
	return doc
}

// SyncStatus is the delivery-health summary exposed to the UI layer.
type SyncStatus struct {
	QueueDepth       int         `json:"queue_depth"`
	CachedRecords    int         `json:"cached_records"`
	Offline          bool        `json:"offline"`
	ProcessedCount   int         `json:"processed_count"`
	RetryAvailable   bool        `json:"retry_available"`
	SnapshotDegraded bool        `json:"snapshot_degraded"`
	DegradedMessage  string      `json:"degraded_message,omitempty"`
	AIFailures       int         `json:"ai_failures"`
	LastPayloadID    string      `json:"last_payload_id,omitempty"`
	LastStatus       *StatusMeta `json:"last_crm_status,omitempty"`
}

type StoreOptions struct {
	Endpoint       string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int

	Client          DeliveryClient
	Queue           PayloadQueue
	SnapshotBackend SnapshotBackend
	OpsLogPath      string
	MirrorPath      string

	GPS          string
	Offline      bool
	ProcessDelay time.Duration
	IdleDelay    time.Duration
	Logger       *logrus.Logger
}

// Store owns the pending queue, the offline cache, and the single delivery
// worker. It is the producer-facing surface of the delivery subsystem.
type Store struct {
	client    DeliveryClient
	queue     PayloadQueue
	snapshots *SnapshotStore
	opsLog    *OpsLog
	mirror    *CRMMirror
	logger    *logrus.Logger

	maxRetries   int
	processDelay time.Duration
	idleDelay    time.Duration

	workerStarted atomic.Bool
	closed        chan struct{}
	closeOnce     sync.Once
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	mu               sync.Mutex
	offline          bool
	gps              string
	offlineCache     []Payload
	lastPayload      map[string]any
	lastPayloadID    string
	lastStatus       *StatusMeta
	processedCount   int
	retryAvailable   bool
	snapshotDegraded bool
	degradedMessage  string
	aiFailCount      int
	aiLatencyTotals  map[string]float64
	aiLatencyCounts  map[string]int
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = newDefaultLogger()
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPDeliveryClient(HTTPDeliveryClientOptions{
			Endpoint: opts.Endpoint,
			APIKey:   opts.APIKey,
			Timeout:  opts.RequestTimeout,
			Logger:   logger,
		})
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryPayloadQueue(0)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = DefaultCRMMaxRetries
	}
	processDelay := opts.ProcessDelay
	if processDelay <= 0 {
		processDelay = defaultProcessDelay
	}
	idleDelay := opts.IdleDelay
	if idleDelay <= 0 {
		idleDelay = defaultIdleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client:          client,
		queue:           queue,
		snapshots:       NewSnapshotStore(opts.SnapshotBackend, logger),
		opsLog:          NewOpsLog(opts.OpsLogPath, logger),
		mirror:          NewCRMMirror(opts.MirrorPath, logger),
		logger:          logger,
		maxRetries:      maxRetries,
		processDelay:    processDelay,
		idleDelay:       idleDelay,
		closed:          make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		offline:         opts.Offline,
		gps:             opts.GPS,
		aiLatencyTotals: map[string]float64{},
		aiLatencyCounts: map[string]int{},
	}
	s.restoreFromSnapshot()
	return s
}

// restoreFromSnapshot seeds telemetry counters and the offline cache from
// the persisted snapshot so neither is lost across restarts.
func (s *Store) restoreFromSnapshot() {
	doc := s.snapshots.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aiFailCount = intFromAny(doc["ai_fail_count"])
	if totals, ok := doc["ai_latency_totals"].(map[string]any); ok {
		for stage, value := range totals {
			s.aiLatencyTotals[stage] = floatFromAny(value)
		}
	}
	if counts, ok := doc["ai_latency_counts"].(map[string]any); ok {
		for stage, value := range counts {
			s.aiLatencyCounts[stage] = intFromAny(value)
		}
	}
	s.offlineCache = docsToPayloads(doc["cached_records"])
	if len(s.offlineCache) > 0 {
		s.retryAvailable = true
	}
	if status, ok := doc["last_crm_status"].(map[string]any); ok {
		if state, _ := status["state"].(string); state != "" {
			meta := StatusMeta{State: state}
			if ts, _ := status["timestamp"].(string); ts != "" {
				meta.Timestamp = ts
			}
			if code := intFromAny(status["response_code"]); code != 0 {
				meta.ResponseCode = &code
			}
			if errMsg, _ := status["error"].(string); errMsg != "" {
				meta.Error = &errMsg
			}
			s.lastStatus = &meta
		}
	}
	if last, ok := doc["last_payload"].(map[string]any); ok && len(last) > 0 {
		s.lastPayload = last
		if id, _ := last["_crm_payload_id"].(string); id != "" {
			s.lastPayloadID = id
		}
	}
}

// StartWorker launches the single background consumer. Repeated calls are
// no-ops so UI re-entrancy can never spawn a second consumer racing the
// queue.
func (s *Store) StartWorker() {
	if !s.workerStarted.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.workerLoop()
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.wg.Wait()
		_ = s.queue.Close()
		_ = s.snapshots.Close()
	})
}

// Enqueue validates the fields, assigns the stable payload ID, and appends
// the payload to the pending queue tail. Fire-and-forget for the producer:
// the returned ID is the dedup key the payload keeps for life.
func (s *Store) Enqueue(fields map[string]any) (string, error) {
	p, err := NewPayload(fields)
	if err != nil {
		return "", err
	}
	p.EnsureID()
	if err := s.enqueuePayload(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *Store) enqueuePayload(p Payload) error {
	select {
	case <-s.closed:
		return ErrStoreClosed
	default:
	}
	if !s.queue.TryEnqueue(p) {
		return ErrQueueFull
	}
	s.appendOps(StateQueued, nil, 0)
	s.logger.WithField("payload_id", p.ID).Debug("payload queued for crm delivery")
	return nil
}

func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	changed := s.offline != offline
	s.offline = offline
	s.mu.Unlock()
	if changed {
		s.logger.WithField("offline", offline).Info("offline mode toggled")
	}
}

func (s *Store) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

func (s *Store) SetGPS(gps string) {
	s.mu.Lock()
	s.gps = gps
	s.mu.Unlock()
}

func (s *Store) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SyncStatus{
		QueueDepth:       s.queue.Depth(),
		CachedRecords:    len(s.offlineCache),
		Offline:          s.offline,
		ProcessedCount:   s.processedCount,
		RetryAvailable:   s.retryAvailable,
		SnapshotDegraded: s.snapshotDegraded,
		DegradedMessage:  s.degradedMessage,
		AIFailures:       s.aiFailCount,
		LastPayloadID:    s.lastPayloadID,
	}
	if s.lastStatus != nil {
		metaCopy := *s.lastStatus
		status.LastStatus = &metaCopy
	}
	return status
}

// Snapshot returns the current persisted snapshot document.
func (s *Store) Snapshot() map[string]any {
	return s.snapshots.Load()
}

// CachedPayloads returns a copy of the offline cache, newest last.
func (s *Store) CachedPayloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := make([]Payload, 0, len(s.offlineCache))
	for _, entry := range s.offlineCache {
		cached = append(cached, entry.Clone())
	}
	return cached
}

// SubscribeOps exposes the live ops event feed for dashboard streaming.
func (s *Store) SubscribeOps() (<-chan OpsLogEntry, func()) {
	return s.opsLog.Subscribe()
}

// RecordAIFailure bumps the persisted AI failure counter (fed by the
// transcription/polish collaborators).
func (s *Store) RecordAIFailure() {
	s.mu.Lock()
	s.aiFailCount++
	count := s.aiFailCount
	s.mu.Unlock()
	if err := s.snapshots.Save(map[string]any{"ai_fail_count": count}); err != nil {
		s.logger.Warnf("unable to persist ai failure count: %v", err)
	}
}

// RecordAILatency accumulates per-stage latency telemetry in the snapshot.
func (s *Store) RecordAILatency(stage string, seconds float64) {
	s.mu.Lock()
	s.aiLatencyTotals[stage] += seconds
	s.aiLatencyCounts[stage]++
	total := s.aiLatencyTotals[stage]
	count := s.aiLatencyCounts[stage]
	s.mu.Unlock()
	err := s.snapshots.Save(map[string]any{
		"ai_latency_totals": map[string]any{stage: total},
		"ai_latency_counts": map[string]any{stage: count},
	})
	if err != nil {
		s.logger.Warnf("unable to persist ai latency for %s: %v", stage, err)
	}
}

func (s *Store) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		payload, ok := s.queue.TryDequeue()
		if !ok {
			if sleepContext(s.ctx, s.idleDelay) != nil {
				return
			}
			continue
		}
		if sleepContext(s.ctx, s.processDelay) != nil {
			// Shutting down mid-dequeue: keep the payload in the queue.
			s.queue.TryEnqueue(payload)
			return
		}
		s.processPayload(payload)
	}
}

// processPayload runs one payload through the delivery state machine:
// queued -> cached (offline), synced (terminal), retrying (requeued at the
// tail), or failed (moved to the offline cache).
func (s *Store) processPayload(p Payload) {
	p.EnsureID()

	if s.Offline() {
		s.cachePayload(p, DeliveryResult{}, StateCached)
		return
	}

	result := s.safeDeliver(p)
	if result.OK() {
		p.Attempts = 0
		p.LastError = ""
		s.removeCachedEntry(p)
		s.recordDelivery(p, result, StateSynced)
		return
	}

	p.Attempts++
	p.LastError = result.Error
	if p.Attempts < s.maxRetries && !s.Offline() {
		if !s.queue.TryEnqueue(p) {
			// Tail requeue failed; hold the payload in the cache instead.
			s.cachePayload(p, result, StateFailed)
			return
		}
		s.recordDelivery(p, result, StateRetrying)
		return
	}
	s.cachePayload(p, result, StateFailed)
}

// safeDeliver guards the worker against a misbehaving client: any panic is
// converted into the normalized error outcome.
func (s *Store) safeDeliver(p Payload) (result DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warnf("crm client raised unexpected error: %v", r)
			result = DeliveryResult{Status: DeliveryError, Error: fmt.Sprint(r)}
		}
	}()
	return s.client.Deliver(s.ctx, p, p.Attempts)
}

func (s *Store) cachePayload(p Payload, result DeliveryResult, label string) {
	entry := p.Clone()
	entry.Cached = true
	entry.CachedAt = time.Now().Format(statusTimestampLayout)
	s.mu.Lock()
	entry.GPS = s.gps
	s.offlineCache = append(s.offlineCache, entry)
	s.mu.Unlock()
	s.recordDelivery(entry, result, label)
}

// FlushOfflineCache retries every cached payload once. Entries that still
// fail are written back into the cache regardless of the retry ceiling so
// nothing is lost. No-op while offline mode is active.
func (s *Store) FlushOfflineCache() int {
	if s.Offline() {
		return 0
	}
	s.mu.Lock()
	entries := s.offlineCache
	s.offlineCache = nil
	s.mu.Unlock()

	flushed := 0
	var remaining []Payload
	for _, entry := range entries {
		p := entry.Clone()
		result := s.safeDeliver(p)
		if result.OK() {
			p.Attempts = 0
			p.LastError = ""
			p.Cached = false
			p.CachedAt = ""
			p.GPS = ""
			flushed++
			s.recordDelivery(p, result, StateSynced)
			continue
		}
		p.Attempts++
		p.LastError = result.Error
		remaining = append(remaining, p)
		s.recordDelivery(p, result, StateFailed)
	}

	s.mu.Lock()
	// Entries cached while the flush ran stay behind the survivors.
	s.offlineCache = append(remaining, s.offlineCache...)
	s.retryAvailable = len(s.offlineCache) > 0
	s.mu.Unlock()
	s.persistCache()

	if flushed > 0 {
		s.appendOps(StateFlushed, nil, 0)
	}
	return flushed
}

// RetryLastPayload re-enqueues the most recent cached payload through the
// normal worker path with a reset attempt counter — the operator's escape
// hatch independent of automatic flush.
func (s *Store) RetryLastPayload() bool {
	s.mu.Lock()
	if len(s.offlineCache) == 0 {
		s.mu.Unlock()
		return false
	}
	idx := len(s.offlineCache) - 1
	if s.lastPayloadID != "" {
		for i := len(s.offlineCache) - 1; i >= 0; i-- {
			if s.offlineCache[i].ID == s.lastPayloadID {
				idx = i
				break
			}
		}
	}
	p := s.offlineCache[idx].Clone()
	s.offlineCache = append(s.offlineCache[:idx], s.offlineCache[idx+1:]...)
	s.retryAvailable = len(s.offlineCache) > 0
	s.mu.Unlock()

	p.Cached = false
	p.CachedAt = ""
	p.GPS = ""
	p.LastError = ""
	p.Attempts = 0
	delete(p.Fields, "crm_status")
	if err := s.enqueuePayload(p); err != nil {
		s.logger.Warnf("unable to requeue payload %s: %v", p.ID, err)
		s.mu.Lock()
		s.offlineCache = append(s.offlineCache, p)
		s.retryAvailable = true
		s.mu.Unlock()
		return false
	}
	s.persistCache()
	return true
}

// recordDelivery persists the outcome: snapshot update (last payload,
// bounded recent history, status block), in-memory state, mirror upsert on
// success, and the ops log record.
func (s *Store) recordDelivery(p Payload, result DeliveryResult, label string) {
	status := newStatusMeta(label, result.ResponseCode, result.Error)
	doc := p.snapshotDoc(status)

	s.mu.Lock()
	cachedDocs := payloadsToDocs(s.offlineCache)
	aiFail := s.aiFailCount
	s.mu.Unlock()

	current := s.snapshots.Load()
	history, _ := current["recent_payloads"].([]any)
	recent := make([]any, 0, recentPayloadLimit)
	recent = append(recent, doc)
	for _, item := range history {
		if len(recent) == recentPayloadLimit {
			break
		}
		if entry, ok := item.(map[string]any); ok {
			if id, _ := entry["_crm_payload_id"].(string); id == p.ID {
				continue
			}
		}
		recent = append(recent, item)
	}

	saveErr := s.snapshots.Save(map[string]any{
		"last_payload":    doc,
		"recent_payloads": recent,
		"last_crm_status": status.asMap(),
		"cached_records":  cachedDocs,
		"ai_fail_count":   aiFail,
	})

	s.mu.Lock()
	s.lastPayloadID = p.ID
	if saveErr != nil {
		if !s.snapshotDegraded {
			s.logger.Warnf("unable to persist crm payload to snapshot: %v", saveErr)
		}
		s.snapshotDegraded = true
		s.degradedMessage = "unable to persist crm payload to snapshot"
	} else {
		s.snapshotDegraded = false
		s.degradedMessage = ""
		s.lastPayload = doc
		s.lastStatus = &status
	}
	switch label {
	case StateSynced, StateRetrying:
		s.retryAvailable = false
	case StateCached, StateFailed:
		s.retryAvailable = true
	}
	s.processedCount++
	s.mu.Unlock()

	if label == StateSynced {
		s.mirror.Upsert(p, status)
	}
	s.appendOps(label, &status, p.Attempts)

	fields := logrus.Fields{"payload_id": p.ID}
	switch label {
	case StateSynced:
		s.logger.WithFields(fields).Info("crm delivery succeeded")
	case StateRetrying:
		s.logger.WithFields(fields).Warn("crm delivery retry scheduled")
	case StateCached:
		s.logger.WithFields(fields).Info("crm delivery cached offline")
	default:
		s.logger.WithFields(fields).Warnf("crm delivery failed: %s", p.LastError)
	}
	s.logger.WithFields(fields).Debugf("crm payload (redacted): %v", p.redactedFields())
}

// removeCachedEntry drops any stale offline cache entry sharing the payload
// identity.
func (s *Store) removeCachedEntry(p Payload) {
	s.mu.Lock()
	filtered := s.offlineCache[:0]
	removed := false
	for _, entry := range s.offlineCache {
		if entry.ID == p.ID || (p.TS != "" && entry.TS == p.TS) {
			removed = true
			continue
		}
		filtered = append(filtered, entry)
	}
	s.offlineCache = filtered
	s.mu.Unlock()
	if removed {
		s.persistCache()
	}
}

func (s *Store) persistCache() {
	s.mu.Lock()
	cachedDocs := payloadsToDocs(s.offlineCache)
	s.mu.Unlock()
	if err := s.snapshots.Save(map[string]any{"cached_records": cachedDocs}); err != nil {
		s.logger.Warnf("unable to persist offline cache: %v", err)
	}
}

func (s *Store) appendOps(status string, meta *StatusMeta, attempts int) {
	s.mu.Lock()
	entry := OpsLogEntry{
		TS:             time.Now().Format(time.RFC3339),
		Status:         status,
		CachedRecords:  len(s.offlineCache),
		AIFailures:     s.aiFailCount,
		ProcessedCount: s.processedCount,
	}
	s.mu.Unlock()
	entry.QueueLen = s.queue.Depth()
	if meta != nil {
		if meta.ResponseCode != nil {
			code := *meta.ResponseCode
			entry.ResponseCode = &code
		}
		if meta.Error != nil {
			errMsg := *meta.Error
			entry.CRMError = &errMsg
		}
		attemptCount := attempts
		entry.CRMAttempts = &attemptCount
	}
	if err := s.opsLog.Append(entry); err != nil {
		s.logger.Warnf("ops log append failed: %v", err)
	}
}

func payloadsToDocs(payloads []Payload) []any {
	data, err := json.Marshal(payloads)
	if err != nil {
		return []any{}
	}
	var docs []any
	if err := json.Unmarshal(data, &docs); err != nil || docs == nil {
		return []any{}
	}
	return docs
}

func docsToPayloads(value any) []Payload {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var payloads []Payload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil
	}
	return payloads
}

func intFromAny(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0
		}
		return int(parsed)
	default:
		return 0
	}
}

func floatFromAny(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case int:
		return float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
