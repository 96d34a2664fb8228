package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fieldos/fieldsync/internal/crmsync"
)

type ServerConfig struct {
	// APIToken, when set, is required as a bearer token on mutating routes.
	APIToken     string
	MaxBodyBytes int64
}

// Server is the HTTP surface consumed by the UI layer (enqueue, flush,
// retry, offline toggle) and by external dashboards (status, snapshot, ops
// stream).
type Server struct {
	store *crmsync.Store
	cfg   ServerConfig
}

func NewServer(store *crmsync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *crmsync.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case r.URL.Path == "/v1/notes" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r)
	case r.URL.Path == "/v1/cache/flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r)
	case r.URL.Path == "/v1/cache/retry-last" && r.Method == http.MethodPost:
		s.handleRetryLast(w, r)
	case r.URL.Path == "/v1/offline" && r.Method == http.MethodPut:
		s.handleOffline(w, r)
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Status())
	case r.URL.Path == "/v1/snapshot" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Snapshot())
	case r.URL.Path == "/v1/ops/stream" && r.Method == http.MethodGet:
		s.handleOpsStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var fields map[string]any
	if !s.decodeJSONBody(w, r, &fields) {
		return
	}
	payloadID, err := s.store.Enqueue(fields)
	if err != nil {
		if errors.Is(err, crmsync.ErrInvalidPayload) {
			writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "enqueue_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"payload_id": payloadID,
		"queued":     true,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed": s.store.FlushOfflineCache(),
	})
}

func (s *Server) handleRetryLast(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued": s.store.RetryLastPayload(),
	})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var body struct {
		Offline bool `json:"offline"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	s.store.SetOffline(body.Offline)
	writeJSON(w, http.StatusOK, map[string]any{"offline": body.Offline})
}

// handleOpsStream pushes every new ops log record to the client until it
// disconnects.
func (s *Server) handleOpsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	entries, cancel := s.store.SubscribeOps()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
		return false
	}
	return true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
