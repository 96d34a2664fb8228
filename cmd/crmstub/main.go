// crmstub is a minimal mock CRM endpoint for local testing. By default every
// POST /crm/push succeeds; --failures N makes the first N requests return
// 503 so retry behavior can be exercised end to end.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"sync"
)

type stubHandler struct {
	mu                sync.Mutex
	failuresRemaining int
	received          int
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/crm/push" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}
	var payload map[string]any
	if json.Unmarshal(body, &payload) != nil {
		payload = nil
	}

	h.mu.Lock()
	h.received++
	fail := h.failuresRemaining > 0
	if fail {
		h.failuresRemaining--
	}
	count := h.received
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "simulated CRM outage",
		})
		log.Printf("request %d: simulated failure", count)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"received": payload,
	})
	log.Printf("request %d: accepted payload %v", count, payload["_crm_payload_id"])
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	failures := flag.Int("failures", 0, "number of initial requests to fail with 503")
	flag.Parse()

	handler := &stubHandler{failuresRemaining: *failures}
	log.Printf("mock CRM listening on %s (failures=%d)", *addr, *failures)
	if err := http.ListenAndServe(*addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
