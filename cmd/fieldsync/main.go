package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fieldos/fieldsync/internal/crmsync"
	"github.com/fieldos/fieldsync/internal/httpapi"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("unable to load .env: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if levelRaw := os.Getenv("FIELDSYNC_LOG_LEVEL"); levelRaw != "" {
		if level, err := logrus.ParseLevel(levelRaw); err == nil {
			logger.SetLevel(level)
		}
	}

	apiKey := strings.TrimSpace(os.Getenv("FIELDSYNC_CRM_API_KEY"))
	if boolEnv("FIELDSYNC_CRM_REQUIRE_API_KEY", false) && apiKey == "" {
		log.Fatal("FIELDSYNC_CRM_API_KEY is required but not set")
	}

	snapshotBackend, err := crmsync.BuildSnapshotBackendFromDSN(os.Getenv("FIELDSYNC_SNAPSHOT_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize snapshot backend: %v", err)
	}

	var queue crmsync.PayloadQueue
	if queueFile := strings.TrimSpace(os.Getenv("FIELDSYNC_QUEUE_FILE")); queueFile != "" {
		queue, err = crmsync.NewFilePayloadQueue(queueFile, 0)
		if err != nil {
			log.Fatalf("failed to initialize pending queue: %v", err)
		}
	}

	store := crmsync.NewStoreWithOptions(crmsync.StoreOptions{
		Endpoint:        os.Getenv("FIELDSYNC_CRM_ENDPOINT"),
		APIKey:          apiKey,
		RequestTimeout:  durationEnv("FIELDSYNC_CRM_TIMEOUT", 0),
		MaxRetries:      intEnv("FIELDSYNC_CRM_MAX_RETRIES", 0),
		SnapshotBackend: snapshotBackend,
		Queue:           queue,
		OpsLogPath:      os.Getenv("FIELDSYNC_OPS_LOG_FILE"),
		MirrorPath:      os.Getenv("FIELDSYNC_MIRROR_FILE"),
		GPS:             os.Getenv("FIELDSYNC_GPS"),
		Offline:         boolEnv("FIELDSYNC_OFFLINE", false),
		Logger:          logger,
	})
	defer store.Close()
	store.StartWorker()

	if controlFile := strings.TrimSpace(os.Getenv("FIELDSYNC_CONTROL_FILE")); controlFile != "" {
		go func() {
			if err := crmsync.WatchControlFile(context.Background(), controlFile, store, logger); err != nil {
				logger.Warnf("control file watcher stopped: %v", err)
			}
		}()
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		APIToken:     os.Getenv("FIELDSYNC_API_TOKEN"),
		MaxBodyBytes: int64(intEnv("FIELDSYNC_MAX_BODY_BYTES", 0)),
	})

	addr := os.Getenv("FIELDSYNC_ADDR")
	if addr == "" {
		addr = ":8686"
	}
	log.Printf("fieldsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
