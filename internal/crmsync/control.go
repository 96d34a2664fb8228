package crmsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type controlDoc struct {
	Offline bool   `json:"offline"`
	GPS     string `json:"gps,omitempty"`
}

// WatchControlFile lets an operator toggle offline mode (and update the GPS
// context) at runtime by rewriting a small JSON control file. The directory
// is watched rather than the file itself so editors that replace the file
// still trigger events. Blocks until ctx is done.
func WatchControlFile(ctx context.Context, path string, store *Store, logger *logrus.Logger) error {
	if path == "" || store == nil {
		return ErrInvalidInput
	}
	if logger == nil {
		logger = newDefaultLogger()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	applyControlFile(absPath, store, logger)

	name := filepath.Base(absPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			applyControlFile(absPath, store, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("control file watch error: %v", err)
		}
	}
}

func applyControlFile(path string, store *Store, logger *logrus.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("unable to read control file: %v", err)
		}
		return
	}
	var doc controlDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// Likely caught mid-write; the next event re-reads it.
		return
	}
	store.SetOffline(doc.Offline)
	if doc.GPS != "" {
		store.SetGPS(doc.GPS)
	}
}
