package crmsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSnapshotBackendFromDSN selects a snapshot backend by DSN scheme:
// plain paths and file: DSNs map to the JSON file backend, memory: to the
// in-memory backend, postgres:// to Postgres. An empty DSN returns
// (nil, nil) so callers can fall through to their default.
func BuildSnapshotBackendFromDSN(dsn string) (SnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "":
		return NewJSONFileSnapshotBackend(dsn), nil
	case "file":
		path := dsnFilePath(parsed)
		if path == "" {
			return nil, fmt.Errorf("%w: file DSN missing path", ErrInvalidInput)
		}
		return NewJSONFileSnapshotBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend scheme: %s", scheme)
	}
}

func dsnFilePath(parsed *url.URL) string {
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	return path
}
