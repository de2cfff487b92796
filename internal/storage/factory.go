package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendJSON     = "json"
	BackendJSONL    = "jsonl"
	BackendPostgres = "postgres"
)

// Backends lists every supported backend name.
var Backends = []string{BackendSQLite, BackendJSON, BackendJSONL, BackendPostgres}

// BackendName canonicalizes a configured backend name. It trims and
// lowercases name, maps "postgresql" to postgres and empty to sqlite.
// Unknown names are returned canonicalized for the caller to reject.
func BackendName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return BackendSQLite
	case "postgresql":
		return BackendPostgres
	}
	return name
}

// Options selects and locates a backend.
type Options struct {
	// Type is one of Backends. Empty means sqlite.
	Type string
	// Dir holds the database or JSON files of the file-based backends.
	Dir string
	// DSN is the PostgreSQL connection string.
	DSN    string
	Logger *slog.Logger
}

// Open returns an uninitialized store for opts. Selection depends only on
// opts.Type; callers must call Initialize before use.
func Open(opts Options) (Store, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "data"
	}
	switch BackendName(opts.Type) {
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, SQLiteFileName), opts.Logger), nil
	case BackendJSON:
		return NewJSONStore(dir, opts.Logger), nil
	case BackendJSONL:
		return NewJSONLStore(dir, opts.Logger), nil
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("%w: postgres requires a connection string", ErrInvalidInput)
		}
		return NewPostgresStore(opts.DSN, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Type)
	}
}
