package localstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Factory builds a Store for a DSN whose scheme it was registered under.
type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes Open route scheme to factory ahead of the built-in
// backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Open picks a backend from a DSN:
//
//	""                       in-memory
//	/path/state.json         JSON snapshot file
//	file:///path/state.json  JSON snapshot file
//	memory://                in-memory
//	sqlite:///path/queue.db  embedded SQLite (?schema_timeout=2m&busy_timeout=10s)
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		opts, err := sqliteOptionsFromQuery(parsed.Query())
		if err != nil {
			return nil, err
		}
		return NewSQLiteStoreWithOptions(path, opts)
	case "postgres", "postgresql", "mysql":
		return nil, fmt.Errorf("%w: local store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported local store scheme: %s", scheme)
	}
}

// sqliteOptionsFromQuery reads schema_timeout and busy_timeout, both Go
// durations, from a sqlite DSN query.
func sqliteOptionsFromQuery(q url.Values) (SQLiteOptions, error) {
	var opts SQLiteOptions
	for key, dst := range map[string]*time.Duration{
		"schema_timeout": &opts.SchemaTimeout,
		"busy_timeout":   &opts.BusyTimeout,
	} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return SQLiteOptions{}, fmt.Errorf("%w: sqlite %s %q", ErrInvalidInput, key, raw)
		}
		*dst = d
	}
	return opts, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	// file://data/queue.db keeps "data" in Host.
	if host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
