package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type dialect struct {
	name   string
	driver string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered bool
	// singleWriter limits the pool to one connection; sqlite serializes
	// writers anyway and this keeps in-memory databases alive.
	singleWriter bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite3", singleWriter: true}
	postgresDialect = dialect{name: "postgres", driver: "postgres", numbered: true}
)

// rebind rewrites "?" placeholders for dialects with numbered parameters.
// Queries in this package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Factory opens a store for a DSN whose scheme it was registered under.
type Factory func(ctx context.Context, dsn string, opts Options) (*Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes Open delegate DSNs with the given scheme to factory.
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

var memoryDBCounter atomic.Int64

type target struct {
	dialect dialect
	source  string
}

// resolveDSN maps a store DSN to a driver and its data source name.
//
//	data/producthunt.db            sqlite file
//	sqlite:///abs/path.db          sqlite file
//	file:data/producthunt.db       sqlite file
//	memory://                      private in-memory sqlite database
//	postgres://user@host/db        postgres via lib/pq
func resolveDSN(dsn string) (target, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return target{}, fmt.Errorf("parse database dsn: %w", err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	// "C:\data\x.db" parses with a one-letter scheme.
	if len(scheme) == 1 {
		scheme = ""
	}
	switch scheme {
	case "":
		return sqliteFileTarget(dsn)
	case "file":
		return sqliteFileTarget(strings.TrimPrefix(dsn, parsed.Scheme+":"))
	case "sqlite", "sqlite3":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Host + parsed.Path
		}
		return sqliteFileTarget(path)
	case "memory", "mem", "inmem":
		name := fmt.Sprintf("producthuntdb_%d", memoryDBCounter.Add(1))
		return target{
			dialect: sqliteDialect,
			source:  "file:" + name + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000",
		}, nil
	case "postgres", "postgresql":
		return target{dialect: postgresDialect, source: dsn}, nil
	default:
		return target{}, fmt.Errorf("%w: %s", ErrUnsupportedDSN, scheme)
	}
}

func sqliteFileTarget(path string) (target, error) {
	path = strings.TrimSpace(path)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return target{}, fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return target{}, fmt.Errorf("create database directory: %w", err)
		}
	}
	return target{
		dialect: sqliteDialect,
		source:  path + "?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate",
	}, nil
}
