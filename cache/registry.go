// Package cache maps work fingerprints to persisted output directories and
// guarantees at-most-one execution per fingerprint.
//
// The registry lives in metadata.db inside the working directory. Lookups
// precede every pipeline execution: a hit returns the stored dataset with
// zero remote calls, a miss executes and commits the directory only after a
// fully successful run. Entries are never mutated in place; a new
// fingerprint gets a new directory.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/types"
)

// Entry is one committed cache record.
type Entry struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Dir         string                  `json:"dir"`
	CreatedAt   time.Time               `json:"created_at"`
	RowCount    int                     `json:"row_count"`
}

// ErrMiss is returned by Lookup when no usable entry exists.
var ErrMiss = errors.New("cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	dir         TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	row_count   INTEGER NOT NULL
);
`

// Registry is the crash-safe fingerprint → directory store. Readers run
// concurrently; writers of new entries are serialized, and per-fingerprint
// build locks prevent two identical concurrent invocations from racing to
// build the same entry.
type Registry struct {
	db         *sql.DB
	workingDir string
	logger     *zap.Logger

	mu       sync.Mutex
	building map[fingerprint.Fingerprint]*sync.Mutex
}

// Open opens (creating if needed) the registry under workingDir.
func Open(workingDir string, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(workingDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache registry: %w", err)
	}
	// WAL allows concurrent readers while a writer commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Registry{
		db:         db,
		workingDir: workingDir,
		logger:     logger.With(zap.String("component", "cache")),
		building:   make(map[fingerprint.Fingerprint]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// WorkingDir returns the registry root directory.
func (r *Registry) WorkingDir() string { return r.workingDir }

// Lookup returns the committed entry for fp, or ErrMiss.
//
// An entry whose directory is missing or unreadable is corrupt: the stale
// row is deleted and the lookup reports a miss so the entry gets rebuilt.
func (r *Registry) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT fingerprint, dir, created_at, row_count FROM cache_entries WHERE fingerprint = ?", string(fp))

	var e Entry
	var fpStr string
	if err := row.Scan(&fpStr, &e.Dir, &e.CreatedAt, &e.RowCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("query cache registry: %w", err)
	}
	e.Fingerprint = fingerprint.Fingerprint(fpStr)

	if corrupt := r.validate(&e); corrupt != nil {
		r.logger.Warn("corrupt cache entry, treating as miss",
			zap.String("fingerprint", string(fp)),
			zap.Error(corrupt))
		if _, err := r.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE fingerprint = ?", string(fp)); err != nil {
			return nil, fmt.Errorf("drop corrupt cache entry: %w", err)
		}
		return nil, ErrMiss
	}
	return &e, nil
}

// validate checks that the entry's directory is present and readable.
func (r *Registry) validate(e *Entry) error {
	info, err := os.Stat(e.Dir)
	if err != nil {
		return types.NewError(types.ErrCacheCorruption, "cache directory unreadable").WithCause(err)
	}
	if !info.IsDir() {
		return types.NewError(types.ErrCacheCorruption, "cache path is not a directory")
	}
	return nil
}

// CreateDir allocates the fresh output directory for a fingerprint being
// built. The directory is not visible to Lookup until Commit.
func (r *Registry) CreateDir(fp fingerprint.Fingerprint) (string, error) {
	dir := filepath.Join(r.workingDir, string(fp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return dir, nil
}

// Commit records a fully built entry. Called only as the final step of a
// fully successful run. Writers are serialized by SQLite. Entries are
// immutable: when two processes race past their in-process build locks and
// both finish the same fingerprint, the first insert wins and the loser
// adopts the committed entry instead of failing a run whose work succeeded.
func (r *Registry) Commit(ctx context.Context, e *Entry) error {
	res, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cache_entries (fingerprint, dir, created_at, row_count) VALUES (?, ?, ?, ?)",
		string(e.Fingerprint), e.Dir, e.CreatedAt, e.RowCount)
	if err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	if inserted == 0 {
		existing, err := r.Lookup(ctx, e.Fingerprint)
		if err != nil {
			return fmt.Errorf("adopt committed cache entry: %w", err)
		}
		*e = *existing
		r.logger.Info("cache entry already committed, adopting",
			zap.String("fingerprint", string(e.Fingerprint)),
			zap.String("dir", e.Dir))
		return nil
	}
	r.logger.Info("cache entry committed",
		zap.String("fingerprint", string(e.Fingerprint)),
		zap.Int("row_count", e.RowCount))
	return nil
}

// AcquireBuildLock serializes builders of the same fingerprint within this
// process. The second of two concurrent identical invocations blocks here,
// then re-checks the registry instead of racing to build a duplicate entry.
// The returned func releases the lock.
func (r *Registry) AcquireBuildLock(fp fingerprint.Fingerprint) func() {
	r.mu.Lock()
	l, ok := r.building[fp]
	if !ok {
		l = &sync.Mutex{}
		r.building[fp] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Clear removes every entry and its directory. Explicit cache-clear
// operation for the CLI surface.
func (r *Registry) Clear(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT dir FROM cache_entries")
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	var dirs []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan cache entry: %w", err)
		}
		dirs = append(dirs, dir)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	rows.Close()

	if _, err := r.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return 0, fmt.Errorf("clear cache registry: %w", err)
	}
	removed := 0
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove cache dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	r.logger.Info("cache cleared", zap.Int("entries", removed))
	return removed, nil
}

// Len returns the number of committed entries.
func (r *Registry) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
