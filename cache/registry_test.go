package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/fingerprint"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_CommitThenLookup(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint("abc123")

	_, err := r.Lookup(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)

	dir, err := r.CreateDir(fp)
	require.NoError(t, err)

	require.NoError(t, r.Commit(ctx, &Entry{
		Fingerprint: fp,
		Dir:         dir,
		CreatedAt:   time.Now().UTC(),
		RowCount:    3,
	}))

	e, err := r.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, dir, e.Dir)
	assert.Equal(t, 3, e.RowCount)
}

func TestRegistry_DuplicateCommitAdoptsExistingEntry(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint("dup")
	dir, err := r.CreateDir(fp)
	require.NoError(t, err)

	winner := &Entry{Fingerprint: fp, Dir: dir, CreatedAt: time.Now().UTC(), RowCount: 1}
	require.NoError(t, r.Commit(ctx, winner))

	// A second committer of the same fingerprint lost the race; its run
	// still succeeded, so it adopts the committed entry unchanged.
	loser := &Entry{Fingerprint: fp, Dir: dir, CreatedAt: time.Now().UTC(), RowCount: 99}
	require.NoError(t, r.Commit(ctx, loser))
	assert.Equal(t, winner.RowCount, loser.RowCount)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := r.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RowCount, "first commit wins")
}

func TestRegistry_CorruptEntryBecomesMiss(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint("gone")
	dir, err := r.CreateDir(fp)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx, &Entry{Fingerprint: fp, Dir: dir, CreatedAt: time.Now().UTC(), RowCount: 1}))

	// Corrupt the entry by removing its directory.
	require.NoError(t, os.RemoveAll(dir))

	_, err = r.Lookup(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)

	// The stale row was dropped so the entry can be rebuilt and committed.
	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRegistry_BuildLockSerializesIdenticalBuilds(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	fp := fingerprint.Fingerprint("contended")

	var mu sync.Mutex
	inBuild := 0
	maxInBuild := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.AcquireBuildLock(fp)
			defer release()

			mu.Lock()
			inBuild++
			if inBuild > maxInBuild {
				maxInBuild = inBuild
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inBuild--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInBuild, "at most one builder per fingerprint")
}

func TestRegistry_Clear(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		fp := fingerprint.Fingerprint(name)
		dir, err := r.CreateDir(fp)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset.jsonl"), []byte("{}\n"), 0o644))
		require.NoError(t, r.Commit(ctx, &Entry{Fingerprint: fp, Dir: dir, CreatedAt: time.Now().UTC(), RowCount: 1}))
	}

	removed, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = r.Lookup(ctx, fingerprint.Fingerprint("one"))
	assert.ErrorIs(t, err, ErrMiss)
}
