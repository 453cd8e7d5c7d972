package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTest(t *testing.T, dir string, clock *fakeClock) *Manager {
	t.Helper()
	m, err := Open(context.Background(), dir,
		WithClock(clock.Now),
		WithStaleAfter(time.Minute),
		WithHeartbeatInterval(time.Hour),
	)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// crash stops run the way a killed process would: the heartbeat stops and
// the OS drops the lock, but nothing is cleaned up.
func crash(run *Run) {
	run.stopOnce.Do(func() { close(run.stop) })
	<-run.done
	run.lockOnce.Do(func() {
		if run.lock != nil {
			run.lock.Close()
		}
	})
}

func writeArtifact(t *testing.T, run *Run, docID string, index int) string {
	t.Helper()
	doc := models.Document{ID: docID}
	path, err := run.RegisterArtifact(context.Background(), doc, models.Chunk{DocumentID: docID, Index: index})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("chunk"), 0o644))
	return path
}

// TestBeginRunRejectsConcurrentBatch verifies a held run lock blocks a
// second run even after its heartbeat has gone stale.
func TestBeginRunRejectsConcurrentBatch(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := openTest(t, t.TempDir(), clock)

	first, err := m.BeginRun(ctx)
	require.NoError(t, err)

	_, err = m.BeginRun(ctx)
	assert.ErrorIs(t, err, ErrBatchActive)

	clock.Advance(2 * time.Minute)
	_, err = m.BeginRun(ctx)
	assert.ErrorIs(t, err, ErrBatchActive, "a stale heartbeat does not matter while the lock is held")

	crash(first)
	second, err := m.BeginRun(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	require.NoError(t, second.Finish(ctx))
}

// TestLivenessFallsBackToHeartbeat covers runs whose lock file is gone.
func TestLivenessFallsBackToHeartbeat(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := openTest(t, t.TempDir(), clock)

	first, err := m.BeginRun(ctx)
	require.NoError(t, err)
	crash(first)
	require.NoError(t, os.Remove(m.lockPath(first.ID)))

	_, err = m.BeginRun(ctx)
	assert.ErrorIs(t, err, ErrBatchActive, "fresh heartbeat without a lock file")

	clock.Advance(2 * time.Minute)
	second, err := m.BeginRun(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Finish(ctx))
}

// TestFinishLeavesNothingBehind checks a clean run removes its own state.
func TestFinishLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	out := t.TempDir()
	m := openTest(t, out, clock)

	run, err := m.BeginRun(ctx)
	require.NoError(t, err)
	writeArtifact(t, run, "a.pdf", 0)
	require.NoError(t, os.MkdirAll(run.ScratchDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run.ScratchDir(), "chunk.pdf"), []byte("x"), 0o644))

	require.NoError(t, run.Finish(ctx))
	require.NoError(t, run.Finish(ctx))

	freed, err := m.Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, freed)
}

// TestSweepReclaimsCrashedRun simulates a crash and verifies idempotent cleanup.
func TestSweepReclaimsCrashedRun(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	out := t.TempDir()

	crashed := openTest(t, out, clock)
	run, err := crashed.BeginRun(ctx)
	require.NoError(t, err)
	a := writeArtifact(t, run, "a.pdf", 0)
	b := writeArtifact(t, run, "a.pdf", 1)
	require.NoError(t, os.MkdirAll(run.StagingDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run.StagingDir(), "a.md"), []byte("partial"), 0o644))

	// The process dies without Finish. Its heartbeat is still fresh, but
	// the released lock marks it dead at once.
	crash(run)

	restarted := openTest(t, out, clock)
	next, err := restarted.BeginRun(ctx)
	require.NoError(t, err)
	kept := writeArtifact(t, next, "b.pdf", 0)

	freed, err := restarted.Sweep(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 3, freed)
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.FileExists(t, kept, "the current run's artifacts survive")

	assert.NoFileExists(t, restarted.lockPath(run.ID))
	assert.FileExists(t, restarted.lockPath(next.ID))

	freed, err = restarted.Sweep(ctx, next)
	require.NoError(t, err)
	assert.Zero(t, freed)
	require.NoError(t, next.Finish(ctx))
	assert.NoFileExists(t, restarted.lockPath(next.ID))
}

// TestSweepRightAfterCrash reclaims a crashed run with no wait for its
// heartbeat to expire.
func TestSweepRightAfterCrash(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	out := t.TempDir()
	m := openTest(t, out, clock)

	run, err := m.BeginRun(ctx)
	require.NoError(t, err)
	writeArtifact(t, run, "a.pdf", 0)

	_, err = m.Sweep(ctx, nil)
	require.ErrorIs(t, err, ErrBatchActive)

	crash(run)
	freed, err := m.Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
}

func TestSweepRefusesWhileBatchLive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := openTest(t, t.TempDir(), clock)

	run, err := m.BeginRun(ctx)
	require.NoError(t, err)
	defer run.Finish(ctx)

	_, err = m.Sweep(ctx, nil)
	assert.ErrorIs(t, err, ErrBatchActive)

	_, err = m.ResetOutput(ctx)
	assert.ErrorIs(t, err, ErrBatchActive)
}

func TestReleaseArtifactIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := openTest(t, t.TempDir(), clock)

	run, err := m.BeginRun(ctx)
	require.NoError(t, err)
	defer run.Finish(ctx)

	path := writeArtifact(t, run, "doc.docx", 0)
	require.NoError(t, run.ReleaseArtifact(ctx, path))
	assert.NoFileExists(t, path)
	require.NoError(t, run.ReleaseArtifact(ctx, path))
}

// TestResetOutputRemovesConvertedFiles verifies the maintenance reset.
func TestResetOutputRemovesConvertedFiles(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	out := t.TempDir()
	m := openTest(t, out, clock)

	require.NoError(t, os.MkdirAll(filepath.Join(out, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.md"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "sub", "b.md"), []byte("b"), 0o644))

	removed, err := m.ResetOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, filepath.Join(out, "a.md"))
	assert.DirExists(t, m.Root())
}
