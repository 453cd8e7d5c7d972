// Package recovery tracks temporary conversion artifacts in a SQLite ledger
// so that state left behind by a crashed batch can be found and reclaimed.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/markforge/internal/models"
)

// WorkDirName is the directory inside the output directory holding all
// batch-scoped temporary state.
const WorkDirName = ".markforge"

const (
	artifactsDir = "artifacts"
	stagingDir   = "staging"
	scratchDir   = "scratch"
)

// ErrBatchActive is returned when another live batch owns the work directory.
var ErrBatchActive = errors.New("another batch is active on this output directory")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL,
	finished_at  INTEGER
);
CREATE TABLE IF NOT EXISTS artifacts (
	path        TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	document_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_run ON artifacts(run_id);
`

// Manager owns the ledger and the work directory of one output directory.
type Manager struct {
	outputDir      string
	root           string
	db             *sql.DB
	now            func() time.Time
	staleAfter     time.Duration
	heartbeatEvery time.Duration
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStaleAfter sets how long a run may go without a heartbeat before it is
// considered dead.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithHeartbeatInterval sets how often a live run refreshes its heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatEvery = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Open opens or creates the ledger under outputDir.
func Open(ctx context.Context, outputDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		outputDir:  outputDir,
		root:       filepath.Join(outputDir, WorkDirName),
		now:        time.Now,
		staleAfter: 2 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.heartbeatEvery <= 0 {
		m.heartbeatEvery = m.staleAfter / 4
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		filepath.ToSlash(filepath.Join(m.root, "ledger.db")))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	m.db = db
	return m, nil
}

// Root returns the work directory.
func (m *Manager) Root() string { return m.root }

// Close closes the ledger.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Run is one batch registered in the ledger.
type Run struct {
	ID string

	m        *Manager
	lock     *os.File
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	lockOnce sync.Once
}

// BeginRun registers a new run and takes its lock. It fails with
// ErrBatchActive when another run is live.
func (m *Manager) BeginRun(ctx context.Context) (*Run, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	live, err := m.liveRuns(ctx, tx, "")
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, ErrBatchActive
	}

	now := m.now().UnixNano()
	run := &Run{ID: uuid.NewString(), m: m, stop: make(chan struct{}), done: make(chan struct{})}
	if run.lock, err = m.acquireLock(run.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, heartbeat_at) VALUES (?, ?, ?)`, run.ID, now, now); err != nil {
		run.unlock()
		return nil, fmt.Errorf("record run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		run.unlock()
		return nil, fmt.Errorf("commit run: %w", err)
	}

	go run.heartbeat()
	m.logger.Debug("Run started.", "runId", run.ID)
	return run, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// liveRuns counts unfinished runs other than exceptID that are still live.
// A run is live while its process holds the run lock. The heartbeat only
// decides for runs whose lock cannot be tested.
func (m *Manager) liveRuns(ctx context.Context, q querier, exceptID string) (int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, heartbeat_at FROM runs WHERE finished_at IS NULL AND id != ?`, exceptID)
	if err != nil {
		return 0, fmt.Errorf("query live runs: %w", err)
	}
	defer rows.Close()

	cutoff := m.now().Add(-m.staleAfter).UnixNano()
	n := 0
	for rows.Next() {
		var (
			id        string
			heartbeat int64
		)
		if err := rows.Scan(&id, &heartbeat); err != nil {
			return 0, fmt.Errorf("scan run: %w", err)
		}
		switch m.runLock(id) {
		case lockHeld:
			n++
		case lockUnknown:
			if heartbeat > cutoff {
				n++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("query live runs: %w", err)
	}
	return n, nil
}

func (r *Run) heartbeat() {
	defer close(r.done)
	ticker := time.NewTicker(r.m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.m.db.Exec(`UPDATE runs SET heartbeat_at = ? WHERE id = ?`, r.m.now().UnixNano(), r.ID); err != nil {
				r.m.logger.Warn("Failed to refresh run heartbeat.", "runId", r.ID, "error", err)
			}
		}
	}
}

// ArtifactPath is where the Markdown of chunk is kept until aggregation.
func (r *Run) ArtifactPath(doc models.Document, chunk models.Chunk) string {
	return filepath.Join(r.m.root, artifactsDir, r.ID, doc.Key(), strconv.Itoa(chunk.Index)+".md")
}

// StagingDir holds final outputs before they are renamed into place.
func (r *Run) StagingDir() string {
	return filepath.Join(r.m.root, stagingDir, r.ID)
}

// ScratchDir holds temporary files created by extraction backends.
func (r *Run) ScratchDir() string {
	return filepath.Join(r.m.root, scratchDir, r.ID)
}

// RegisterArtifact records the artifact of chunk before it is written and
// returns its path.
func (r *Run) RegisterArtifact(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	path := r.ArtifactPath(doc, chunk)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	_, err := r.m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (path, run_id, document_id, chunk_index, created_at) VALUES (?, ?, ?, ?, ?)`,
		path, r.ID, doc.ID, chunk.Index, r.m.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("register artifact: %w", err)
	}
	return path, nil
}

// ReleaseArtifact deletes the artifact file and its ledger entry. Releasing
// an unknown or already released path is not an error.
func (r *Run) ReleaseArtifact(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	if _, err := r.m.db.ExecContext(ctx, `DELETE FROM artifacts WHERE path = ?`, path); err != nil {
		return fmt.Errorf("release artifact: %w", err)
	}
	return nil
}

// unlock releases the run lock and removes its file.
func (r *Run) unlock() {
	r.lockOnce.Do(func() {
		if r.lock == nil {
			return
		}
		r.lock.Close()
		if err := os.Remove(r.m.lockPath(r.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.m.logger.Warn("Failed to remove run lock.", "runId", r.ID, "error", err)
		}
	})
}

// Finish stops the heartbeat, removes everything the run still owns and
// marks it finished. The lock is released even when the ledger update
// fails. It is safe to call more than once.
func (r *Run) Finish(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	defer r.unlock()

	var errs []error
	for _, dir := range []string{filepath.Join(r.m.root, artifactsDir, r.ID), r.StagingDir(), r.ScratchDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := r.m.db.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = ?`, r.ID); err != nil {
		errs = append(errs, err)
	}
	if _, err := r.m.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, r.m.now().UnixNano(), r.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
