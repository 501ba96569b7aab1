package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dhcgn/imap-archive/model"
)

// SQLiteTracker persists the index in an embedded SQLite database. All
// access goes through a single connection, so writers are serialized.
type SQLiteTracker struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteTracker opens (or creates) the index at dbPath, verifies its
// integrity and applies pending migrations. Storage-level damage is reported
// as ErrCorrupt.
func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("index path is empty")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, classify(err))
		}
	}

	var check string
	if err := db.Get(&check, "PRAGMA quick_check"); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", classify(err))
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: quick_check: %s", ErrCorrupt, check)
	}

	s := &SQLiteTracker{db: db, path: dbPath}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// OpenReadOnly opens an existing index without changing it: no journal mode
// switch, no migrations, and every write fails.
func OpenReadOnly(dbPath string) (*SQLiteTracker, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("index path is empty")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	dsn := "file:" + (&url.URL{Path: filepath.ToSlash(dbPath)}).EscapedPath() + "?mode=ro"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("PRAGMA busy_timeout: %w", classify(err))
	}
	var check string
	if err := db.Get(&check, "PRAGMA quick_check"); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", classify(err))
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: quick_check: %s", ErrCorrupt, check)
	}

	return &SQLiteTracker{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLiteTracker) Path() string {
	return s.path
}

func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}

func (s *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", classify(err))
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", classify(err))
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, classify(err))
		}
	}

	return nil
}

func (s *SQLiteTracker) Exists(ctx context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, nil
	}

	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages WHERE identity = ?", identity)
	if err != nil {
		return false, fmt.Errorf("checking identity %s: %w", identity, classify(err))
	}
	return count > 0, nil
}

func (s *SQLiteTracker) InsertIfAbsent(ctx context.Context, rec model.Record) (bool, error) {
	if strings.TrimSpace(rec.Identity) == "" {
		return false, ErrEmptyIdentity
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO messages (identity, folder, imported_at) VALUES (?, ?, ?)",
		rec.Identity, rec.Folder, importedAt(rec),
	)
	if err != nil {
		return false, fmt.Errorf("inserting record %s: %w", rec.Identity, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting record %s: %w", rec.Identity, classify(err))
	}
	return n > 0, nil
}

// InsertRecords inserts a batch of records in one transaction, skipping
// identities that already exist.
func (s *SQLiteTracker) InsertRecords(ctx context.Context, recs []model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR IGNORE INTO messages (identity, folder, imported_at) VALUES (?, ?, ?)",
	)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", classify(err))
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range recs {
		if strings.TrimSpace(rec.Identity) == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, rec.Identity, rec.Folder, importedAt(rec))
		if err != nil {
			return 0, fmt.Errorf("inserting record %s: %w", rec.Identity, classify(err))
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing records: %w", classify(err))
	}
	return inserted, nil
}

type checkpointRow struct {
	Folder      string    `db:"folder"`
	LastUID     int64     `db:"last_uid"`
	UIDValidity int64     `db:"uid_validity"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r checkpointRow) model() model.Checkpoint {
	return model.Checkpoint{
		Folder:      r.Folder,
		LastUID:     uint32(r.LastUID),
		UIDValidity: uint32(r.UIDValidity),
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *SQLiteTracker) Checkpoint(ctx context.Context, folder string) (model.Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		"SELECT folder, last_uid, uid_validity, updated_at FROM sync_state WHERE folder = ?", folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("reading checkpoint %s: %w", folder, classify(err))
	}
	return row.model(), true, nil
}

func (s *SQLiteTracker) SetCheckpoint(ctx context.Context, cp model.Checkpoint) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (folder, last_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			last_uid = excluded.last_uid,
			updated_at = excluded.updated_at
		WHERE excluded.last_uid > sync_state.last_uid
			AND excluded.uid_validity = sync_state.uid_validity`,
		cp.Folder, int64(cp.LastUID), int64(cp.UIDValidity), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("writing checkpoint %s: %w", cp.Folder, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("writing checkpoint %s: %w", cp.Folder, classify(err))
	}
	return n > 0, nil
}

func (s *SQLiteTracker) ResetCheckpoint(ctx context.Context, folder string, uidValidity uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (folder, last_uid, uid_validity, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			last_uid = 0,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`,
		folder, int64(uidValidity), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("resetting checkpoint %s: %w", folder, classify(err))
	}
	return nil
}

func (s *SQLiteTracker) Checkpoints(ctx context.Context) ([]model.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT folder, last_uid, uid_validity, updated_at FROM sync_state ORDER BY folder",
	)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", classify(err))
	}

	out := make([]model.Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func (s *SQLiteTracker) Snapshot(ctx context.Context) (Snapshot, error) {
	var rows []struct {
		Folder string `db:"folder"`
		Count  int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, "SELECT folder, COUNT(*) AS n FROM messages GROUP BY folder")
	if err != nil {
		return Snapshot{}, fmt.Errorf("counting records: %w", classify(err))
	}

	snap := Snapshot{PerFolder: make(map[string]int, len(rows))}
	for _, row := range rows {
		snap.PerFolder[row.Folder] = row.Count
		snap.Processed += row.Count
	}
	return snap, nil
}

func importedAt(rec model.Record) time.Time {
	if rec.ImportedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.ImportedAt.UTC()
}

// classify maps storage-level corruption onto ErrCorrupt and leaves other
// errors untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrCorrupt) {
		return err
	}
	if isCorruption(err) {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

func isCorruption(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}
