/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Persists entries, applications, targets and number sequences in SQLite.
  The PostgreSQL store (store/postgres) implements the same contract with
  row locks; SQL differences are kept to the locking and upsert clauses.

KEY TABLES:
  entries:          One row per credit; balance triple + version
  applications:     Append-only; idempotency_key is UNIQUE
  targets:          Invoice/order totals and discounts
  number_sequences: One counter per number prefix

CONCURRENCY:
  SQLite has a single writer. The store opens one connection and starts
  every WithTx with BEGIN IMMEDIATE (_txlock=immediate), so a transaction
  holds the write lock from its first statement: reading an entry,
  validating it and writing it back can never interleave with another
  writer. UpdateEntry is still conditional on the version read, the same
  contract the other stores honor. sync.RWMutex keeps plain reads off the
  connection while a transaction owns it.

NUMBERING:
  NextNumber runs
    INSERT ... ON CONFLICT(prefix) DO UPDATE SET value = value + 1 RETURNING value
  inside the issuing transaction, and entries.number is UNIQUE.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order,
  which the FIFO ordering and the expiration sweep rely on.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := generic.NewEngine(store, generic.SystemClock{}, logger)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/credit-ledger/generic"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		category TEXT NOT NULL,
		number TEXT NOT NULL UNIQUE,
		seq INTEGER NOT NULL,
		amount TEXT NOT NULL,
		amount_used TEXT NOT NULL,
		amount_remaining TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		reference_id TEXT,
		parent_id TEXT REFERENCES entries(id),
		notes TEXT,
		expires_at TEXT,
		attributes_json TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner_category
		ON entries(owner_id, category, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_status_expires
		ON entries(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_id) WHERE reference_id IS NOT NULL;

	-- Applications (append-only)
	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		target_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		applied_by TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_applications_entry
		ON applications(entry_id, applied_at);
	CREATE INDEX IF NOT EXISTS idx_applications_target
		ON applications(target_id, applied_at);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		total TEXT NOT NULL,
		discount TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS number_sequences (
		prefix TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRY READS (generic.Store interface)
// =============================================================================

const entryColumns = `id, owner_id, category, number, seq, amount, amount_used, amount_remaining,
	status, reason, reference_id, parent_id, notes, expires_at, attributes_json,
	created_by, created_at, updated_at, version`

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetEntryByNumber(ctx context.Context, number string) (generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, "number = ?", number)
}

func (s *Store) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, filter)
}

func getEntry(ctx context.Context, q querier, where string, arg string) (generic.Entry, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE "+where, arg)
	if err != nil {
		return generic.Entry{}, fmt.Errorf("failed to query entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return generic.Entry{}, err
		}
		return generic.Entry{}, fmt.Errorf("entry %s: %w", arg, generic.ErrNotFound)
	}
	return scanEntry(rows)
}

func listEntries(ctx context.Context, q querier, f generic.EntryFilter) ([]generic.Entry, error) {
	var where []string
	var args []any

	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, string(f.OwnerID))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.ReferenceID != "" {
		where = append(where, "reference_id = ?")
		args = append(args, f.ReferenceID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, string(id))
		}
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY created_at ASC, seq ASC"
	} else {
		query += " ORDER BY created_at DESC, seq DESC"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := make([]generic.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (generic.Entry, error) {
	var (
		e               generic.Entry
		categoryID      string
		amount          string
		amountUsed      string
		amountRemaining string
		reason          sql.NullString
		referenceID     sql.NullString
		parentID        sql.NullString
		notes           sql.NullString
		expiresAt       sql.NullString
		attributesJSON  sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := rows.Scan(
		&e.ID, &e.OwnerID, &categoryID, &e.Number, &e.Seq,
		&amount, &amountUsed, &amountRemaining, &e.Status,
		&reason, &referenceID, &parentID, &notes, &expiresAt, &attributesJSON,
		&e.CreatedBy, &createdAt, &updatedAt, &e.Version,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	// Convert string to Category via registry
	e.Category = generic.GetOrCreateCategory(categoryID)
	if e.Amount, err = parseAmount("amount", amount); err != nil {
		return e, err
	}
	if e.AmountUsed, err = parseAmount("amount_used", amountUsed); err != nil {
		return e, err
	}
	if e.AmountRemaining, err = parseAmount("amount_remaining", amountRemaining); err != nil {
		return e, err
	}
	e.Reason = reason.String
	e.ReferenceID = referenceID.String
	e.ParentID = generic.EntryID(parentID.String)
	e.Notes = notes.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		e.ExpiresAt = &t
	}
	if attributesJSON.Valid && attributesJSON.String != "" {
		if err := json.Unmarshal([]byte(attributesJSON.String), &e.Attributes); err != nil {
			return e, fmt.Errorf("failed to decode attributes of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// =============================================================================
// APPLICATION READS
// =============================================================================

const applicationColumns = `id, entry_id, target_id, kind, amount, applied_at, applied_by, idempotency_key, notes`

func (s *Store) ListApplications(ctx context.Context, filter generic.ApplicationFilter) ([]generic.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if len(filter.EntryIDs) > 0 {
		where = append(where, "entry_id IN ("+placeholders(len(filter.EntryIDs))+")")
		for _, id := range filter.EntryIDs {
			args = append(args, string(id))
		}
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, string(filter.TargetID))
	}

	query := "SELECT " + applicationColumns + " FROM applications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY applied_at DESC, rowid DESC"

	return queryApplications(ctx, s.db, query, args...)
}

func (s *Store) GetApplicationByKey(ctx context.Context, key string) (generic.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, found, err := findApplicationByKey(ctx, s.db, key)
	if err != nil {
		return generic.Application{}, err
	}
	if !found {
		return generic.Application{}, fmt.Errorf("application %q: %w", key, generic.ErrNotFound)
	}
	return app, nil
}

func findApplicationByKey(ctx context.Context, q querier, key string) (generic.Application, bool, error) {
	apps, err := queryApplications(ctx, q,
		"SELECT "+applicationColumns+" FROM applications WHERE idempotency_key = ?", key)
	if err != nil || len(apps) == 0 {
		return generic.Application{}, false, err
	}
	return apps[0], true, nil
}

func queryApplications(ctx context.Context, q querier, query string, args ...any) ([]generic.Application, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	apps := make([]generic.Application, 0)
	for rows.Next() {
		var (
			a              generic.Application
			amount         string
			appliedAt      string
			idempotencyKey sql.NullString
			notes          sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.EntryID, &a.TargetID, &a.Kind, &amount,
			&appliedAt, &a.AppliedBy, &idempotencyKey, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		var err error
		if a.Amount, err = parseAmount("amount", amount); err != nil {
			return nil, err
		}
		a.AppliedAt = parseTime(appliedAt)
		a.IdempotencyKey = idempotencyKey.String
		a.Notes = notes.String
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// =============================================================================
// TARGETS
// =============================================================================

func (s *Store) GetTarget(ctx context.Context, id generic.TargetID) (generic.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTarget(ctx, s.db, id)
}

// SaveTarget upserts a target record.
func (s *Store) SaveTarget(ctx context.Context, t generic.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, owner_id, total, discount, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			total = excluded.total,
			discount = excluded.discount,
			updated_at = excluded.updated_at
	`, string(t.ID), nullString(string(t.OwnerID)), t.Total.String(), t.Discount.String(), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}
	return nil
}

func getTarget(ctx context.Context, q querier, id generic.TargetID) (generic.Target, error) {
	var (
		t         generic.Target
		ownerID   sql.NullString
		total     string
		discount  string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, owner_id, total, discount, updated_at FROM targets WHERE id = ?", string(id),
	).Scan(&t.ID, &ownerID, &total, &discount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Target{}, fmt.Errorf("target %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return generic.Target{}, fmt.Errorf("failed to query target: %w", err)
	}
	t.OwnerID = generic.OwnerID(ownerID.String)
	if t.Total, err = parseAmount("total", total); err != nil {
		return generic.Target{}, err
	}
	if t.Discount, err = parseAmount("discount", discount); err != nil {
		return generic.Target{}, err
	}
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// ExpireEntries marks usable entries whose expiration has passed.
func (s *Store) ExpireEntries(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET status = ?, updated_at = ?, version = version + 1
		WHERE status IN (?, ?)
		  AND expires_at IS NOT NULL
		  AND expires_at < ?
	`, string(generic.StatusExpired), formatTime(now),
		string(generic.StatusActive), string(generic.StatusPartiallyUsed), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire entries: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.Tx interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// GetEntryForUpdate reads the entry. The immediate transaction already
// holds the database write lock.
func (ts *txStore) GetEntryForUpdate(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	return getEntry(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return listEntries(ctx, ts.tx, filter)
}

func (ts *txStore) NextNumber(ctx context.Context, prefix string) (int64, error) {
	var value int64
	err := ts.tx.QueryRowContext(ctx, `
		INSERT INTO number_sequences (prefix, value) VALUES (?, 1)
		ON CONFLICT(prefix) DO UPDATE SET value = number_sequences.value + 1
		RETURNING value
	`, prefix).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to draw number: %w", mapError(err))
	}
	return value, nil
}

func (ts *txStore) InsertEntry(ctx context.Context, e generic.Entry) error {
	var attributesJSON sql.NullString
	if len(e.Attributes) > 0 {
		b, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		attributesJSON = sql.NullString{String: string(b), Valid: true}
	}
	var expiresAt sql.NullString
	if e.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*e.ExpiresAt), Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID), string(e.OwnerID), e.Category.CategoryID(), e.Number, e.Seq,
		e.Amount.String(), e.AmountUsed.String(), e.AmountRemaining.String(), string(e.Status),
		nullString(e.Reason), nullString(e.ReferenceID), nullString(string(e.ParentID)),
		nullString(e.Notes), expiresAt, attributesJSON,
		e.CreatedBy, formatTime(e.CreatedAt), formatTime(e.UpdatedAt), e.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err, "entries.number") {
			return generic.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to insert entry: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateEntry(ctx context.Context, e generic.Entry, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE entries
		SET amount_used = ?, amount_remaining = ?, status = ?, notes = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, e.AmountUsed.String(), e.AmountRemaining.String(), string(e.Status), nullString(e.Notes),
		formatTime(e.UpdatedAt), string(e.ID), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := getEntry(ctx, ts.tx, "id = ?", string(e.ID)); gerr != nil {
			return gerr
		}
		return generic.ErrConcurrencyConflict
	}
	return nil
}

func (ts *txStore) InsertApplication(ctx context.Context, a generic.Application) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(a.ID), string(a.EntryID), string(a.TargetID), string(a.Kind), a.Amount.String(),
		formatTime(a.AppliedAt), a.AppliedBy, nullString(a.IdempotencyKey), nullString(a.Notes))
	if err != nil {
		if isUniqueConstraintError(err, "applications.idempotency_key") {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert application: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) FindApplicationByKey(ctx context.Context, key string) (generic.Application, bool, error) {
	return findApplicationByKey(ctx, ts.tx, key)
}

func (ts *txStore) CountApplications(ctx context.Context, entryID generic.EntryID) (int, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM applications WHERE entry_id = ?", string(entryID),
	).Scan(&n)
	return n, err
}

func (ts *txStore) GetTargetForUpdate(ctx context.Context, id generic.TargetID) (generic.Target, error) {
	return getTarget(ctx, ts.tx, id)
}

func (ts *txStore) UpdateTarget(ctx context.Context, t generic.Target) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE targets SET total = ?, discount = ?, updated_at = ? WHERE id = ?",
		t.Total.String(), t.Discount.String(), formatTime(t.UpdatedAt), string(t.ID))
	if err != nil {
		return fmt.Errorf("failed to update target: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %s: %w", t.ID, generic.ErrNotFound)
	}
	return nil
}

func (ts *txStore) SaveTarget(ctx context.Context, t generic.Target, overrideDiscount bool) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO targets (id, owner_id, total, discount, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			total = excluded.total,
			discount = CASE WHEN ? THEN excluded.discount ELSE targets.discount END,
			updated_at = excluded.updated_at
	`, string(t.ID), nullString(string(t.OwnerID)), t.Total.String(), t.Discount.String(), formatTime(t.UpdatedAt), overrideDiscount)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", mapError(err))
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseAmount reads a stored decimal. A bad value is a storage fault, not
// caller input, so the error does not match ErrValidation.
func parseAmount(column, value string) (generic.Amount, error) {
	a, err := generic.ParseAmount(value)
	if err != nil {
		return generic.Zero, fmt.Errorf("stored %s %q is not a decimal", column, value)
	}
	return a, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(se.Error(), column)
}

// mapError turns lock contention into ErrConcurrencyConflict.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", generic.ErrConcurrencyConflict, err)
	}
	return err
}
