/*
Package postgres provides a PostgreSQL implementation of generic.Store.

PURPOSE:
  Production store. Same contract and schema shape as store/sqlite, with
  real row-level locking so applications against different entries run in
  parallel.

LOCKING:
  GetEntryForUpdate and GetTargetForUpdate use SELECT ... FOR UPDATE; the
  row lock is held until the transaction ends. UpdateEntry is conditional
  on the version read. Serialization failures and deadlocks are reported
  as generic.ErrConcurrencyConflict so the engine retries them.

CONSTRAINTS:
  entries carries CHECKs for the conservation rule
  (amount_used + amount_remaining = amount unless VOID) and non-negative
  components. applications.idempotency_key and entries.number are UNIQUE.

DRIVER:
  lib/pq through sqlx. Dynamic IN lists are expanded with sqlx.In and
  rebound to $n placeholders.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/warp/credit-ledger/generic"
)

// Store implements generic.Store using PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ generic.Store = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// New connects to dsn and migrates the schema.
func New(dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		category TEXT NOT NULL,
		number TEXT NOT NULL,
		seq BIGINT NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		amount_used NUMERIC(14,2) NOT NULL CHECK (amount_used >= 0),
		amount_remaining NUMERIC(14,2) NOT NULL CHECK (amount_remaining >= 0),
		status TEXT NOT NULL,
		reason TEXT,
		reference_id TEXT,
		parent_id TEXT REFERENCES entries(id),
		notes TEXT,
		expires_at TIMESTAMPTZ,
		attributes JSONB,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		CONSTRAINT entries_number_unique UNIQUE (number),
		CONSTRAINT entries_balance_conserved
			CHECK (status = 'VOID' OR amount_used + amount_remaining = amount)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner_category
		ON entries(owner_id, category, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_status_expires
		ON entries(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		target_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		applied_at TIMESTAMPTZ NOT NULL,
		applied_by TEXT NOT NULL,
		idempotency_key TEXT,
		notes TEXT,
		seq BIGSERIAL,
		CONSTRAINT applications_idempotency_key_unique UNIQUE (idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_applications_entry
		ON applications(entry_id, applied_at);
	CREATE INDEX IF NOT EXISTS idx_applications_target
		ON applications(target_id, applied_at);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		total NUMERIC(14,2) NOT NULL,
		discount NUMERIC(14,2) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS number_sequences (
		prefix TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ROWS
// =============================================================================

const entryColumns = `id, owner_id, category, number, seq, amount, amount_used, amount_remaining,
	status, reason, reference_id, parent_id, notes, expires_at, attributes,
	created_by, created_at, updated_at, version`

type entryRow struct {
	ID              string         `db:"id"`
	OwnerID         string         `db:"owner_id"`
	Category        string         `db:"category"`
	Number          string         `db:"number"`
	Seq             int64          `db:"seq"`
	Amount          string         `db:"amount"`
	AmountUsed      string         `db:"amount_used"`
	AmountRemaining string         `db:"amount_remaining"`
	Status          string         `db:"status"`
	Reason          sql.NullString `db:"reason"`
	ReferenceID     sql.NullString `db:"reference_id"`
	ParentID        sql.NullString `db:"parent_id"`
	Notes           sql.NullString `db:"notes"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	Attributes      []byte         `db:"attributes"`
	CreatedBy       string         `db:"created_by"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	Version         int64          `db:"version"`
}

func (r entryRow) toEntry() (generic.Entry, error) {
	var amounts [3]generic.Amount
	for i, col := range [][2]string{{"amount", r.Amount}, {"amount_used", r.AmountUsed}, {"amount_remaining", r.AmountRemaining}} {
		a, err := parseAmount(col[0], col[1])
		if err != nil {
			return generic.Entry{}, fmt.Errorf("entry %s: %w", r.ID, err)
		}
		amounts[i] = a
	}
	e := generic.Entry{
		ID:              generic.EntryID(r.ID),
		OwnerID:         generic.OwnerID(r.OwnerID),
		Category:        generic.GetOrCreateCategory(r.Category),
		Number:          r.Number,
		Seq:             r.Seq,
		Amount:          amounts[0],
		AmountUsed:      amounts[1],
		AmountRemaining: amounts[2],
		Status:          generic.Status(r.Status),
		Reason:          r.Reason.String,
		ReferenceID:     r.ReferenceID.String,
		ParentID:        generic.EntryID(r.ParentID.String),
		Notes:           r.Notes.String,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &e.Attributes); err != nil {
			return e, fmt.Errorf("failed to decode attributes of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

const applicationColumns = `id, entry_id, target_id, kind, amount, applied_at, applied_by, idempotency_key, notes`

type applicationRow struct {
	ID             string         `db:"id"`
	EntryID        string         `db:"entry_id"`
	TargetID       string         `db:"target_id"`
	Kind           string         `db:"kind"`
	Amount         string         `db:"amount"`
	AppliedAt      time.Time      `db:"applied_at"`
	AppliedBy      string         `db:"applied_by"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Notes          sql.NullString `db:"notes"`
}

func (r applicationRow) toApplication() (generic.Application, error) {
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return generic.Application{}, fmt.Errorf("application %s: %w", r.ID, err)
	}
	return generic.Application{
		ID:             generic.ApplicationID(r.ID),
		EntryID:        generic.EntryID(r.EntryID),
		TargetID:       generic.TargetID(r.TargetID),
		Kind:           generic.ApplicationKind(r.Kind),
		Amount:         amount,
		AppliedAt:      r.AppliedAt.UTC(),
		AppliedBy:      r.AppliedBy,
		IdempotencyKey: r.IdempotencyKey.String,
		Notes:          r.Notes.String,
	}, nil
}

type targetRow struct {
	ID        string         `db:"id"`
	OwnerID   sql.NullString `db:"owner_id"`
	Total     string         `db:"total"`
	Discount  string         `db:"discount"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// =============================================================================
// READS (generic.Store interface)
// =============================================================================

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	return getEntry(ctx, s.db, "id = $1", string(id), false)
}

func (s *Store) GetEntryByNumber(ctx context.Context, number string) (generic.Entry, error) {
	return getEntry(ctx, s.db, "number = $1", number, false)
}

func (s *Store) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return listEntries(ctx, s.db, filter)
}

func getEntry(ctx context.Context, q sqlx.QueryerContext, where, arg string, forUpdate bool) (generic.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE " + where
	if forUpdate {
		query += " FOR UPDATE"
	}
	var row entryRow
	err := sqlx.GetContext(ctx, q, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Entry{}, fmt.Errorf("entry %s: %w", arg, generic.ErrNotFound)
	}
	if err != nil {
		return generic.Entry{}, fmt.Errorf("failed to query entry: %w", mapError(err))
	}
	return row.toEntry()
}

func listEntries(ctx context.Context, q sqlx.ExtContext, f generic.EntryFilter) ([]generic.Entry, error) {
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
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status IN (?)")
		args = append(args, statuses)
	}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = string(id)
		}
		where = append(where, "id IN (?)")
		args = append(args, ids)
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

	query, args, err := expand(q, query, args)
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", mapError(err))
	}

	entries := make([]generic.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) ListApplications(ctx context.Context, filter generic.ApplicationFilter) ([]generic.Application, error) {
	var where []string
	var args []any
	if len(filter.EntryIDs) > 0 {
		ids := make([]string, len(filter.EntryIDs))
		for i, id := range filter.EntryIDs {
			ids[i] = string(id)
		}
		where = append(where, "entry_id IN (?)")
		args = append(args, ids)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, string(filter.TargetID))
	}

	query := "SELECT " + applicationColumns + " FROM applications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY applied_at DESC, seq DESC"

	query, args, err := expand(s.db, query, args)
	if err != nil {
		return nil, err
	}
	var rows []applicationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", mapError(err))
	}
	apps := make([]generic.Application, len(rows))
	for i, r := range rows {
		app, err := r.toApplication()
		if err != nil {
			return nil, err
		}
		apps[i] = app
	}
	return apps, nil
}

func (s *Store) GetApplicationByKey(ctx context.Context, key string) (generic.Application, error) {
	app, found, err := findApplicationByKey(ctx, s.db, key)
	if err != nil {
		return generic.Application{}, err
	}
	if !found {
		return generic.Application{}, fmt.Errorf("application %q: %w", key, generic.ErrNotFound)
	}
	return app, nil
}

func findApplicationByKey(ctx context.Context, q sqlx.QueryerContext, key string) (generic.Application, bool, error) {
	var row applicationRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT "+applicationColumns+" FROM applications WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Application{}, false, nil
	}
	if err != nil {
		return generic.Application{}, false, fmt.Errorf("failed to query application: %w", mapError(err))
	}
	app, err := row.toApplication()
	if err != nil {
		return generic.Application{}, false, err
	}
	return app, true, nil
}

func (s *Store) GetTarget(ctx context.Context, id generic.TargetID) (generic.Target, error) {
	return getTarget(ctx, s.db, id, false)
}

// SaveTarget upserts a target record.
func (s *Store) SaveTarget(ctx context.Context, t generic.Target) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, owner_id, total, discount, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			total = EXCLUDED.total,
			discount = EXCLUDED.discount,
			updated_at = EXCLUDED.updated_at
	`, string(t.ID), nullString(string(t.OwnerID)), t.Total.String(), t.Discount.String(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save target: %w", mapError(err))
	}
	return nil
}

func getTarget(ctx context.Context, q sqlx.QueryerContext, id generic.TargetID, forUpdate bool) (generic.Target, error) {
	query := "SELECT id, owner_id, total, discount, updated_at FROM targets WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var row targetRow
	err := sqlx.GetContext(ctx, q, &row, query, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Target{}, fmt.Errorf("target %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return generic.Target{}, fmt.Errorf("failed to query target: %w", mapError(err))
	}
	total, err := parseAmount("total", row.Total)
	if err != nil {
		return generic.Target{}, fmt.Errorf("target %s: %w", row.ID, err)
	}
	discount, err := parseAmount("discount", row.Discount)
	if err != nil {
		return generic.Target{}, fmt.Errorf("target %s: %w", row.ID, err)
	}
	return generic.Target{
		ID:        generic.TargetID(row.ID),
		OwnerID:   generic.OwnerID(row.OwnerID.String),
		Total:     total,
		Discount:  discount,
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

// ExpireEntries marks usable entries whose expiration has passed. Rows
// locked by in-flight applications are waited for.
func (s *Store) ExpireEntries(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET status = $1, updated_at = $2, version = version + 1
		WHERE status IN ($3, $4)
		  AND expires_at IS NOT NULL
		  AND expires_at < $2
	`, string(generic.StatusExpired), now.UTC(),
		string(generic.StatusActive), string(generic.StatusPartiallyUsed))
	if err != nil {
		return 0, fmt.Errorf("failed to expire entries: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// TRANSACTIONS (generic.Tx interface)
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx *sqlx.Tx
}

func (ts *txStore) GetEntryForUpdate(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	return getEntry(ctx, ts.tx, "id = $1", string(id), true)
}

func (ts *txStore) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return listEntries(ctx, ts.tx, filter)
}

func (ts *txStore) NextNumber(ctx context.Context, prefix string) (int64, error) {
	var value int64
	err := ts.tx.GetContext(ctx, &value, `
		INSERT INTO number_sequences (prefix, value) VALUES ($1, 1)
		ON CONFLICT (prefix) DO UPDATE SET value = number_sequences.value + 1
		RETURNING value
	`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to draw number: %w", mapError(err))
	}
	return value, nil
}

func (ts *txStore) InsertEntry(ctx context.Context, e generic.Entry) error {
	// lib/pq sends []byte as bytea, so JSONB goes over the wire as text.
	var attributes sql.NullString
	if len(e.Attributes) > 0 {
		b, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		attributes = sql.NullString{String: string(b), Valid: true}
	}
	var expiresAt sql.NullTime
	if e.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: e.ExpiresAt.UTC(), Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		string(e.ID), string(e.OwnerID), e.Category.CategoryID(), e.Number, e.Seq,
		e.Amount.String(), e.AmountUsed.String(), e.AmountRemaining.String(), string(e.Status),
		nullString(e.Reason), nullString(e.ReferenceID), nullString(string(e.ParentID)),
		nullString(e.Notes), expiresAt, attributes,
		e.CreatedBy, e.CreatedAt.UTC(), e.UpdatedAt.UTC(), e.Version,
	)
	if err != nil {
		if isUniqueViolation(err, "entries_number_unique") {
			return generic.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to insert entry: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateEntry(ctx context.Context, e generic.Entry, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE entries
		SET amount_used = $1, amount_remaining = $2, status = $3, notes = $4,
		    updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`, e.AmountUsed.String(), e.AmountRemaining.String(), string(e.Status), nullString(e.Notes),
		e.UpdatedAt.UTC(), string(e.ID), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := getEntry(ctx, ts.tx, "id = $1", string(e.ID), false); gerr != nil {
			return gerr
		}
		return generic.ErrConcurrencyConflict
	}
	return nil
}

func (ts *txStore) InsertApplication(ctx context.Context, a generic.Application) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(a.ID), string(a.EntryID), string(a.TargetID), string(a.Kind), a.Amount.String(),
		a.AppliedAt.UTC(), a.AppliedBy, nullString(a.IdempotencyKey), nullString(a.Notes))
	if err != nil {
		if isUniqueViolation(err, "applications_idempotency_key_unique") {
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
	err := ts.tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM applications WHERE entry_id = $1", string(entryID))
	return n, err
}

func (ts *txStore) GetTargetForUpdate(ctx context.Context, id generic.TargetID) (generic.Target, error) {
	return getTarget(ctx, ts.tx, id, true)
}

func (ts *txStore) UpdateTarget(ctx context.Context, t generic.Target) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE targets SET total = $1, discount = $2, updated_at = $3 WHERE id = $4",
		t.Total.String(), t.Discount.String(), t.UpdatedAt.UTC(), string(t.ID))
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			total = EXCLUDED.total,
			discount = CASE WHEN $6::boolean THEN EXCLUDED.discount ELSE targets.discount END,
			updated_at = EXCLUDED.updated_at
	`, string(t.ID), nullString(string(t.OwnerID)), t.Total.String(), t.Discount.String(), t.UpdatedAt.UTC(), overrideDiscount)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// expand applies sqlx.In to slice arguments and rebinds to $n placeholders.
func expand(q sqlx.ExtContext, query string, args []any) (string, []any, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query: %w", err)
	}
	return q.Rebind(query), args, nil
}

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

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// mapError turns serialization failures, deadlocks and lock timeouts into
// ErrConcurrencyConflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", generic.ErrConcurrencyConflict, err)
		}
	}
	return err
}
