/*
store.go - Persistence contracts for entries, applications and targets

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory maps;
  the engine is written only against these interfaces and receives the
  store through its constructor.

KEY INTERFACES:
  Store: Reads, the expiration sweep, and WithTx
  Tx:    Everything that mutates an entry's balance, run inside WithTx

LOCKING CONTRACT:
  GetEntryForUpdate locks the entry until the Tx ends (SELECT ... FOR UPDATE
  on PostgreSQL, the single writer on SQLite, a per-entry mutex in memory).
  UpdateEntry is additionally conditional on the version read: if another
  writer got there first it returns ErrConcurrencyConflict and changes
  nothing. Different entries never share a lock.

APPEND-ONLY:
  Applications are inserted, never updated. Entries are never deleted;
  only their balance triple, status and version change.

IDEMPOTENCY:
  InsertApplication rejects a second application with the same idempotency
  key (ErrDuplicateIdempotencyKey). The key lookup and the balance update
  run in the same Tx.

NUMBERING:
  NextNumber draws from an atomic per-prefix sequence inside the Tx. Entry
  numbers are also unique-indexed (ErrDuplicateNumber).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - engine.go: Apply, the main Tx user
  - allocator.go: Multi-entry Tx with target update
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// EntryFilter selects entries. Zero fields do not filter.
type EntryFilter struct {
	OwnerID     OwnerID
	Category    string
	Statuses    []Status
	ReferenceID string
	IDs         []EntryID

	// OldestFirst orders by issue time ascending; default is newest first.
	OldestFirst bool
}

// ApplicationFilter selects applications, newest first.
type ApplicationFilter struct {
	EntryIDs []EntryID
	TargetID TargetID
}

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence boundary of the ledger.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetEntry(ctx context.Context, id EntryID) (Entry, error)
	GetEntryByNumber(ctx context.Context, number string) (Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error)
	GetApplicationByKey(ctx context.Context, key string) (Application, error)

	GetTarget(ctx context.Context, id TargetID) (Target, error)
	SaveTarget(ctx context.Context, t Target) error

	// ExpireEntries moves every ACTIVE/PARTIALLY_USED entry whose
	// expiration is before now to EXPIRED and returns how many changed.
	ExpireEntries(ctx context.Context, now time.Time) (int, error)
}

// Tx is the mutating view of a Store inside WithTx.
type Tx interface {
	// GetEntryForUpdate reads and locks an entry until the Tx ends.
	GetEntryForUpdate(ctx context.Context, id EntryID) (Entry, error)

	// ListEntries reads entries visible to the Tx without locking them.
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// NextNumber draws the next value of the prefix's sequence.
	NextNumber(ctx context.Context, prefix string) (int64, error)

	// InsertEntry persists a new entry. ID, Number and Seq must be set.
	InsertEntry(ctx context.Context, e Entry) error

	// UpdateEntry writes the balance triple, status and notes of e when the
	// stored version still equals expectedVersion, and bumps the version.
	UpdateEntry(ctx context.Context, e Entry, expectedVersion int64) error

	InsertApplication(ctx context.Context, a Application) error
	FindApplicationByKey(ctx context.Context, key string) (Application, bool, error)
	CountApplications(ctx context.Context, entryID EntryID) (int, error)

	// GetTargetForUpdate reads and locks a target until the Tx ends.
	GetTargetForUpdate(ctx context.Context, id TargetID) (Target, error)
	UpdateTarget(ctx context.Context, t Target) error

	// SaveTarget upserts owner and total. A stored discount is kept unless
	// overrideDiscount is set, so a concurrent allocation is never undone.
	SaveTarget(ctx context.Context, t Target, overrideDiscount bool) error
}
