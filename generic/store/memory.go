// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state in maps guarded by mu. Transactions stage
// their writes and publish them at commit after re-checking versions and
// idempotency keys. Entry and target locks are per record, so transactions
// on different entries never wait for each other.
type Memory struct {
	mu           sync.RWMutex
	entries      map[generic.EntryID]generic.Entry
	byNumber     map[string]generic.EntryID
	applications []generic.Application
	byKey        map[string]int
	targets      map[generic.TargetID]generic.Target
	sequences    map[string]int64

	locksMu     sync.Mutex
	entryLocks  map[generic.EntryID]chan struct{}
	targetLocks map[generic.TargetID]chan struct{}
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[generic.EntryID]generic.Entry),
		byNumber:    make(map[string]generic.EntryID),
		byKey:       make(map[string]int),
		targets:     make(map[generic.TargetID]generic.Target),
		sequences:   make(map[string]int64),
		entryLocks:  make(map[generic.EntryID]chan struct{}),
		targetLocks: make(map[generic.TargetID]chan struct{}),
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetEntry(_ context.Context, id generic.EntryID) (generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return generic.Entry{}, fmt.Errorf("entry %s: %w", id, generic.ErrNotFound)
	}
	return e, nil
}

func (m *Memory) GetEntryByNumber(ctx context.Context, number string) (generic.Entry, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return generic.Entry{}, fmt.Errorf("entry %s: %w", number, generic.ErrNotFound)
	}
	return m.GetEntry(ctx, id)
}

func (m *Memory) ListEntries(_ context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterEntries(m.entries, filter), nil
}

func (m *Memory) ListApplications(_ context.Context, filter generic.ApplicationFilter) ([]generic.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterApplications(m.applications, filter), nil
}

func (m *Memory) GetApplicationByKey(_ context.Context, key string) (generic.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byKey[key]
	if !ok {
		return generic.Application{}, fmt.Errorf("application %q: %w", key, generic.ErrNotFound)
	}
	return m.applications[i], nil
}

func (m *Memory) GetTarget(_ context.Context, id generic.TargetID) (generic.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return generic.Target{}, fmt.Errorf("target %s: %w", id, generic.ErrNotFound)
	}
	return t, nil
}

// SaveTarget upserts a target record.
func (m *Memory) SaveTarget(_ context.Context, t generic.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t
	return nil
}

// ExpireEntries is the expiration sweep. It bumps versions, so an
// in-flight transaction holding a swept entry fails its commit with
// ErrConcurrencyConflict and is retried against the expired state.
func (m *Memory) ExpireEntries(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, e := range m.entries {
		if e.Status.IsUsable() && e.ExpiredAt(now) {
			e.Status = generic.StatusExpired
			e.UpdatedAt = now
			e.Version++
			m.entries[id] = e
			count++
		}
	}
	return count, nil
}

// =============================================================================
// LOCKS
// =============================================================================

func (m *Memory) entryLock(id generic.EntryID) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.entryLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.entryLocks[id] = l
	}
	return l
}

func (m *Memory) targetLock(id generic.TargetID) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.targetLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.targetLocks[id] = l
	}
	return l
}

func acquire(ctx context.Context, l chan struct{}) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Writes are staged and published atomically on commit; on error they are
// dropped. Locks taken inside fn are released when WithTx returns.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	tx := &memTx{
		m:       m,
		held:    make(map[generic.EntryID]chan struct{}),
		heldT:   make(map[generic.TargetID]chan struct{}),
		inserts: make(map[generic.EntryID]generic.Entry),
		updates: make(map[generic.EntryID]stagedUpdate),
		targets: make(map[generic.TargetID]generic.Target),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type stagedUpdate struct {
	entry    generic.Entry
	baseline int64 // committed version the update was computed from
}

type memTx struct {
	m *Memory

	held  map[generic.EntryID]chan struct{}
	heldT map[generic.TargetID]chan struct{}

	inserts map[generic.EntryID]generic.Entry
	updates map[generic.EntryID]stagedUpdate
	apps    []generic.Application
	targets map[generic.TargetID]generic.Target
}

func (tx *memTx) release() {
	for _, l := range tx.held {
		<-l
	}
	for _, l := range tx.heldT {
		<-l
	}
}

// visible returns the entry as this transaction sees it.
func (tx *memTx) visible(id generic.EntryID) (generic.Entry, bool) {
	if e, ok := tx.inserts[id]; ok {
		return e, true
	}
	if u, ok := tx.updates[id]; ok {
		return u.entry, true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	e, ok := tx.m.entries[id]
	return e, ok
}

func (tx *memTx) GetEntryForUpdate(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	if _, ok := tx.held[id]; !ok {
		l := tx.m.entryLock(id)
		if err := acquire(ctx, l); err != nil {
			return generic.Entry{}, err
		}
		tx.held[id] = l
	}
	e, ok := tx.visible(id)
	if !ok {
		return generic.Entry{}, fmt.Errorf("entry %s: %w", id, generic.ErrNotFound)
	}
	return e, nil
}

func (tx *memTx) ListEntries(_ context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	tx.m.mu.RLock()
	merged := make(map[generic.EntryID]generic.Entry, len(tx.m.entries)+len(tx.inserts))
	for id, e := range tx.m.entries {
		merged[id] = e
	}
	tx.m.mu.RUnlock()

	for id, u := range tx.updates {
		merged[id] = u.entry
	}
	for id, e := range tx.inserts {
		merged[id] = e
	}
	return filterEntries(merged, filter), nil
}

func (tx *memTx) NextNumber(_ context.Context, prefix string) (int64, error) {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	tx.m.sequences[prefix]++
	return tx.m.sequences[prefix], nil
}

func (tx *memTx) InsertEntry(_ context.Context, e generic.Entry) error {
	for _, staged := range tx.inserts {
		if staged.Number == e.Number {
			return generic.ErrDuplicateNumber
		}
	}
	e.Attributes = copyAttrs(e.Attributes)
	tx.inserts[e.ID] = e
	return nil
}

func (tx *memTx) UpdateEntry(_ context.Context, e generic.Entry, expectedVersion int64) error {
	current, ok := tx.visible(e.ID)
	if !ok {
		return fmt.Errorf("entry %s: %w", e.ID, generic.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return generic.ErrConcurrencyConflict
	}
	e.Version = expectedVersion + 1

	if _, inserted := tx.inserts[e.ID]; inserted {
		tx.inserts[e.ID] = e
		return nil
	}
	baseline := expectedVersion
	if prev, ok := tx.updates[e.ID]; ok {
		baseline = prev.baseline
	}
	tx.updates[e.ID] = stagedUpdate{entry: e, baseline: baseline}
	return nil
}

func (tx *memTx) InsertApplication(_ context.Context, a generic.Application) error {
	if a.IdempotencyKey != "" {
		if _, found, _ := tx.FindApplicationByKey(context.Background(), a.IdempotencyKey); found {
			return generic.ErrDuplicateIdempotencyKey
		}
	}
	tx.apps = append(tx.apps, a)
	return nil
}

func (tx *memTx) FindApplicationByKey(_ context.Context, key string) (generic.Application, bool, error) {
	for _, a := range tx.apps {
		if a.IdempotencyKey == key {
			return a, true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	if i, ok := tx.m.byKey[key]; ok {
		return tx.m.applications[i], true, nil
	}
	return generic.Application{}, false, nil
}

func (tx *memTx) CountApplications(_ context.Context, entryID generic.EntryID) (int, error) {
	n := 0
	for _, a := range tx.apps {
		if a.EntryID == entryID {
			n++
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for _, a := range tx.m.applications {
		if a.EntryID == entryID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) GetTargetForUpdate(ctx context.Context, id generic.TargetID) (generic.Target, error) {
	if _, ok := tx.heldT[id]; !ok {
		l := tx.m.targetLock(id)
		if err := acquire(ctx, l); err != nil {
			return generic.Target{}, err
		}
		tx.heldT[id] = l
	}
	if t, ok := tx.targets[id]; ok {
		return t, nil
	}
	return tx.m.GetTarget(ctx, id)
}

func (tx *memTx) UpdateTarget(_ context.Context, t generic.Target) error {
	tx.targets[t.ID] = t
	return nil
}

func (tx *memTx) SaveTarget(ctx context.Context, t generic.Target, overrideDiscount bool) error {
	current, err := tx.GetTargetForUpdate(ctx, t.ID)
	switch {
	case err == nil:
		if !overrideDiscount {
			t.Discount = current.Discount
		}
	case !generic.IsNotFound(err):
		return err
	}
	tx.targets[t.ID] = t
	return nil
}

// commit re-validates staged writes against committed state and publishes
// them, or publishes nothing.
func (tx *memTx) commit() error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, u := range tx.updates {
		if m.entries[id].Version != u.baseline {
			return generic.ErrConcurrencyConflict
		}
	}
	for _, e := range tx.inserts {
		if _, taken := m.byNumber[e.Number]; taken {
			return generic.ErrDuplicateNumber
		}
	}
	for _, a := range tx.apps {
		if a.IdempotencyKey == "" {
			continue
		}
		if _, taken := m.byKey[a.IdempotencyKey]; taken {
			return generic.ErrDuplicateIdempotencyKey
		}
	}

	for id, e := range tx.inserts {
		m.entries[id] = e
		m.byNumber[e.Number] = id
	}
	for id, u := range tx.updates {
		m.entries[id] = u.entry
	}
	for _, a := range tx.apps {
		m.applications = append(m.applications, a)
		if a.IdempotencyKey != "" {
			m.byKey[a.IdempotencyKey] = len(m.applications) - 1
		}
	}
	for id, t := range tx.targets {
		m.targets[id] = t
	}
	return nil
}

// =============================================================================
// FILTERING
// =============================================================================

func filterEntries(all map[generic.EntryID]generic.Entry, f generic.EntryFilter) []generic.Entry {
	var statuses map[generic.Status]bool
	if len(f.Statuses) > 0 {
		statuses = make(map[generic.Status]bool, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses[s] = true
		}
	}
	var ids map[generic.EntryID]bool
	if len(f.IDs) > 0 {
		ids = make(map[generic.EntryID]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	result := make([]generic.Entry, 0)
	for _, e := range all {
		switch {
		case f.OwnerID != "" && e.OwnerID != f.OwnerID:
		case f.Category != "" && (e.Category == nil || e.Category.CategoryID() != f.Category):
		case statuses != nil && !statuses[e.Status]:
		case f.ReferenceID != "" && e.ReferenceID != f.ReferenceID:
		case ids != nil && !ids[e.ID]:
		default:
			result = append(result, e)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		older := a.CreatedAt.Before(b.CreatedAt) ||
			(a.CreatedAt.Equal(b.CreatedAt) && a.Seq < b.Seq)
		if f.OldestFirst {
			return older
		}
		return !older && !(a.CreatedAt.Equal(b.CreatedAt) && a.Seq == b.Seq)
	})
	return result
}

func filterApplications(all []generic.Application, f generic.ApplicationFilter) []generic.Application {
	var ids map[generic.EntryID]bool
	if len(f.EntryIDs) > 0 {
		ids = make(map[generic.EntryID]bool, len(f.EntryIDs))
		for _, id := range f.EntryIDs {
			ids[id] = true
		}
	}

	result := make([]generic.Application, 0)
	for i := len(all) - 1; i >= 0; i-- {
		a := all[i]
		if ids != nil && !ids[a.EntryID] {
			continue
		}
		if f.TargetID != "" && a.TargetID != f.TargetID {
			continue
		}
		result = append(result, a)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].AppliedAt.After(result[j].AppliedAt)
	})
	return result
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
