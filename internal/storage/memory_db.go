package storage

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// MemoryDB is an in-memory DB with optimistic concurrency control.
// Transactions read the latest committed data and buffer their writes;
// Commit fails with ErrConflict if any key or range the transaction read
// was modified by a transaction that committed after it began.
//
// MemoryDB backs tests and single-process deployments. It is safe for
// concurrent use.
type MemoryDB struct {
	mu       sync.Mutex
	data     map[string][]byte
	keys     []string          // sorted keys of data
	modified map[string]uint64 // last commit version that touched each key
	version  uint64

	failures []injectedFailure
}

type injectedFailure struct {
	err   error
	apply bool
}

// NewMemoryDB returns an empty database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		data:     make(map[string][]byte),
		modified: make(map[string]uint64),
	}
}

// FailCommits makes the next n commits return err. With apply set the
// writes are applied before the error is returned, which is how a commit
// with an unknown result looks to the caller.
func (db *MemoryDB) FailCommits(n int, err error, apply bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := 0; i < n; i++ {
		db.failures = append(db.failures, injectedFailure{err: err, apply: apply})
	}
}

// Begin implements DB.
func (db *MemoryDB) Begin(_ context.Context) (Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &memTx{
		db:          db,
		readVersion: db.version,
		reads:       make(map[string]struct{}),
		writes:      make(map[string]memWrite),
	}, nil
}

// Close implements DB.
func (db *MemoryDB) Close() error { return nil }

// Len returns the number of committed keys.
func (db *MemoryDB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.keys)
}

type memWrite struct {
	value   []byte
	deleted bool
}

type memTx struct {
	db          *MemoryDB
	readVersion uint64
	reads       map[string]struct{}
	readRanges  []keyrange.Range
	writes      map[string]memWrite
	clears      []keyrange.Range
	done        bool
}

func (tx *memTx) cleared(key string) bool {
	for _, r := range tx.clears {
		if r.ContainsKey(key) {
			return true
		}
	}
	return false
}

func (tx *memTx) Get(_ context.Context, key string) ([]byte, bool, error) {
	if tx.done {
		return nil, false, ErrTxDone
	}
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return slices.Clone(w.value), true, nil
	}
	if tx.cleared(key) {
		return nil, false, nil
	}

	tx.reads[key] = struct{}{}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	v, ok := tx.db.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (tx *memTx) GetRange(_ context.Context, r keyrange.Range, opts RangeOptions) (RangeResult, error) {
	if tx.done {
		return RangeResult{}, ErrTxDone
	}
	if r.Empty() {
		return RangeResult{}, nil
	}
	tx.readRanges = append(tx.readRanges, r)

	merged := make(map[string][]byte)
	tx.db.mu.Lock()
	lo, _ := slices.BinarySearch(tx.db.keys, r.Begin)
	for i := lo; i < len(tx.db.keys) && tx.db.keys[i] < r.End; i++ {
		k := tx.db.keys[i]
		if !tx.cleared(k) {
			merged[k] = tx.db.data[k]
		}
	}
	tx.db.mu.Unlock()

	for k, w := range tx.writes {
		if !r.ContainsKey(k) {
			continue
		}
		if w.deleted {
			delete(merged, k)
		} else {
			merged[k] = w.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if opts.Reverse {
		slices.Reverse(keys)
	}

	var res RangeResult
	for _, k := range keys {
		if opts.Limit > 0 && len(res.KVs) == opts.Limit {
			res.More = true
			break
		}
		res.KVs = append(res.KVs, KeyValue{Key: k, Value: slices.Clone(merged[k])})
	}
	return res, nil
}

func (tx *memTx) Set(key string, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[key] = memWrite{value: slices.Clone(value)}
	return nil
}

func (tx *memTx) Clear(key string) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[key] = memWrite{deleted: true}
	return nil
}

func (tx *memTx) ClearRange(r keyrange.Range) error {
	if tx.done {
		return ErrTxDone
	}
	if r.Empty() {
		return nil
	}
	for k := range tx.writes {
		if r.ContainsKey(k) {
			delete(tx.writes, k)
		}
	}
	tx.clears = append(tx.clears, r)
	return nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var injected *injectedFailure
	if len(db.failures) > 0 {
		injected = &db.failures[0]
		db.failures = db.failures[1:]
		if !injected.apply {
			return injected.err
		}
	}

	if err := tx.checkConflicts(); err != nil {
		return err
	}
	tx.apply()

	if injected != nil {
		return injected.err
	}
	return nil
}

// checkConflicts must be called with db.mu held.
func (tx *memTx) checkConflicts() error {
	db := tx.db
	for k := range tx.reads {
		if db.modified[k] > tx.readVersion {
			return ErrConflict
		}
	}
	if len(tx.readRanges) == 0 {
		return nil
	}
	for k, v := range db.modified {
		if v <= tx.readVersion {
			continue
		}
		for _, r := range tx.readRanges {
			if r.ContainsKey(k) {
				return ErrConflict
			}
		}
	}
	return nil
}

// apply must be called with db.mu held.
func (tx *memTx) apply() {
	db := tx.db
	if len(tx.clears) == 0 && len(tx.writes) == 0 {
		return
	}
	db.version++

	for _, r := range tx.clears {
		lo, _ := slices.BinarySearch(db.keys, r.Begin)
		hi, _ := slices.BinarySearch(db.keys, r.End)
		if lo >= hi {
			continue
		}
		for _, k := range db.keys[lo:hi] {
			delete(db.data, k)
			db.modified[k] = db.version
		}
		db.keys = slices.Delete(db.keys, lo, hi)
	}

	for k, w := range tx.writes {
		db.modified[k] = db.version
		_, exists := db.data[k]
		if w.deleted {
			if exists {
				delete(db.data, k)
				i, _ := slices.BinarySearch(db.keys, k)
				db.keys = slices.Delete(db.keys, i, i+1)
			}
			continue
		}
		if !exists {
			i, _ := slices.BinarySearch(db.keys, k)
			db.keys = slices.Insert(db.keys, i, k)
		}
		db.data[k] = w.value
	}
}

func (tx *memTx) Rollback() {
	tx.done = true
}
