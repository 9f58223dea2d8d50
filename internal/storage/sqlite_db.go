package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// SQLiteDB is a durable DB backed by a single SQLite table of BLOB keys.
// BLOB comparison is bytewise, so SQL ordering matches the key space order.
//
// The pool holds one connection: transactions are serialized and never
// conflict with each other, which trivially satisfies the DB contract.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if path == "" {
		return nil, errors.New("sqlite: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteDB{db: db}
	ctx := context.Background()
	if err := s.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) applyPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteDB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	) WITHOUT ROWID`)
	return err
}

// Begin implements DB.
func (s *SQLiteDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close implements DB.
func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// translateSQLiteErr maps lock contention onto the transient error set.
func translateSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// blob converts a key to a non-nil byte slice; database/sql binds a nil
// slice as NULL, which would break comparisons against the empty key.
func blob(s string) []byte {
	b := make([]byte, len(s))
	copy(b, s)
	return b
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxDone
	}
	var v []byte
	err := t.tx.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, blob(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translateSQLiteErr(err)
	}
	return v, true, nil
}

func (t *sqliteTx) GetRange(ctx context.Context, r keyrange.Range, opts RangeOptions) (RangeResult, error) {
	if t.done {
		return RangeResult{}, ErrTxDone
	}
	if r.Empty() {
		return RangeResult{}, nil
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit + 1
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k `+order+` LIMIT ?`,
		blob(r.Begin), blob(r.End), limit)
	if err != nil {
		return RangeResult{}, translateSQLiteErr(err)
	}
	defer rows.Close()

	var res RangeResult
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return RangeResult{}, translateSQLiteErr(err)
		}
		if opts.Limit > 0 && len(res.KVs) == opts.Limit {
			res.More = true
			break
		}
		res.KVs = append(res.KVs, KeyValue{Key: string(k), Value: v})
	}
	if err := rows.Err(); err != nil {
		return RangeResult{}, translateSQLiteErr(err)
	}
	return res, nil
}

func (t *sqliteTx) Set(key string, value []byte) error {
	if t.done {
		return ErrTxDone
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		blob(key), value)
	return translateSQLiteErr(err)
}

func (t *sqliteTx) Clear(key string) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(`DELETE FROM kv WHERE k = ?`, blob(key))
	return translateSQLiteErr(err)
}

func (t *sqliteTx) ClearRange(r keyrange.Range) error {
	if t.done {
		return ErrTxDone
	}
	if r.Empty() {
		return nil
	}
	_, err := t.tx.Exec(`DELETE FROM kv WHERE k >= ? AND k < ?`, blob(r.Begin), blob(r.End))
	return translateSQLiteErr(err)
}

func (t *sqliteTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return translateSQLiteErr(t.tx.Commit())
}

func (t *sqliteTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}
