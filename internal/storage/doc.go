// Package storage provides Torua's storage layers: the plain key-value Store
// shards keep user data in, and the ordered transactional DB the coordinator
// keeps its metadata in.
//
// # Store
//
// Store is a thread-safe map from string keys to byte values. MemoryStore is
// the only implementation; Scan returns key-ordered pairs for range-based
// consistency checks.
//
// # DB and transactions
//
// DB is an ordered key space with ACID transactions:
//
//	┌──────────────────────────────────────┐
//	│   auditmeta / coordinator metadata   │
//	└──────────────────────────────────────┘
//	                  │  storage.Run(ctx, db, fn)
//	                  ▼
//	┌──────────────────────────────────────┐
//	│   Txn: Get Set Clear ClearRange      │
//	│        GetRange (limit, reverse)     │
//	└──────────────────────────────────────┘
//	          │                   │
//	          ▼                   ▼
//	   ┌────────────┐      ┌────────────┐
//	   │  MemoryDB  │      │  SQLiteDB  │
//	   │ optimistic │      │   WAL,     │
//	   │ conflicts  │      │ serialized │
//	   └────────────┘      └────────────┘
//
// Run retries transient failures (ErrConflict, ErrCommitUnknown, ErrTimeout)
// with capped exponential backoff until the context ends; RunN bounds the
// number of attempts. Transaction bodies may execute more than once and must
// be idempotent: a commit that reports ErrCommitUnknown may have applied.
//
// Range reads return at most Limit rows and set More when rows were left
// out, so callers page through large ranges by re-reading from the last key.
//
// # Key ordering
//
// Keys compare bytewise. SQLiteDB stores keys as BLOBs, whose comparison is
// memcmp, so SQL ordering matches MemoryDB ordering exactly.
//
// # Example
//
//	db := storage.NewMemoryDB()
//	err := storage.Run(ctx, db, func(tx storage.Txn) error {
//	    v, ok, err := tx.Get(ctx, "counter")
//	    if err != nil {
//	        return err
//	    }
//	    n := 0
//	    if ok {
//	        n, _ = strconv.Atoi(string(v))
//	    }
//	    return tx.Set("counter", []byte(strconv.Itoa(n+1)))
//	})
package storage
