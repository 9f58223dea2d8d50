package auditmeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/storage"
)

// Store persists audit records and their progress maps in a storage.DB.
// Every operation runs in its own retrying transaction and is safe to
// call concurrently.
type Store struct {
	db     storage.DB
	logger zerolog.Logger

	pageSize      int
	checkRetries  int
	checkInterval time.Duration
	initRetries   int
	now           func() time.Time
}

// NewStore returns a Store over db with default limits: 100-row pages,
// 30 completion-check retries 500ms apart and 50 attempts for
// InitAuditMetadata.
func NewStore(db storage.DB) *Store {
	return &Store{
		db:            db,
		logger:        zerolog.Nop(),
		pageSize:      100,
		checkRetries:  30,
		checkInterval: 500 * time.Millisecond,
		initRetries:   50,
		now:           time.Now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetPageSize sets how many rows a single range read may return.
func (s *Store) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// SetCheckCompleteRetry configures how CheckComplete retries failed reads.
func (s *Store) SetCheckCompleteRetry(retries int, interval time.Duration) {
	s.checkRetries = retries
	s.checkInterval = interval
}

// SetInitRetries bounds the attempts InitAuditMetadata makes.
func (s *Store) SetInitRetries(n int) {
	if n > 0 {
		s.initRetries = n
	}
}

// DB returns the underlying database.
func (s *Store) DB() storage.DB {
	return s.db
}

func encodeState(st State) ([]byte, error) {
	return json.Marshal(st)
}

func decodeState(b []byte) (State, error) {
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("decode audit state: %w", err)
	}
	return st, nil
}

func getRecord(ctx context.Context, tx storage.Txn, t Type, id uint64) (State, bool, error) {
	v, ok, err := tx.Get(ctx, recordKey(t, id))
	if err != nil || !ok {
		return State{}, false, err
	}
	st, err := decodeState(v)
	return st, err == nil, err
}

func putRecord(tx storage.Txn, st State) error {
	v, err := encodeState(st)
	if err != nil {
		return err
	}
	return tx.Set(recordKey(st.Type, st.ID), v)
}

// latestRecord returns the record with the highest id of type t.
func latestRecord(ctx context.Context, tx storage.Txn, t Type) (State, bool, error) {
	res, err := tx.GetRange(ctx, recordKeys(t), storage.RangeOptions{Limit: 1, Reverse: true})
	if err != nil || len(res.KVs) == 0 {
		return State{}, false, err
	}
	st, err := decodeState(res.KVs[0].Value)
	return st, err == nil, err
}

func clearProgress(tx storage.Txn, t Type, id uint64) error {
	return tx.ClearRange(progressKeys(t, id))
}

// PersistNewAuditState allocates the next id for st.Type, stores st under
// it and returns the id. st.ID must be zero; ids start at 1.
//
// Allocation is idempotent per st.Generation: if an earlier attempt with
// the same generation committed (for instance when the commit result was
// unknown), that record's id is returned and nothing new is written. An
// empty generation is replaced by a fresh one for this call.
//
// It fails with ErrLockConflict if lock was superseded and with
// ErrPersistAudit for any other failure.
func (s *Store) PersistNewAuditState(ctx context.Context, st State, lock LockToken) (uint64, error) {
	if st.ID != 0 {
		return 0, fmt.Errorf("%w: new audit already has id %d", ErrPersistAudit, st.ID)
	}
	if st.Generation == "" {
		st.Generation = uuid.NewString()
	}

	var id uint64
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		id = 0
		if err := checkLock(ctx, tx, lock, true); err != nil {
			return err
		}
		latest, ok, err := latestRecord(ctx, tx, st.Type)
		if err != nil {
			return err
		}
		if ok && latest.Generation == st.Generation {
			id = latest.ID
			return nil
		}

		rec := st
		rec.ID = 1
		if ok {
			rec.ID = latest.ID + 1
		}
		rec.UpdatedAt = s.now()
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		id = rec.ID
		return nil
	})

	log := s.logger.With().Str("audit_type", st.Type.String()).Str("range", st.Range.String()).Logger()
	switch {
	case err == nil:
		log.Info().Uint64("audit_id", id).Msg("persisted new audit")
		return id, nil
	case errors.Is(err, ErrLockConflict):
		log.Warn().Err(err).Msg("persist new audit lost the lock")
		return 0, err
	default:
		log.Warn().Err(err).Msg("persist new audit failed")
		return 0, fmt.Errorf("%w: %v", ErrPersistAudit, err)
	}
}

// PersistAuditState moves an existing audit to a terminal phase (Complete,
// Error or Failed). Reaching Complete clears the audit's progress.
//
// It fails with ErrAuditCancelled if the record is gone or already Failed,
// so at most one terminal transition wins against a concurrent cancel.
func (s *Store) PersistAuditState(ctx context.Context, st State, lock LockToken) error {
	if !st.Phase.Terminal() {
		return fmt.Errorf("%w: cannot persist phase %s", ErrInvalidRequest, st.Phase)
	}

	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		if err := checkLock(ctx, tx, lock, true); err != nil {
			return err
		}
		cur, ok, err := getRecord(ctx, tx, st.Type, st.ID)
		if err != nil {
			return err
		}
		if !ok || cur.Phase == PhaseFailed {
			return ErrAuditCancelled
		}
		if st.Phase == PhaseComplete {
			if err := clearProgress(tx, st.Type, st.ID); err != nil {
				return err
			}
		}
		rec := st
		rec.UpdatedAt = s.now()
		return putRecord(tx, rec)
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("audit_type", st.Type.String()).
			Uint64("audit_id", st.ID).
			Str("phase", st.Phase.String()).
			Msg("persist audit state failed")
		return err
	}
	s.logger.Info().
		Str("audit_type", st.Type.String()).
		Uint64("audit_id", st.ID).
		Str("phase", st.Phase.String()).
		Msg("persisted audit state")
	return nil
}

// GetAuditState returns the record of audit id, or ErrNotFound.
func (s *Store) GetAuditState(ctx context.Context, t Type, id uint64) (State, error) {
	var st State
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		var ok bool
		var err error
		st, ok, err = getRecord(ctx, tx, t, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrNotFound, t, id)
		}
		return nil
	})
	return st, err
}

// StatesQuery selects records for GetAuditStates.
type StatesQuery struct {
	NewestFirst bool
	// Limit caps the number of records returned. Zero means all.
	Limit int
	// Phase keeps only records in this phase. PhaseInvalid keeps all.
	Phase Phase
}

// GetAuditStates lists the records of type t in id order. Each page is read
// in its own transaction, so the result is not one consistent snapshot.
func (s *Store) GetAuditStates(ctx context.Context, t Type, q StatesQuery) ([]State, error) {
	var out []State
	cursor := recordKeys(t)
	for !cursor.Empty() {
		var page storage.RangeResult
		err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
			var err error
			page, err = tx.GetRange(ctx, cursor, storage.RangeOptions{Limit: s.pageSize, Reverse: q.NewestFirst})
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, kv := range page.KVs {
			st, err := decodeState(kv.Value)
			if err != nil {
				return nil, err
			}
			if q.Phase != PhaseInvalid && st.Phase != q.Phase {
				continue
			}
			out = append(out, st)
			if q.Limit > 0 && len(out) == q.Limit {
				return out, nil
			}
		}

		if !page.More || len(page.KVs) == 0 {
			break
		}
		last := page.KVs[len(page.KVs)-1].Key
		if q.NewestFirst {
			cursor.End = last
		} else {
			cursor.Begin = keyrange.KeyAfter(last)
		}
	}
	return out, nil
}

// ClearAuditMetadataForType deletes Complete and Failed records of type t
// with id <= maxID, oldest first, leaving the keep most recent of them.
// Failed records lose their progress too. Errors are logged, not returned:
// retention cleanup must never disturb the orchestrator.
func (s *Store) ClearAuditMetadataForType(ctx context.Context, t Type, maxID uint64, keep int) {
	cleaned := 0
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		cleaned = 0
		res, err := tx.GetRange(ctx, recordKeys(t), storage.RangeOptions{})
		if err != nil {
			return err
		}

		var finished []State
		for _, kv := range res.KVs {
			st, err := decodeState(kv.Value)
			if err != nil {
				return err
			}
			if st.ID <= maxID && st.Phase.finished() {
				finished = append(finished, st)
			}
		}

		for _, st := range finished[:max(len(finished)-keep, 0)] {
			if err := tx.Clear(recordKey(t, st.ID)); err != nil {
				return err
			}
			if st.Phase == PhaseFailed {
				if err := clearProgress(tx, t, st.ID); err != nil {
					return err
				}
			}
			cleaned++
		}
		return nil
	})

	log := s.logger.With().Str("audit_type", t.String()).Uint64("max_id", maxID).Logger()
	if err != nil {
		log.Info().Err(err).Msg("audit metadata cleanup failed")
		return
	}
	log.Debug().Int("cleaned", cleaned).Msg("audit metadata cleanup done")
}

// CancelAuditMetadata marks a running audit Failed and clears its progress.
// Cancelling an absent or already terminal audit is a no-op. Failures are
// reported as ErrCancelFailed.
func (s *Store) CancelAuditMetadata(ctx context.Context, t Type, id uint64) error {
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		cur, ok, err := getRecord(ctx, tx, t, id)
		if err != nil {
			return err
		}
		if !ok || cur.Phase.Terminal() {
			return nil
		}
		cur.Phase = PhaseFailed
		cur.Error = "cancelled"
		cur.UpdatedAt = s.now()
		if err := putRecord(tx, cur); err != nil {
			return err
		}
		return clearProgress(tx, t, id)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("audit_type", t.String()).Uint64("audit_id", id).Msg("cancel audit failed")
		return fmt.Errorf("%w: %v", ErrCancelFailed, err)
	}
	s.logger.Info().Str("audit_type", t.String()).Uint64("audit_id", id).Msg("audit cancelled")
	return nil
}

// InitAuditMetadata prepares audit metadata for a new orchestrator: every
// Running record is re-tagged with ownerID, finished records beyond keep
// are deleted per type, and the Running records are returned for
// resumption.
//
// ErrLockConflict is returned as is. Other failures are retried up to the
// configured attempt count, after which whatever the last attempt read is
// returned without error: resumption is best effort.
func (s *Store) InitAuditMetadata(ctx context.Context, lock LockToken, ownerID string, keep int) ([]State, error) {
	var running []State
	err := storage.RunN(ctx, s.db, s.initRetries, func(tx storage.Txn) error {
		running = running[:0]
		if err := checkLock(ctx, tx, lock, true); err != nil {
			return err
		}
		res, err := tx.GetRange(ctx, keyrange.New(recordPrefix, keyrange.PrefixEnd(recordPrefix)), storage.RangeOptions{})
		if err != nil {
			return err
		}

		byType := make(map[Type][]State)
		for _, kv := range res.KVs {
			st, err := decodeState(kv.Value)
			if err != nil {
				return err
			}
			if st.Phase == PhaseRunning {
				st.OwnerID = ownerID
				st.UpdatedAt = s.now()
				if err := putRecord(tx, st); err != nil {
					return err
				}
			}
			byType[st.Type] = append(byType[st.Type], st)
		}

		for t, states := range byType {
			sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
			finished := 0
			for _, st := range states {
				if st.Phase.finished() {
					finished++
				}
			}
			toClear := finished - keep
			for _, st := range states {
				switch {
				case st.Phase.finished() && toClear > 0:
					if err := tx.Clear(recordKey(t, st.ID)); err != nil {
						return err
					}
					if st.Phase == PhaseFailed {
						if err := clearProgress(tx, t, st.ID); err != nil {
							return err
						}
					}
					toClear--
				case st.Phase == PhaseRunning:
					running = append(running, st)
				}
			}
		}
		sort.Slice(running, func(i, j int) bool {
			if running[i].Type != running[j].Type {
				return running[i].Type < running[j].Type
			}
			return running[i].ID < running[j].ID
		})
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrLockConflict):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		s.logger.Warn().Err(err).Int("running", len(running)).Msg("audit metadata init incomplete, resuming what was read")
	}
	s.logger.Info().Int("running", len(running)).Str("owner_id", ownerID).Msg("audit metadata initialized")
	return running, nil
}
