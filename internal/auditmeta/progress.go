package auditmeta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/rangemap"
	"github.com/dreamware/torua-audit/internal/storage"
)

// txnBackend maintains a range map under prefix inside a transaction.
type txnBackend struct {
	tx     storage.Txn
	prefix string
}

func (b txnBackend) Lower(ctx context.Context, key string) (rangemap.Boundary, bool, error) {
	res, err := b.tx.GetRange(ctx, keyrange.New(b.prefix, b.prefix+key),
		storage.RangeOptions{Limit: 1, Reverse: true})
	if err != nil || len(res.KVs) == 0 {
		return rangemap.Boundary{}, false, err
	}
	kv := res.KVs[0]
	return rangemap.Boundary{Key: kv.Key[len(b.prefix):], Value: string(kv.Value)}, true, nil
}

func (b txnBackend) Boundaries(ctx context.Context, begin, end string, limit int) ([]rangemap.Boundary, bool, error) {
	res, err := b.tx.GetRange(ctx, keyrange.New(b.prefix+begin, b.prefix+end),
		storage.RangeOptions{Limit: limit})
	if err != nil {
		return nil, false, err
	}
	out := make([]rangemap.Boundary, 0, len(res.KVs))
	for _, kv := range res.KVs {
		out = append(out, rangemap.Boundary{Key: kv.Key[len(b.prefix):], Value: string(kv.Value)})
	}
	return out, res.More, nil
}

func (b txnBackend) Set(key, value string) error {
	return b.tx.Set(b.prefix+key, []byte(value))
}

func (b txnBackend) ClearRange(begin, end string) error {
	return b.tx.ClearRange(keyrange.New(b.prefix+begin, b.prefix+end))
}

// Segment phases are stored as their decimal value; Invalid is the empty
// value so untouched ranges need no keys at all.
func encodeSegmentPhase(p Phase) string {
	if p == PhaseInvalid {
		return ""
	}
	return strconv.Itoa(int(p))
}

func decodeSegmentPhase(v string) (Phase, error) {
	if v == "" {
		return PhaseInvalid, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > int(PhaseFailed) {
		return PhaseInvalid, fmt.Errorf("corrupt progress value %q", v)
	}
	return Phase(n), nil
}

// setProgress writes phase over r in the progress map at prefix.
func setProgress(ctx context.Context, tx storage.Txn, prefix string, r keyrange.Range, phase Phase) error {
	return rangemap.Assign(ctx, txnBackend{tx: tx, prefix: prefix}, r, encodeSegmentPhase(phase))
}

// readProgress returns the segments covering a prefix of r. limit caps the
// number of boundaries read.
func readProgress(ctx context.Context, tx storage.Txn, prefix string, r keyrange.Range, limit int) ([]Segment, error) {
	raw, err := rangemap.Scan(ctx, txnBackend{tx: tx, prefix: prefix}, r, limit)
	if err != nil {
		return nil, err
	}
	segs := make([]Segment, 0, len(raw))
	for _, s := range raw {
		p, err := decodeSegmentPhase(s.Value)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Range: s.Range, Phase: p})
	}
	return segs, nil
}

// checkProgressWritable loads the audit record a progress write belongs to
// and decides whether the write may proceed. It returns false, nil when the
// audit already completed and the write should be skipped.
func checkProgressWritable(ctx context.Context, tx storage.Txn, st State) (bool, error) {
	cur, ok, err := getRecord(ctx, tx, st.Type, st.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrAuditCancelled
	}
	if cur.OwnerID != st.OwnerID {
		// A newer orchestrator adopted this audit.
		return false, fmt.Errorf("%w: audit owned by %s", ErrAuditStorageFailed, cur.OwnerID)
	}
	switch cur.Phase {
	case PhaseComplete:
		return false, nil
	case PhaseFailed:
		return false, ErrAuditCancelled
	}
	return true, nil
}

// PersistRangeProgress records st.Phase (Complete or Error) over st.Range
// in a range-based audit's progress map. st.OwnerID must match the record.
//
// It fails with ErrAuditCancelled if the audit was cancelled or removed and
// with ErrAuditStorageFailed if another orchestrator owns the audit. Writes
// to an audit that already completed are dropped.
func (s *Store) PersistRangeProgress(ctx context.Context, st State) error {
	if !st.Type.RangeBased() {
		return fmt.Errorf("%w: %s progress is tracked per server", ErrInvalidRequest, st.Type)
	}
	return s.persistProgress(ctx, st, rangeProgressKeyPrefix(st.Type, st.ID))
}

// PersistServerProgress is PersistRangeProgress for the per-server
// progress namespace of serverID.
func (s *Store) PersistServerProgress(ctx context.Context, serverID string, st State) error {
	if st.Type != TypeStorageServerShard {
		return fmt.Errorf("%w: %s progress is tracked per range", ErrInvalidRequest, st.Type)
	}
	return s.persistProgress(ctx, st, serverProgressKeyPrefix(st.Type, st.ID, serverID))
}

func (s *Store) persistProgress(ctx context.Context, st State, prefix string) error {
	if st.Phase != PhaseComplete && st.Phase != PhaseError {
		return fmt.Errorf("%w: progress phase %s", ErrInvalidRequest, st.Phase)
	}
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		ok, err := checkProgressWritable(ctx, tx, st)
		if err != nil || !ok {
			return err
		}
		return setProgress(ctx, tx, prefix, st.Range, st.Phase)
	})
	if err != nil {
		s.logger.Debug().Err(err).
			Str("audit_type", st.Type.String()).
			Uint64("audit_id", st.ID).
			Str("range", st.Range.String()).
			Msg("persist audit progress failed")
	}
	return err
}

// GetRanges returns progress segments covering a prefix of r for a
// range-based audit. Callers continue from the End of the last segment
// until r is covered.
func (s *Store) GetRanges(ctx context.Context, t Type, id uint64, r keyrange.Range) ([]Segment, error) {
	return s.getProgress(ctx, rangeProgressKeyPrefix(t, id), r)
}

// GetServerRanges is GetRanges over serverID's progress namespace.
func (s *Store) GetServerRanges(ctx context.Context, t Type, id uint64, serverID string, r keyrange.Range) ([]Segment, error) {
	return s.getProgress(ctx, serverProgressKeyPrefix(t, id, serverID), r)
}

func (s *Store) getProgress(ctx context.Context, prefix string, r keyrange.Range) ([]Segment, error) {
	var segs []Segment
	err := storage.Run(ctx, s.db, func(tx storage.Txn) error {
		var err error
		segs, err = readProgress(ctx, tx, prefix, r, s.pageSize)
		return err
	})
	return segs, err
}

// CheckComplete reports whether every segment of r is Complete or Error for
// a range-based audit. Read failures are retried s.checkRetries times,
// s.checkInterval apart, before ErrAuditStorageFailed is returned.
func (s *Store) CheckComplete(ctx context.Context, t Type, id uint64, r keyrange.Range) (bool, error) {
	if !t.RangeBased() {
		return false, fmt.Errorf("%w: completion check on %s audit", ErrInvalidRequest, t)
	}

	begin := r.Begin
	failures := 0
	for begin < r.End {
		segs, err := s.GetRanges(ctx, t, id, keyrange.New(begin, r.End))
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			failures++
			if failures > s.checkRetries {
				s.logger.Warn().Err(err).
					Str("audit_type", t.String()).
					Uint64("audit_id", id).
					Msg("audit progress check gave up")
				return false, fmt.Errorf("%w: %v", ErrAuditStorageFailed, err)
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(s.checkInterval):
			}
			continue
		}
		for _, seg := range segs {
			if seg.Phase == PhaseInvalid {
				s.logger.Info().
					Str("audit_type", t.String()).
					Uint64("audit_id", id).
					Str("unfinished", seg.Range.String()).
					Msg("audit progress not finished")
				return false, nil
			}
		}
		if len(segs) == 0 {
			return false, errors.New("empty progress scan")
		}
		begin = segs[len(segs)-1].Range.End
	}
	return true, nil
}
