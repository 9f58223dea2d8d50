// Package rangemap implements an ordered map from key ranges to values,
// stored as sorted boundary keys. Each boundary carries the value that
// applies from that key up to the next boundary; keys before the first
// boundary carry the empty value.
//
// Assign keeps the boundaries coalesced: no two adjacent intervals share a
// value. Scan relies on that property to return maximal intervals.
//
// The algorithms run over a Backend so the same code maintains both the
// in-memory Memory map and maps persisted inside a storage transaction.
package rangemap

import (
	"context"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Boundary is a stored boundary key and the value that starts there.
type Boundary struct {
	Key   string
	Value string
}

// Segment is a maximal interval carrying a single value.
type Segment struct {
	Range keyrange.Range
	Value string
}

// Backend is the boundary storage a range map is maintained in.
type Backend interface {
	// Lower returns the boundary with the greatest key strictly less than key.
	Lower(ctx context.Context, key string) (Boundary, bool, error)

	// Boundaries returns the boundaries with keys in [begin, end) in
	// ascending order. A positive limit caps the result; more reports
	// whether boundaries were left out.
	Boundaries(ctx context.Context, begin, end string, limit int) (bs []Boundary, more bool, err error)

	// Set stores a boundary.
	Set(key, value string) error

	// ClearRange removes every boundary with a key in [begin, end).
	ClearRange(begin, end string) error
}

// Assign sets value over r, overwriting whatever r held and merging with
// neighbours that hold the same value.
func Assign(ctx context.Context, b Backend, r keyrange.Range, value string) error {
	if r.Empty() {
		return nil
	}

	// Value in effect at r.End, which must survive the overwrite.
	atEnd, ok, err := b.Lower(ctx, keyrange.KeyAfter(r.End))
	if err != nil {
		return err
	}
	endValue := ""
	if ok {
		endValue = atEnd.Value
	}

	before, ok, err := b.Lower(ctx, r.Begin)
	if err != nil {
		return err
	}
	beforeValue := ""
	if ok {
		beforeValue = before.Value
	}

	if err := b.ClearRange(r.Begin, keyrange.KeyAfter(r.End)); err != nil {
		return err
	}
	if value != beforeValue {
		if err := b.Set(r.Begin, value); err != nil {
			return err
		}
	}
	if endValue != value {
		if err := b.Set(r.End, endValue); err != nil {
			return err
		}
	}
	return nil
}

// Scan returns the segments covering r in key order. With a positive limit
// the result may cover only a prefix of r; callers continue from the End of
// the last returned segment until it reaches r.End.
func Scan(ctx context.Context, b Backend, r keyrange.Range, limit int) ([]Segment, error) {
	if r.Empty() {
		return nil, nil
	}

	first, ok, err := b.Lower(ctx, keyrange.KeyAfter(r.Begin))
	if err != nil {
		return nil, err
	}
	value := ""
	if ok {
		value = first.Value
	}

	bs, more, err := b.Boundaries(ctx, keyrange.KeyAfter(r.Begin), r.End, limit)
	if err != nil {
		return nil, err
	}

	segs := make([]Segment, 0, len(bs)+1)
	start := r.Begin
	for _, bd := range bs {
		segs = appendSegment(segs, keyrange.New(start, bd.Key), value)
		start, value = bd.Key, bd.Value
	}
	if !more || len(bs) == 0 {
		segs = appendSegment(segs, keyrange.New(start, r.End), value)
	}
	return segs, nil
}

func appendSegment(segs []Segment, r keyrange.Range, value string) []Segment {
	if n := len(segs); n > 0 && segs[n-1].Value == value {
		segs[n-1].Range.End = r.End
		return segs
	}
	return append(segs, Segment{Range: r, Value: value})
}
