package rangemap

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Memory is an in-memory Backend. It is not safe for concurrent use;
// owners guard it with their own lock.
type Memory struct {
	keys   []string
	values map[string]string
}

// NewMemory returns an empty map where every key carries the empty value.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Lower implements Backend.
func (m *Memory) Lower(_ context.Context, key string) (Boundary, bool, error) {
	i, _ := slices.BinarySearch(m.keys, key)
	if i == 0 {
		return Boundary{}, false, nil
	}
	k := m.keys[i-1]
	return Boundary{Key: k, Value: m.values[k]}, true, nil
}

// Boundaries implements Backend.
func (m *Memory) Boundaries(_ context.Context, begin, end string, limit int) ([]Boundary, bool, error) {
	i, _ := slices.BinarySearch(m.keys, begin)
	var out []Boundary
	for ; i < len(m.keys) && m.keys[i] < end; i++ {
		if limit > 0 && len(out) == limit {
			return out, true, nil
		}
		out = append(out, Boundary{Key: m.keys[i], Value: m.values[m.keys[i]]})
	}
	return out, false, nil
}

// Set implements Backend.
func (m *Memory) Set(key, value string) error {
	if _, ok := m.values[key]; !ok {
		i, _ := slices.BinarySearch(m.keys, key)
		m.keys = slices.Insert(m.keys, i, key)
	}
	m.values[key] = value
	return nil
}

// ClearRange implements Backend.
func (m *Memory) ClearRange(begin, end string) error {
	lo, _ := slices.BinarySearch(m.keys, begin)
	hi, _ := slices.BinarySearch(m.keys, end)
	if lo >= hi {
		return nil
	}
	for _, k := range m.keys[lo:hi] {
		delete(m.values, k)
	}
	m.keys = slices.Delete(m.keys, lo, hi)
	return nil
}

// Assign sets value over r.
func (m *Memory) Assign(r keyrange.Range, value string) {
	// The memory backend never fails.
	_ = Assign(context.Background(), m, r, value)
}

// Segments returns every segment covering r.
func (m *Memory) Segments(r keyrange.Range) []Segment {
	segs, _ := Scan(context.Background(), m, r, 0)
	return segs
}

// ValueAt returns the value in effect at key.
func (m *Memory) ValueAt(key string) string {
	b, ok, _ := m.Lower(context.Background(), keyrange.KeyAfter(key))
	if !ok {
		return ""
	}
	return b.Value
}

// Len returns the number of stored boundaries.
func (m *Memory) Len() int {
	return len(m.keys)
}
