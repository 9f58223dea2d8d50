// Package keyrange defines half-open ranges over Torua's ordered key space.
//
// Keys are byte strings compared lexicographically. The user key space is
// [AllKeys.Begin, AllKeys.End); keys at or above "\xff" are reserved for
// system metadata such as audit records and progress maps.
package keyrange

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SystemPrefix is the first key of the reserved system key space.
const SystemPrefix = "\xff"

// AllKeys covers the entire user key space.
var AllKeys = Range{Begin: "", End: SystemPrefix}

// Range is the half-open key interval [Begin, End).
type Range struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// New returns the range [begin, end).
func New(begin, end string) Range {
	return Range{Begin: begin, End: end}
}

// Empty reports whether the range contains no keys.
func (r Range) Empty() bool {
	return r.Begin >= r.End
}

// ContainsKey reports whether key lies in [Begin, End).
func (r Range) ContainsKey(key string) bool {
	return key >= r.Begin && key < r.End
}

// Contains reports whether other lies entirely within r.
// An empty range is contained by every range.
func (r Range) Contains(other Range) bool {
	if other.Empty() {
		return true
	}
	return other.Begin >= r.Begin && other.End <= r.End
}

// Intersects reports whether the two ranges share at least one key.
func (r Range) Intersects(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Begin < other.End && other.Begin < r.End
}

// Intersect returns the overlap of r and other. The result is empty when
// the ranges are disjoint.
func (r Range) Intersect(other Range) Range {
	out := Range{Begin: max(r.Begin, other.Begin), End: min(r.End, other.End)}
	if out.Empty() {
		return Range{Begin: out.Begin, End: out.Begin}
	}
	return out
}

// String renders the range with quoted, escaped keys so binary keys stay
// readable in logs.
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", strconv.Quote(r.Begin), strconv.Quote(r.End))
}

// EncodeKey renders key as printable ASCII using Go escape sequences, so
// binary keys survive JSON and YAML. DecodeKey reverses it.
func EncodeKey(key string) string {
	q := strconv.QuoteToASCII(key)
	return q[1 : len(q)-1]
}

func DecodeKey(s string) (string, error) {
	key, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return "", fmt.Errorf("invalid key %q: %w", s, err)
	}
	return key, nil
}

type wireRange struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRange{Begin: EncodeKey(r.Begin), End: EncodeKey(r.End)})
}

func (r *Range) UnmarshalJSON(b []byte) error {
	var w wireRange
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	begin, err := DecodeKey(w.Begin)
	if err != nil {
		return err
	}
	end, err := DecodeKey(w.End)
	if err != nil {
		return err
	}
	*r = Range{Begin: begin, End: end}
	return nil
}

// KeyAfter returns the smallest key strictly greater than key.
func KeyAfter(key string) string {
	return key + "\x00"
}

// PrefixEnd returns the first key that does not start with prefix, or the
// empty string if no such key exists (prefix is all 0xff bytes).
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
