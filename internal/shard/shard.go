package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/storage"
)

// ErrWrongShard is returned for keys outside the shard's range.
var ErrWrongShard = errors.New("key not owned by shard")

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateMigrating means the shard is being moved
	ShardStateMigrating ShardState = "migrating"
	// ShardStateDeleted means the shard is marked for deletion
	ShardStateDeleted ShardState = "deleted"
)

// Shard is one copy of a contiguous key range held by a storage node.
type Shard struct {
	ID      int            // Shard identifier, as assigned by the coordinator
	Primary bool           // Is this the primary or a replica?
	Range   keyrange.Range // Keys this shard owns
	Store   storage.Store  // The storage backend for this shard
	State   ShardState     // Current shard state
	Stats   *ShardStats    // Operation statistics
	mu      sync.RWMutex   // Protects state changes
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Digests uint64 `json:"digests"`
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID       int            `json:"id"`
	Primary  bool           `json:"primary"`
	Range    keyrange.Range `json:"range"`
	State    ShardState     `json:"state"`
	KeyCount int            `json:"key_count"`
	ByteSize int            `json:"byte_size"`
}

// Digest summarises the data a shard holds in Range. Two copies hold the
// same data in Range exactly when their digests have equal Sum.
type Digest struct {
	Range keyrange.Range `json:"range"`
	Keys  int            `json:"keys"`
	Sum   string         `json:"sum"`
}

// NewShard creates a new shard over rng with in-memory storage
func NewShard(id int, rng keyrange.Range, primary bool) *Shard {
	return &Shard{
		ID:      id,
		Primary: primary,
		Range:   rng,
		Store:   storage.NewMemoryStore(),
		State:   ShardStateActive,
		Stats:   &ShardStats{},
	}
}

// OwnsKey reports whether key falls in the shard's range
func (s *Shard) OwnsKey(key string) bool {
	return s.Range.ContainsKey(key)
}

// Get retrieves a value from the shard
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a value in the shard. Keys outside the shard's range are
// rejected with ErrWrongShard.
func (s *Shard) Put(key string, value []byte) error {
	if !s.OwnsKey(key) {
		return fmt.Errorf("%w: %q not in %s", ErrWrongShard, key, s.Range)
	}
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes a key from the shard
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// ListKeys returns all keys in the shard
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// ListKeysInRange returns the keys in r, sorted. Only the part of r inside
// the shard's range is considered.
func (s *Shard) ListKeysInRange(r keyrange.Range) []string {
	kvs := s.Store.Scan(r.Intersect(s.Range))
	keys := make([]string, len(kvs))
	for i, kv := range kvs {
		keys[i] = kv.Key
	}
	return keys
}

// DeleteRange deletes all keys in r and returns how many were deleted
func (s *Shard) DeleteRange(r keyrange.Range) int {
	keys := s.ListKeysInRange(r)
	for _, key := range keys {
		s.Delete(key)
	}
	return len(keys)
}

// Digest hashes the pairs in r, which must lie within the shard's range.
// With a positive limit, at most limit keys are hashed and the returned
// Range is the prefix of r they cover; callers continue from its End.
func (s *Shard) Digest(r keyrange.Range, limit int) (Digest, error) {
	if !s.Range.Contains(r) {
		return Digest{}, fmt.Errorf("%w: %s not in %s", ErrWrongShard, r, s.Range)
	}
	atomic.AddUint64(&s.Stats.Ops.Digests, 1)

	kvs := s.Store.Scan(r)
	covered := r
	if limit > 0 && len(kvs) > limit {
		kvs = kvs[:limit]
		covered.End = keyrange.KeyAfter(kvs[limit-1].Key)
	}

	h := sha256.New()
	var n [8]byte
	for _, kv := range kvs {
		// Length prefixes keep ("ab","c") and ("a","bc") apart.
		binary.BigEndian.PutUint64(n[:], uint64(len(kv.Key)))
		h.Write(n[:])
		h.Write([]byte(kv.Key))
		binary.BigEndian.PutUint64(n[:], uint64(len(kv.Value)))
		h.Write(n[:])
		h.Write(kv.Value)
	}
	return Digest{Range: covered, Keys: len(kvs), Sum: hex.EncodeToString(h.Sum(nil))}, nil
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
			Digests: atomic.LoadUint64(&s.Stats.Ops.Digests),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state, primary := s.State, s.Primary
	s.mu.RUnlock()

	storageStats := s.Store.Stats()

	return ShardInfo{
		ID:       s.ID,
		Primary:  primary,
		Range:    s.Range,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// SetPrimary updates whether this copy is the primary
func (s *Shard) SetPrimary(primary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Primary = primary
}

// IsPrimary reports whether this copy is the primary
func (s *Shard) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Primary
}
