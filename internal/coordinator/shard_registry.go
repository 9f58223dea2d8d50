// Package coordinator implements the orchestration layer for Torua's distributed storage system.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/rangemap"
)

// ErrNoShard is returned for keys outside every shard, which is to say keys
// in the reserved system key space.
var ErrNoShard = errors.New("key is not in any shard")

// ShardAssignment places one copy of a shard on a node.
//
// A shard has at most one primary assignment. The primary copy takes
// writes; replicas exist for fault tolerance and are what replica and HA
// audits compare the primary against.
type ShardAssignment struct {
	// NodeID identifies the node holding the copy.
	// Must match a registered node's ID in the cluster.
	NodeID string `json:"node_id"`

	// IsPrimary marks the copy that takes writes.
	IsPrimary bool `json:"is_primary"`

	// ShardID is the shard this copy belongs to, in [0, NumShards()).
	ShardID int `json:"shard_id"`
}

// ShardInfo is a shard's key range and every copy of it.
type ShardInfo struct {
	ShardID     int               `json:"shard_id"`
	Range       keyrange.Range    `json:"range"`
	Assignments []ShardAssignment `json:"assignments"`
}

type shardEntry struct {
	rng         keyrange.Range
	assignments []ShardAssignment
}

// ShardRegistry is the authoritative shard map: which key range each shard
// covers, which nodes hold each shard, and which nodes are members of the
// cluster at all.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              ShardRegistry               │
//	├──────────────────────────────────────────┤
//	│  ranges:  key range  → shard id          │
//	│  shards:  shard id   → [assignments]     │
//	│  nodes:   node id    → NodeInfo          │
//	├──────────────────────────────────────────┤
//	│  "user:123" → shard 1 → n1*, n2, w1      │
//	└──────────────────────────────────────────┘
//
// The key space is split into contiguous ranges when the registry is
// created, so any key range maps to an ordered run of shards. That is what
// lets audits walk a range shard by shard.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//
// ShardRegistry implements distributor.Topology.
type ShardRegistry struct {
	mu sync.RWMutex

	// ranges maps key ranges to shard ids, rendered in decimal.
	ranges *rangemap.Memory
	shards map[int]*shardEntry

	nodes map[string]cluster.NodeInfo

	// primaryRegion overrides the region of each shard's primary copy
	// when set.
	primaryRegion     string
	replicationFactor int
	numShards         int
}

// NewShardRegistry creates a registry whose user key space is split into
// numShards contiguous ranges by leading byte. numShards is clamped to
// [1, 255].
//
// Example:
//
//	registry := NewShardRegistry(4)
//	// shard 0: ["", "\x3f"), shard 1: ["\x3f", "\x7f"), ...
//	registry.AssignShard(0, "node-1", true)
func NewShardRegistry(numShards int) *ShardRegistry {
	numShards = min(max(numShards, 1), 255)
	r := &ShardRegistry{
		ranges:            rangemap.NewMemory(),
		shards:            make(map[int]*shardEntry, numShards),
		nodes:             make(map[string]cluster.NodeInfo),
		replicationFactor: 1,
		numShards:         numShards,
	}

	begin := keyrange.AllKeys.Begin
	for id := 0; id < numShards; id++ {
		end := keyrange.AllKeys.End
		if id < numShards-1 {
			end = string([]byte{byte((id + 1) * 255 / numShards)})
		}
		rng := keyrange.New(begin, end)
		r.shards[id] = &shardEntry{rng: rng}
		// Memory backends never fail.
		_ = rangemap.Assign(context.Background(), r.ranges, rng, strconv.Itoa(id))
		begin = end
	}
	return r
}

// SetPrimaryRegion fixes the region every shard's primary copy is
// considered to live in. Without it, the region of each shard's primary
// node is used.
func (r *ShardRegistry) SetPrimaryRegion(region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primaryRegion = region
}

// SetReplicationFactor sets how many copies AutoAssign keeps per shard.
func (r *ShardRegistry) SetReplicationFactor(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicationFactor = max(n, 1)
}

// NumShards returns the total number of shards in the cluster.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// AssignShard places a copy of shardID on nodeID. Assigning a primary
// demotes the previous primary to a replica. Assigning a node that already
// holds the shard only updates its primary flag.
//
// Returns an error if the shard ID is out of range or the node ID is empty.
func (r *ShardRegistry) AssignShard(shardID int, nodeID string, isPrimary bool) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignLocked(shardID, nodeID, isPrimary)
	return nil
}

func (r *ShardRegistry) assignLocked(shardID int, nodeID string, isPrimary bool) {
	e := r.shards[shardID]
	found := false
	for i := range e.assignments {
		a := &e.assignments[i]
		if a.NodeID == nodeID {
			a.IsPrimary = isPrimary
			found = true
		} else if isPrimary {
			a.IsPrimary = false
		}
	}
	if !found {
		e.assignments = append(e.assignments, ShardAssignment{ShardID: shardID, NodeID: nodeID, IsPrimary: isPrimary})
	}
}

// RemoveShard drops every copy of a shard, leaving it unassigned until
// AssignShard or AutoAssign places it again.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[shardID].assignments = nil
	return nil
}

// GetAssignment returns a copy of the primary assignment of a shard, or
// nil if the shard has no primary or the ID is invalid.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.shards[shardID]
	if !ok {
		return nil
	}
	for _, a := range e.assignments {
		if a.IsPrimary {
			return &a
		}
	}
	return nil
}

// GetAllAssignments returns every assignment ordered by shard, primary
// first within a shard. Each assignment is a copy.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignments := make([]*ShardAssignment, 0, len(r.shards))
	for id := 0; id < r.numShards; id++ {
		for _, a := range r.shards[id].assignments {
			assignments = append(assignments, &a)
		}
	}
	sort.SliceStable(assignments, func(i, j int) bool {
		if assignments[i].ShardID != assignments[j].ShardID {
			return assignments[i].ShardID < assignments[j].ShardID
		}
		return assignments[i].IsPrimary && !assignments[j].IsPrimary
	})
	return assignments
}

// Shards returns every shard with its range and copies, in key order.
func (r *ShardRegistry) Shards() []ShardInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardInfo, 0, r.numShards)
	for id := 0; id < r.numShards; id++ {
		e := r.shards[id]
		out = append(out, ShardInfo{
			ShardID:     id,
			Range:       e.rng,
			Assignments: slices.Clone(e.assignments),
		})
	}
	return out
}

// ShardRange returns the key range of a shard.
func (r *ShardRegistry) ShardRange(shardID int) (keyrange.Range, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.shards[shardID]
	if !ok {
		return keyrange.Range{}, false
	}
	return e.rng, true
}

// GetShardForKey returns the shard whose range contains key, or
// ErrNoShard for keys in the system key space.
//
// Example:
//
//	shardID, err := registry.GetShardForKey("user:123")
func (r *ShardRegistry) GetShardForKey(key string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segs, err := rangemap.Scan(context.Background(), r.ranges, keyrange.New(key, keyrange.KeyAfter(key)), 1)
	if err != nil {
		return -1, err
	}
	if len(segs) == 0 || segs[0].Value == "" {
		return -1, fmt.Errorf("%w: %q", ErrNoShard, key)
	}
	return strconv.Atoi(segs[0].Value)
}

// GetNodeForKey finds the node holding the primary copy of the shard that
// owns key.
func (r *ShardRegistry) GetNodeForKey(key string) (string, error) {
	shardID, err := r.GetShardForKey(key)
	if err != nil {
		return "", err
	}
	assignment := r.GetAssignment(shardID)
	if assignment == nil {
		return "", fmt.Errorf("shard %d is not assigned to any node", shardID)
	}
	return assignment.NodeID, nil
}

// GetNodeShards returns the IDs of every shard nodeID holds a copy of, in
// ascending order.
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for id := 0; id < r.numShards; id++ {
		for _, a := range r.shards[id].assignments {
			if a.NodeID == nodeID {
				shards = append(shards, id)
				break
			}
		}
	}
	return shards
}

// RegisterNode adds or updates a cluster member and reports whether it
// is new. A re-registering node keeps its last known health status.
func (r *ShardRegistry) RegisterNode(node cluster.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.nodes[node.ID]
	if node.Status == "" {
		node.Status = cluster.NodeStatusUnknown
		if exists {
			node.Status = prev.Status
		}
	}
	r.nodes[node.ID] = node
	return !exists
}

// RemoveNode drops a node from the cluster along with every copy it held.
func (r *ShardRegistry) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, nodeID)
	for _, e := range r.shards {
		e.assignments = slices.DeleteFunc(e.assignments, func(a ShardAssignment) bool {
			return a.NodeID == nodeID
		})
	}
}

// SetNodeStatus records the health of a node. Unknown nodes are ignored.
func (r *ShardRegistry) SetNodeStatus(nodeID string, status cluster.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Status = status
		r.nodes[nodeID] = n
	}
}

// Node returns a registered node.
func (r *ShardRegistry) Node(nodeID string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Nodes returns every registered node ordered by ID.
func (r *ShardRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodesLocked()
}

func (r *ShardRegistry) nodesLocked() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AutoAssign tops up every shard to the replication factor and returns the
// assignments it made. Test replicas never receive copies. Candidates in a
// region the shard is not yet in come first, then the least loaded nodes,
// so copies spread across regions before doubling up within one. A shard
// without a primary gets its first new copy as primary.
func (r *ShardRegistry) AutoAssign() []ShardAssignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []cluster.NodeInfo
	for _, n := range r.nodesLocked() {
		if !n.TestReplica {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	load := make(map[string]int)
	for _, e := range r.shards {
		for _, a := range e.assignments {
			load[a.NodeID]++
		}
	}

	var made []ShardAssignment
	for id := 0; id < r.numShards; id++ {
		e := r.shards[id]
		for len(e.assignments) < r.replicationFactor {
			holders := make(map[string]bool)
			regions := make(map[string]bool)
			hasPrimary := false
			for _, a := range e.assignments {
				holders[a.NodeID] = true
				regions[r.nodes[a.NodeID].Region] = true
				hasPrimary = hasPrimary || a.IsPrimary
			}

			best := -1
			for i, n := range candidates {
				if holders[n.ID] {
					continue
				}
				if best < 0 || betterCandidate(n, candidates[best], regions, load) {
					best = i
				}
			}
			if best < 0 {
				break
			}
			n := candidates[best]
			r.assignLocked(id, n.ID, !hasPrimary)
			load[n.ID]++
			made = append(made, ShardAssignment{ShardID: id, NodeID: n.ID, IsPrimary: !hasPrimary})
		}
	}
	return made
}

func betterCandidate(n, cur cluster.NodeInfo, regions map[string]bool, load map[string]int) bool {
	if newN, newCur := !regions[n.Region], !regions[cur.Region]; newN != newCur {
		return newN
	}
	return load[n.ID] < load[cur.ID]
}

// SourceServersForRange returns the shards intersecting rng in key order
// with the registered nodes holding each. Locations carry the shard's full
// range, which may extend past rng.
func (r *ShardRegistry) SourceServersForRange(ctx context.Context, rng keyrange.Range) ([]cluster.ShardLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segs, err := rangemap.Scan(ctx, r.ranges, rng.Intersect(keyrange.AllKeys), 0)
	if err != nil {
		return nil, err
	}
	out := make([]cluster.ShardLocation, 0, len(segs))
	for _, seg := range segs {
		if seg.Value == "" {
			continue
		}
		id, err := strconv.Atoi(seg.Value)
		if err != nil {
			return nil, fmt.Errorf("corrupt shard map at %s: %w", seg.Range, err)
		}
		e := r.shards[id]
		loc := cluster.ShardLocation{ShardID: id, Range: e.rng, PrimaryRegion: r.primaryRegion}
		for _, a := range e.assignments {
			n, ok := r.nodes[a.NodeID]
			if !ok {
				continue
			}
			if a.IsPrimary && loc.PrimaryRegion == "" {
				loc.PrimaryRegion = n.Region
			}
			loc.Servers = append(loc.Servers, n)
		}
		out = append(out, loc)
	}
	return out, nil
}

// StorageServers returns every registered node.
func (r *ShardRegistry) StorageServers(context.Context) ([]cluster.NodeInfo, error) {
	return r.Nodes(), nil
}

// ServerRemoved reports whether nodeID is no longer a cluster member.
func (r *ShardRegistry) ServerRemoved(_ context.Context, nodeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return !ok, nil
}
