package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

// TestNewShardRegistry tests that the key space is split into contiguous
// shards covering every user key.
func TestNewShardRegistry(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
		want      int
	}{
		{name: "create with 1 shard", numShards: 1, want: 1},
		{name: "create with 4 shards", numShards: 4, want: 4},
		{name: "create with 100 shards", numShards: 100, want: 100},
		{name: "clamped low", numShards: 0, want: 1},
		{name: "clamped high", numShards: 1000, want: 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewShardRegistry(tt.numShards)
			if registry.NumShards() != tt.want {
				t.Fatalf("Expected %d shards, got %d", tt.want, registry.NumShards())
			}

			shards := registry.Shards()
			if len(shards) != tt.want {
				t.Fatalf("Expected %d shard infos, got %d", tt.want, len(shards))
			}
			begin := keyrange.AllKeys.Begin
			for i, s := range shards {
				if s.ShardID != i {
					t.Errorf("shard %d reported as %d", i, s.ShardID)
				}
				if s.Range.Begin != begin || s.Range.Empty() {
					t.Errorf("shard %d range %s does not continue from %q", i, s.Range, begin)
				}
				begin = s.Range.End
			}
			if begin != keyrange.AllKeys.End {
				t.Errorf("shards end at %q, want %q", begin, keyrange.AllKeys.End)
			}

			if len(registry.GetAllAssignments()) != 0 {
				t.Errorf("Expected 0 assignments initially, got %d", len(registry.GetAllAssignments()))
			}
		})
	}
}

// TestShardAssignment tests assigning copies of shards to nodes
func TestShardAssignment(t *testing.T) {
	t.Run("assign shard to node", func(t *testing.T) {
		registry := NewShardRegistry(4)

		if err := registry.AssignShard(0, "node1", true); err != nil {
			t.Fatalf("Failed to assign shard: %v", err)
		}

		assignment := registry.GetAssignment(0)
		if assignment == nil {
			t.Fatal("Expected assignment, got nil")
		}
		if assignment.ShardID != 0 || assignment.NodeID != "node1" || !assignment.IsPrimary {
			t.Errorf("unexpected assignment %+v", assignment)
		}
	})

	t.Run("new primary demotes old one", func(t *testing.T) {
		registry := NewShardRegistry(4)
		registry.AssignShard(1, "node1", true)
		registry.AssignShard(1, "node2", true)

		if got := registry.GetAssignment(1); got == nil || got.NodeID != "node2" {
			t.Fatalf("Expected node2 as primary, got %+v", got)
		}
		all := registry.GetAllAssignments()
		if len(all) != 2 {
			t.Fatalf("Expected 2 copies, got %d", len(all))
		}
		if all[0].NodeID != "node2" || all[1].NodeID != "node1" || all[1].IsPrimary {
			t.Errorf("Expected primary first then demoted replica, got %+v %+v", all[0], all[1])
		}
	})

	t.Run("reassigning a holder updates its flag", func(t *testing.T) {
		registry := NewShardRegistry(4)
		registry.AssignShard(2, "node1", false)
		registry.AssignShard(2, "node1", true)
		if n := len(registry.GetAllAssignments()); n != 1 {
			t.Errorf("Expected 1 copy, got %d", n)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		registry := NewShardRegistry(4)
		if err := registry.AssignShard(-1, "node1", true); err == nil {
			t.Error("Expected error for negative shard ID")
		}
		if err := registry.AssignShard(4, "node1", true); err == nil {
			t.Error("Expected error for shard ID >= numShards")
		}
		if err := registry.AssignShard(0, "", true); err == nil {
			t.Error("Expected error for empty node ID")
		}
		if registry.GetAssignment(99) != nil {
			t.Error("Expected nil for unknown shard")
		}
	})
}

// TestGetShardForKey tests key to shard lookups by range
func TestGetShardForKey(t *testing.T) {
	registry := NewShardRegistry(4) // splits at 0x3f, 0x7f, 0xbf

	tests := []struct {
		key  string
		want int
	}{
		{"", 0},
		{"0", 0},
		{"\x3e\xff", 0},
		{"\x3f", 1},
		{"a", 1},
		{"user:123", 1},
		{"\x7f", 2},
		{"\x90abc", 2},
		{"\xc0", 3},
		{"\xfe\xff\xff", 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.key), func(t *testing.T) {
			got, err := registry.GetShardForKey(tt.key)
			if err != nil {
				t.Fatalf("GetShardForKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetShardForKey(%q) = %d, want %d", tt.key, got, tt.want)
			}
			rng, _ := registry.ShardRange(got)
			if !rng.ContainsKey(tt.key) {
				t.Errorf("shard %d range %s does not contain %q", got, rng, tt.key)
			}
		})
	}

	if _, err := registry.GetShardForKey("\xff/audit"); !errors.Is(err, ErrNoShard) {
		t.Errorf("Expected ErrNoShard for system key, got %v", err)
	}
}

// TestGetNodeForKey tests routing a key to its primary node
func TestGetNodeForKey(t *testing.T) {
	registry := NewShardRegistry(2)
	shardID, _ := registry.GetShardForKey("a")

	if _, err := registry.GetNodeForKey("a"); err == nil {
		t.Error("Expected error for unassigned shard")
	}

	registry.AssignShard(shardID, "replica", false)
	if _, err := registry.GetNodeForKey("a"); err == nil {
		t.Error("Expected error for shard without primary")
	}

	registry.AssignShard(shardID, "primary", true)
	nodeID, err := registry.GetNodeForKey("a")
	if err != nil || nodeID != "primary" {
		t.Errorf("GetNodeForKey() = %q, %v", nodeID, err)
	}
}

// TestGetNodeShards tests listing the shards a node holds
func TestGetNodeShards(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.AssignShard(3, "node1", true)
	registry.AssignShard(0, "node1", false)
	registry.AssignShard(1, "node2", true)

	got := registry.GetNodeShards("node1")
	if len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Errorf("Expected [0 3], got %v", got)
	}
	if len(registry.GetNodeShards("nobody")) != 0 {
		t.Error("Expected no shards for unknown node")
	}
}

// TestRemoveShard tests unassigning a shard
func TestRemoveShard(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.AssignShard(0, "node1", true)
	registry.AssignShard(0, "node2", false)

	if err := registry.RemoveShard(0); err != nil {
		t.Fatalf("RemoveShard() error = %v", err)
	}
	if registry.GetAssignment(0) != nil || len(registry.GetAllAssignments()) != 0 {
		t.Error("Expected shard 0 to be unassigned")
	}
	if err := registry.RemoveShard(10); err == nil {
		t.Error("Expected error for invalid shard ID")
	}
}

func TestNodeMembership(t *testing.T) {
	registry := NewShardRegistry(2)

	if !registry.RegisterNode(cluster.NodeInfo{ID: "n2", Addr: "b", Region: "west"}) {
		t.Error("Expected first registration to be new")
	}
	registry.RegisterNode(cluster.NodeInfo{ID: "n1", Addr: "a", Region: "east"})
	registry.SetNodeStatus("n1", cluster.NodeStatusHealthy)
	registry.SetNodeStatus("ghost", cluster.NodeStatusHealthy)

	if registry.RegisterNode(cluster.NodeInfo{ID: "n1", Addr: "a2", Region: "east"}) {
		t.Error("Expected re-registration not to be new")
	}
	n1, ok := registry.Node("n1")
	if !ok || n1.Addr != "a2" || n1.Status != cluster.NodeStatusHealthy {
		t.Errorf("Expected updated address with kept status, got %+v", n1)
	}

	nodes := registry.Nodes()
	if len(nodes) != 2 || nodes[0].ID != "n1" || nodes[1].ID != "n2" {
		t.Errorf("Expected nodes sorted by ID, got %+v", nodes)
	}
	if nodes[1].Status != cluster.NodeStatusUnknown {
		t.Errorf("Expected unknown status for unchecked node, got %q", nodes[1].Status)
	}

	registry.AssignShard(0, "n2", true)
	registry.RemoveNode("n2")
	if removed, _ := registry.ServerRemoved(context.Background(), "n2"); !removed {
		t.Error("Expected n2 to be reported removed")
	}
	if removed, _ := registry.ServerRemoved(context.Background(), "n1"); removed {
		t.Error("Expected n1 to still be a member")
	}
	if registry.GetAssignment(0) != nil {
		t.Error("Expected removed node's copies to be dropped")
	}
}

func TestAutoAssign(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.SetReplicationFactor(3)
	for _, n := range []cluster.NodeInfo{
		{ID: "e1", Region: "east"},
		{ID: "e2", Region: "east"},
		{ID: "e3", Region: "east"},
		{ID: "w1", Region: "west"},
		{ID: "t1", Region: "east", TestReplica: true},
	} {
		registry.RegisterNode(n)
	}

	made := registry.AutoAssign()
	if len(made) != 12 {
		t.Fatalf("Expected 12 new copies, got %d", len(made))
	}

	for _, s := range registry.Shards() {
		if len(s.Assignments) != 3 {
			t.Errorf("shard %d has %d copies", s.ShardID, len(s.Assignments))
		}
		primaries := 0
		regions := map[string]bool{}
		for _, a := range s.Assignments {
			if a.NodeID == "t1" {
				t.Errorf("test replica received shard %d", s.ShardID)
			}
			if a.IsPrimary {
				primaries++
			}
			n, _ := registry.Node(a.NodeID)
			regions[n.Region] = true
		}
		if primaries != 1 {
			t.Errorf("shard %d has %d primaries", s.ShardID, primaries)
		}
		if !regions["west"] {
			t.Errorf("shard %d has no copy in west", s.ShardID)
		}
	}

	if again := registry.AutoAssign(); len(again) != 0 {
		t.Errorf("Expected no new copies on second run, got %d", len(again))
	}
}

func TestSourceServersForRange(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.RegisterNode(cluster.NodeInfo{ID: "e1", Region: "east"})
	registry.RegisterNode(cluster.NodeInfo{ID: "w1", Region: "west"})
	registry.AssignShard(1, "w1", true)
	registry.AssignShard(1, "e1", false)
	registry.AssignShard(2, "e1", true)
	registry.AssignShard(2, "gone", false)

	ctx := context.Background()
	locs, err := registry.SourceServersForRange(ctx, keyrange.New("a", "\x90"))
	if err != nil {
		t.Fatalf("SourceServersForRange() error = %v", err)
	}
	if len(locs) != 2 || locs[0].ShardID != 1 || locs[1].ShardID != 2 {
		t.Fatalf("Expected shards 1 and 2, got %+v", locs)
	}
	if r1, _ := registry.ShardRange(1); locs[0].Range != r1 {
		t.Errorf("Expected full shard range %s, got %s", r1, locs[0].Range)
	}
	if locs[0].PrimaryRegion != "west" || len(locs[0].Servers) != 2 {
		t.Errorf("unexpected location %+v", locs[0])
	}
	if len(locs[1].Servers) != 1 {
		t.Errorf("Expected unregistered holder to be skipped, got %+v", locs[1].Servers)
	}

	registry.SetPrimaryRegion("east")
	locs, _ = registry.SourceServersForRange(ctx, keyrange.New("a", "b"))
	if len(locs) != 1 || locs[0].PrimaryRegion != "east" {
		t.Errorf("Expected configured primary region, got %+v", locs)
	}

	locs, _ = registry.SourceServersForRange(ctx, keyrange.New("\xff", "\xff\xff"))
	if len(locs) != 0 {
		t.Errorf("Expected no shards in system key space, got %+v", locs)
	}
}

// TestConcurrentOperations exercises the registry under the race detector
func TestConcurrentOperations(t *testing.T) {
	registry := NewShardRegistry(20)
	var wg sync.WaitGroup
	numOps := 100

	wg.Add(numOps * 3)
	for i := 0; i < numOps; i++ {
		go func(id int) {
			defer wg.Done()
			registry.AssignShard(id%20, fmt.Sprintf("node%d", id%5), id%2 == 0)
		}(i)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", id)
			registry.GetShardForKey(key)
			registry.GetNodeForKey(key)
			registry.SourceServersForRange(context.Background(), keyrange.AllKeys)
		}(i)
		go func(id int) {
			defer wg.Done()
			if id%2 == 0 {
				registry.RemoveShard(id % 20)
			} else {
				registry.RegisterNode(cluster.NodeInfo{ID: fmt.Sprintf("node%d", id%5)})
				registry.AutoAssign()
			}
		}(i)
	}
	wg.Wait()

	if err := registry.AssignShard(0, "final-node", true); err != nil {
		t.Errorf("Registry not functional after concurrent ops: %v", err)
	}
}
