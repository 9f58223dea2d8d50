package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

func TestSelectServers(t *testing.T) {
	east1, east2 := node("e1", "east"), node("e2", "east")
	west, north := node("w1", "west"), node("n1", "north")
	loc := func(servers ...cluster.NodeInfo) cluster.ShardLocation {
		return cluster.ShardLocation{ShardID: 7, Range: keyrange.New("a", "b"), PrimaryRegion: "east", Servers: servers}
	}

	tests := []struct {
		name        string
		typ         auditmeta.Type
		loc         cluster.ShardLocation
		wantTargets []string
		targetCount int
		unauditable bool
		wantErr     bool
	}{
		{name: "replica compares primary region", typ: auditmeta.TypeReplica, loc: loc(east1, east2, west), targetCount: 1},
		{name: "replica needs two replicas", typ: auditmeta.TypeReplica, loc: loc(east1, west), unauditable: true},
		{name: "ha takes one per remote region", typ: auditmeta.TypeHA, loc: loc(east1, east2, west, north), wantTargets: []string{"n1", "w1"}, targetCount: 2},
		{name: "ha needs a remote region", typ: auditmeta.TypeHA, loc: loc(east1, east2), unauditable: true},
		{name: "location metadata is single node", typ: auditmeta.TypeLocationMetadata, loc: loc(east1, west)},
		{name: "no primary replica", typ: auditmeta.TypeReplica, loc: loc(west), wantErr: true},
		{name: "per-server type", typ: auditmeta.TypeStorageServerShard, loc: loc(east1, east2), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, targets, err := selectServers(tt.typ, tt.loc)
			switch {
			case tt.unauditable:
				require.ErrorIs(t, err, errUnauditable)
				return
			case tt.wantErr:
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "east", subject.Region)

			var ids []string
			for _, n := range targets {
				assert.NotEqual(t, subject.ID, n.ID)
				ids = append(ids, n.ID)
			}
			assert.Len(t, ids, tt.targetCount)
			if tt.wantTargets != nil {
				assert.Equal(t, tt.wantTargets, ids)
			}
		})
	}
}

func TestPickPrefersHealthyNodes(t *testing.T) {
	sick := node("s", "east")
	sick.Status = cluster.NodeStatusUnhealthy
	nodes := []cluster.NodeInfo{sick, node("h", "east")}
	for range 20 {
		assert.Equal(t, 1, pick(nodes))
	}

	sick2 := sick
	sick2.ID = "s2"
	only := []cluster.NodeInfo{sick, sick2}
	for range 20 {
		assert.Contains(t, []int{0, 1}, pick(only))
	}
}
