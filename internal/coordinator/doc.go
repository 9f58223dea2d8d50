// Package coordinator implements the control plane state of a Torua
// cluster: cluster membership, the shard map and node health.
//
// # Overview
//
// The coordinator is the single authority on which key ranges exist and
// which nodes hold a copy of each. The audit distributor reads this state
// through the distributor.Topology interface, which ShardRegistry
// implements.
//
//	┌──────────────────────────────────────┐
//	│             COORDINATOR              │
//	├──────────────────────────────────────┤
//	│  ┌────────────────────────────────┐  │
//	│  │  ShardRegistry                 │  │
//	│  │  - key range → shard           │  │
//	│  │  - shard → copies (primary *)  │  │
//	│  │  - node membership, regions    │  │
//	│  └────────────────────────────────┘  │
//	│  ┌────────────────────────────────┐  │
//	│  │  HealthMonitor                 │  │
//	│  │  - periodic /health probes     │  │
//	│  │  - status → ShardRegistry      │  │
//	│  └────────────────────────────────┘  │
//	└──────────────────────────────────────┘
//
// # Shard Map
//
// The user key space ["", "\xff") is split into contiguous ranges by
// leading byte when the registry is created. Because shards are ranges,
// any key range maps to an ordered run of shards:
//
//	shard:   0          1          2          3
//	      |──────────|──────────|──────────|──────────|
//	      ""        \x3f       \x7f       \xbf       \xff
//
//	Key "user:123" → shard 1
//	Range ["a", "\x90") → shards 1, 2
//
// Each shard has at most one primary copy and any number of replicas.
// AutoAssign tops shards up to the replication factor, spreading copies
// across regions first so HA audits have something to compare.
//
// # Node Health
//
// HealthMonitor marks a node unhealthy after MaxFailures consecutive
// failed probes and healthy again on the first success. Status changes are
// pushed into the registry, where audit scheduling uses them to prefer
// healthy replicas.
//
// # Usage Example
//
//	registry := coordinator.NewShardRegistry(cfg.Coordinator.NumShards)
//	registry.SetReplicationFactor(cfg.Coordinator.ReplicationFactor)
//
//	if registry.RegisterNode(node) {
//	    registry.AutoAssign()
//	}
//
//	monitor := coordinator.NewHealthMonitor(cfg.Health)
//	monitor.SetOnStatusChange(registry.SetNodeStatus)
//	go monitor.Start(ctx, registry.Nodes)
//
// # See Also
//
// Related packages:
//   - internal/cluster: wire types shared with nodes
//   - internal/distributor: audit scheduling over the shard map
//   - cmd/coordinator: the coordinator server
package coordinator
