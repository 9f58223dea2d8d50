// Package distributor drives storage consistency audits from the
// coordinator. It allocates audits, splits their key range along the
// current shard map, asks storage nodes to verify each piece and records
// the results through auditmeta.
//
// # Overview
//
//	TriggerAudit ──► Launch ──► Registry
//	                              │
//	                              ▼
//	                   auditCore: one pass per handle
//	                              │
//	          ┌───────────────────┴───────────────────┐
//	          ▼                                       ▼
//	   dispatchRange                           dispatchServers
//	   (ha, replica, locationmetadata)         (ssshard)
//	          │                                       │
//	   scheduleOnRange ──► doAudit ◄── scheduleOnServer
//	                         │
//	                      Verifier
//
// A pass walks the audit's progress and issues a verification call for
// every unchecked segment, bounded by a per-audit Budget. When all tasks
// have returned the pass ends in one of three ways: the audit is finished
// (Complete, or Error if any inconsistency was seen), it is retried by a
// fresh handle, or it is marked Failed once retries run out.
//
// # Server selection
//
// Replica audits compare every replica of a shard in the primary region.
// HA audits compare one primary region replica with one replica from each
// remote region. Shards with nothing to compare against are recorded as
// Complete. Healthy nodes are preferred as the subject of a check.
//
// # Restarts
//
// Start takes the metadata lock and resumes every audit left Running.
// Progress already recorded is kept, so a resumed audit only checks what
// its previous owner had not.
package distributor
