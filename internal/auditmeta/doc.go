// Package auditmeta persists the metadata of storage consistency audits:
// one record per audit and a progress map per audit recording which key
// ranges have been checked.
//
// # Overview
//
// Every audit has a Type and an id allocated per type. Its record moves
// through these phases:
//
//	Running ──► Complete
//	   │
//	   ├──────► Error     (an inconsistency was found)
//	   │
//	   └──────► Failed    (cancelled, or gave up)
//
// Progress is a coalesced range map from key ranges to a segment phase
// (Invalid, Complete or Error). Range-based audits keep one map per audit;
// StorageServerShard audits keep one map per storage node.
//
// # Ownership
//
// Record writes made by the orchestrator present a LockToken and fail with
// ErrLockConflict once another orchestrator has taken the lock. Progress
// writes instead carry the orchestrator's owner id and are rejected when
// the record names a different owner, which InitAuditMetadata arranges
// when a new orchestrator adopts running audits.
//
// # Usage
//
//	store := auditmeta.NewStore(db)
//	lock, _ := auditmeta.TakeLock(ctx, db, ownerID)
//	id, err := store.PersistNewAuditState(ctx, auditmeta.State{
//		Type:    auditmeta.TypeReplica,
//		Range:   keyrange.New("a", "m"),
//		Phase:   auditmeta.PhaseRunning,
//		OwnerID: ownerID,
//	}, lock)
//
// All Store methods are safe for concurrent use.
package auditmeta
