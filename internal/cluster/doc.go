// Package cluster holds the wire types and HTTP plumbing shared by the
// coordinator, storage nodes and the audit CLI.
//
// # Overview
//
// Torua runs one coordinator and many storage nodes. The coordinator owns
// the shard map and drives consistency audits; nodes hold shard data and
// answer audit calls by comparing their copy with the copies on other
// nodes.
//
//	              ┌──────────────┐
//	   auditctl ─►│ Coordinator  │
//	              │ shard map    │
//	              │ distributor  │
//	              └──────┬───────┘
//	                     │ POST /audit
//	      ┌──────────────┼──────────────┐
//	      ▼              ▼              ▼
//	 ┌─────────┐    ┌─────────┐    ┌─────────┐
//	 │ Node 1  │◄──►│ Node 2  │◄──►│ Node 3  │
//	 │ east    │    │ east    │    │ west    │
//	 └─────────┘    └─────────┘    └─────────┘
//	          POST /digest between replicas
//
// # Endpoints
//
// Storage nodes serve:
//
//	POST /audit    AuditRequest  -> AuditReply
//	POST /digest   DigestRequest -> DigestReply
//	GET  /shards   the shards the node holds
//
// The coordinator serves:
//
//	POST /register        RegisterRequest
//	GET  /shards/locate   ?begin=&end= -> shard locations
//	POST /audit/trigger   TriggerAuditRequest -> TriggerAuditReply
//	GET  /audit/states    ?type=&id=&phase=&limit= -> GetAuditStatesReply
//	GET  /audit/progress  ?type=&id= -> auditmeta.Progress
//
// # Errors
//
// Audit errors travel as HTTP status codes. WriteError picks the status
// for an auditmeta error and StatusError unwraps back to it, so
//
//	if errors.Is(err, auditmeta.ErrTooManyRequests) { ... }
//
// works the same on either side of a call.
package cluster
