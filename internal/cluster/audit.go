package cluster

import (
	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

// AuditRequest asks a storage node to verify Range. The receiving node is
// the subject; Targets are the nodes its data is compared against and are
// empty for single-node checks.
type AuditRequest struct {
	AuditID     uint64         `json:"audit_id"`
	Type        auditmeta.Type `json:"type"`
	Range       keyrange.Range `json:"range"`
	Targets     []NodeInfo     `json:"targets,omitempty"`
	RequesterID string         `json:"requester_id"`
}

// AuditReply reports the outcome of an AuditRequest. Range is the prefix
// of the requested range that was actually checked; Phase is Complete when
// it was consistent and Error when an inconsistency was found.
type AuditReply struct {
	AuditID uint64          `json:"audit_id"`
	Range   keyrange.Range  `json:"range"`
	Phase   auditmeta.Phase `json:"phase"`
	Error   string          `json:"error,omitempty"`
}

// TriggerAuditRequest launches an audit, or cancels audit ID when Cancel
// is set.
type TriggerAuditRequest struct {
	Type   auditmeta.Type `json:"type"`
	Range  keyrange.Range `json:"range"`
	Cancel bool           `json:"cancel,omitempty"`
	ID     uint64         `json:"id,omitempty"`
}

type TriggerAuditReply struct {
	ID uint64 `json:"id"`
}

// GetAuditStatesRequest selects audit records. A non-zero ID selects one
// record; otherwise Phase and Limit filter the newest-first listing.
type GetAuditStatesRequest struct {
	Type  auditmeta.Type  `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Phase auditmeta.Phase `json:"phase,omitempty"`
	Limit int             `json:"limit,omitempty"`
}

type GetAuditStatesReply struct {
	States []auditmeta.State `json:"states"`
}

// DigestRequest asks a node for a digest of its keys in Range.
type DigestRequest struct {
	Range keyrange.Range `json:"range"`
}

type DigestReply struct {
	Range  keyrange.Range `json:"range"`
	Keys   int            `json:"keys"`
	Digest string         `json:"digest"`
}
