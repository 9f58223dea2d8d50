package auditmeta

import (
	"encoding/binary"
	"net/url"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Key layout under the system key space:
//
//	\xff/audit/rec/<type>/<id>              record (JSON State)
//	\xff/audit/rng/<type>/<id>/<key>        range progress boundary
//	\xff/audit/srv/<type>/<id>/<node>/<key> per-node progress boundary
//
// <type> is one byte and <id> eight big-endian bytes, so record keys sort by
// id within a type. <node> is path-escaped so a node id holding '/' cannot
// reach into another node's progress.
const (
	auditPrefix          = keyrange.SystemPrefix + "/audit/"
	recordPrefix         = auditPrefix + "rec/"
	rangeProgressPrefix  = auditPrefix + "rng/"
	serverProgressPrefix = auditPrefix + "srv/"
)

// AuditKeys covers every audit key.
var AuditKeys = keyrange.New(auditPrefix, keyrange.PrefixEnd(auditPrefix))

func encodeID(id uint64) string {
	return string(binary.BigEndian.AppendUint64(nil, id))
}

func typeSegment(t Type) string {
	return string([]byte{byte(t)}) + "/"
}

func recordKey(t Type, id uint64) string {
	return recordPrefix + typeSegment(t) + encodeID(id)
}

func recordKeys(t Type) keyrange.Range {
	p := recordPrefix + typeSegment(t)
	return keyrange.New(p, keyrange.PrefixEnd(p))
}

func rangeProgressKeyPrefix(t Type, id uint64) string {
	return rangeProgressPrefix + typeSegment(t) + encodeID(id) + "/"
}

// serverProgressRoot prefixes the progress of every node for one audit.
func serverProgressRoot(t Type, id uint64) string {
	return serverProgressPrefix + typeSegment(t) + encodeID(id) + "/"
}

func serverProgressKeyPrefix(t Type, id uint64, serverID string) string {
	return serverProgressRoot(t, id) + url.PathEscape(serverID) + "/"
}

// progressKeys returns the keys holding all progress of an audit.
func progressKeys(t Type, id uint64) keyrange.Range {
	p := serverProgressRoot(t, id)
	if t.RangeBased() {
		p = rangeProgressKeyPrefix(t, id)
	}
	return keyrange.New(p, keyrange.PrefixEnd(p))
}
