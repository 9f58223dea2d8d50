package auditmeta

import (
	"fmt"
	"strings"
	"time"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Type identifies what an audit verifies.
type Type uint8

const (
	TypeInvalid Type = iota
	// TypeHA compares a shard's copy in the primary region with one
	// copy in every remote region.
	TypeHA
	// TypeReplica compares every replica of a shard within the primary region.
	TypeReplica
	// TypeLocationMetadata checks that the shard map agrees with what
	// storage nodes actually hold.
	TypeLocationMetadata
	// TypeStorageServerShard has every storage node check its own shard
	// bookkeeping. Progress is tracked per node over the whole key space.
	TypeStorageServerShard
)

var typeNames = map[Type]string{
	TypeInvalid:            "invalid",
	TypeHA:                 "ha",
	TypeReplica:            "replica",
	TypeLocationMetadata:   "locationmetadata",
	TypeStorageServerShard: "ssshard",
}

// Types lists every valid audit type.
func Types() []Type {
	return []Type{TypeHA, TypeReplica, TypeLocationMetadata, TypeStorageServerShard}
}

// ParseType parses a type name case-insensitively.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if t != TypeInvalid && name == s {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("%w: unknown audit type %q", ErrNotImplemented, s)
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known, non-invalid type.
func (t Type) Valid() bool {
	return t >= TypeHA && t <= TypeStorageServerShard
}

// RangeBased reports whether progress for t is tracked over the audited key
// range rather than per storage node.
func (t Type) RangeBased() bool {
	return t == TypeHA || t == TypeReplica || t == TypeLocationMetadata
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Phase is the lifecycle state of an audit record or a progress segment.
// Segments only ever hold Invalid, Complete or Error.
type Phase uint8

const (
	PhaseInvalid Phase = iota
	PhaseRunning
	PhaseComplete
	PhaseError
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseInvalid:  "invalid",
	PhaseRunning:  "running",
	PhaseComplete: "complete",
	PhaseError:    "error",
	PhaseFailed:   "failed",
}

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseInvalid, fmt.Errorf("%w: unknown audit phase %q", ErrInvalidRequest, s)
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Terminal reports whether an audit in phase p has stopped running.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError || p == PhaseFailed
}

// finished reports whether retention cleanup may delete a record in phase p.
// Error records are kept for diagnosis.
func (p Phase) finished() bool {
	return p == PhaseComplete || p == PhaseFailed
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is the persisted record of one audit.
type State struct {
	ID    uint64         `json:"id"`
	Type  Type           `json:"type"`
	Range keyrange.Range `json:"range"`
	Phase Phase          `json:"phase"`

	// OwnerID is the orchestrator instance that runs the audit.
	OwnerID string `json:"owner_id,omitempty"`

	// Generation tags the allocation that created the record so a retried
	// PersistNewAuditState can recognise its own earlier commit.
	Generation string `json:"generation,omitempty"`

	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s State) String() string {
	return fmt.Sprintf("%s/%d %s %s", s.Type, s.ID, s.Range, s.Phase)
}

// Segment is a maximal sub-range of an audit carrying one progress phase.
type Segment struct {
	Range keyrange.Range `json:"range"`
	Phase Phase          `json:"phase"`
}
