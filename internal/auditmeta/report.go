package auditmeta

import (
	"context"
	"fmt"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// maxReportedRanges caps the sample ranges a progress report lists.
const maxReportedRanges = 10

// Progress summarises how far an audit got.
type Progress struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`

	// Segment counts, for range-based audits.
	CompleteSegments int              `json:"complete_segments"`
	ErrorSegments    int              `json:"error_segments"`
	InvalidSegments  int              `json:"invalid_segments"`
	Unfinished       []keyrange.Range `json:"unfinished,omitempty"`
	Errors           []keyrange.Range `json:"errors,omitempty"`

	// Server counts, for per-server audits.
	ServersFinished   int      `json:"servers_finished"`
	ServersWithErrors []string `json:"servers_with_errors,omitempty"`
	ServersUnfinished []string `json:"servers_unfinished,omitempty"`
}

// GetAuditProgress walks an audit's progress. Range-based audits are walked
// over their recorded range; per-server audits over each of servers.
// Progress of a Complete audit has been cleared, so its report is empty.
func (s *Store) GetAuditProgress(ctx context.Context, t Type, id uint64, servers []string) (Progress, error) {
	st, err := s.GetAuditState(ctx, t, id)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Type: t, ID: id}
	if st.Phase == PhaseComplete {
		return p, nil
	}

	if t.RangeBased() {
		err := s.walkProgress(ctx, st.Range, func(r keyrange.Range) ([]Segment, error) {
			return s.GetRanges(ctx, t, id, r)
		}, func(seg Segment) {
			switch seg.Phase {
			case PhaseComplete:
				p.CompleteSegments++
			case PhaseError:
				p.ErrorSegments++
				if len(p.Errors) < maxReportedRanges {
					p.Errors = append(p.Errors, seg.Range)
				}
			default:
				p.InvalidSegments++
				if len(p.Unfinished) < maxReportedRanges {
					p.Unfinished = append(p.Unfinished, seg.Range)
				}
			}
		})
		return p, err
	}

	for _, server := range servers {
		var invalid, errored bool
		err := s.walkProgress(ctx, keyrange.AllKeys, func(r keyrange.Range) ([]Segment, error) {
			return s.GetServerRanges(ctx, t, id, server, r)
		}, func(seg Segment) {
			switch seg.Phase {
			case PhaseError:
				errored = true
			case PhaseInvalid:
				invalid = true
			}
		})
		if err != nil {
			return p, fmt.Errorf("progress of %s: %w", server, err)
		}
		if errored {
			p.ServersWithErrors = append(p.ServersWithErrors, server)
		}
		if invalid {
			p.ServersUnfinished = append(p.ServersUnfinished, server)
		} else {
			p.ServersFinished++
		}
	}
	return p, nil
}

func (s *Store) walkProgress(ctx context.Context, r keyrange.Range, read func(keyrange.Range) ([]Segment, error), visit func(Segment)) error {
	begin := r.Begin
	for begin < r.End {
		segs, err := read(keyrange.New(begin, r.End))
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		for _, seg := range segs {
			visit(seg)
		}
		begin = segs[len(segs)-1].Range.End
	}
	return nil
}
