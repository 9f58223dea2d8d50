package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

// handleTriggerAudit starts or cancels an audit.
//
//	POST /audit/trigger {"type":"replica","range":{"begin":"a","end":"m"}}
//	POST /audit/trigger {"type":"replica","cancel":true,"id":7}
func (s *server) handleTriggerAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.TriggerAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, fmt.Errorf("%w: %v", auditmeta.ErrInvalidRequest, err))
		return
	}
	id, err := s.dist.TriggerAudit(r.Context(), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", req.Type.String()).Str("range", req.Range.String()).
			Bool("cancel", req.Cancel).Msg("audit request failed")
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, cluster.TriggerAuditReply{ID: id})
}

// handleAuditStates returns audit records.
//
//	GET /audit/states?type=replica[&id=7][&phase=error][&limit=10]
func (s *server) handleAuditStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	t, err := typeFromQuery(q)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	req := cluster.GetAuditStatesRequest{Type: t}
	if req.ID, err = uintParam(q, "id"); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if v := q.Get("phase"); v != "" {
		if req.Phase, err = auditmeta.ParsePhase(v); err != nil {
			cluster.WriteError(w, fmt.Errorf("%w: %v", auditmeta.ErrInvalidRequest, err))
			return
		}
	}
	limit, err := uintParam(q, "limit")
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	req.Limit = int(limit)

	states, err := s.dist.GetAuditStates(r.Context(), req)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, cluster.GetAuditStatesReply{States: states})
}

// handleAuditProgress reports how far an audit got.
//
//	GET /audit/progress?type=replica&id=7
func (s *server) handleAuditProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	t, err := typeFromQuery(q)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	id, err := uintParam(q, "id")
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if id == 0 {
		cluster.WriteError(w, fmt.Errorf("%w: id is required", auditmeta.ErrInvalidRequest))
		return
	}
	p, err := s.dist.GetAuditProgress(r.Context(), t, id)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, p)
}

func typeFromQuery(q url.Values) (auditmeta.Type, error) {
	t, err := auditmeta.ParseType(q.Get("type"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", auditmeta.ErrInvalidRequest, err)
	}
	return t, nil
}

func uintParam(q url.Values, name string) (uint64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", auditmeta.ErrInvalidRequest, name, err)
	}
	return n, nil
}

// rangeFromQuery reads begin and end. A missing end means the end of the
// user key space.
func rangeFromQuery(q url.Values) (keyrange.Range, error) {
	rng := keyrange.New(q.Get("begin"), q.Get("end"))
	if !q.Has("end") {
		rng.End = keyrange.AllKeys.End
	}
	if rng.Empty() {
		return rng, fmt.Errorf("%w: empty range %s", auditmeta.ErrInvalidRequest, rng)
	}
	return rng, nil
}
