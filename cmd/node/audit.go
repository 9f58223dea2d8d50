package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/shard"
	"github.com/dreamware/torua-audit/internal/telemetry"
)

// handleDigest returns the digest of a range of one of the node's shards.
//
//	POST /digest {"range":{"begin":"a","end":"c"}}
func (n *Node) handleDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.DigestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, fmt.Errorf("%w: %v", auditmeta.ErrInvalidRequest, err))
		return
	}
	s := n.ShardFor(req.Range)
	if s == nil {
		http.Error(w, fmt.Sprintf("no shard on %s covers %s", n.Info.ID, req.Range), http.StatusNotFound)
		return
	}
	d, err := s.Digest(req.Range, 0)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, cluster.DigestReply{Range: d.Range, Keys: d.Keys, Digest: d.Sum})
}

// handleAudit verifies a range on behalf of the coordinator.
//
// A reply with phase complete or error covers a prefix of the requested
// range. Failing to reach a peer is an HTTP error so the coordinator
// retries.
func (n *Node) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, fmt.Errorf("%w: %v", auditmeta.ErrInvalidRequest, err))
		return
	}
	ctx, span := telemetry.StartSpan(r.Context(), "node.Audit",
		attribute.String("audit.type", req.Type.String()),
		attribute.Int64("audit.id", int64(req.AuditID)),
		attribute.String("audit.range", req.Range.String()),
	)
	defer span.End()

	log := n.logger.With().Str("audit", fmt.Sprintf("%s/%d", req.Type, req.AuditID)).
		Str("range", req.Range.String()).Str("requester", req.RequesterID).Logger()

	var (
		reply cluster.AuditReply
		err   error
	)
	switch req.Type {
	case auditmeta.TypeReplica, auditmeta.TypeHA:
		reply, err = n.auditCopies(ctx, req)
	case auditmeta.TypeLocationMetadata:
		reply, err = n.auditLocations(ctx, req)
	case auditmeta.TypeStorageServerShard:
		reply, err = n.auditServerShards(ctx, req)
	default:
		err = fmt.Errorf("%w: %s", auditmeta.ErrNotImplemented, req.Type)
	}
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Msg("audit request failed")
		cluster.WriteError(w, err)
		return
	}
	reply.AuditID = req.AuditID
	if reply.Phase == auditmeta.PhaseError {
		log.Error().Str("checked", reply.Range.String()).Str("detail", reply.Error).Msg("found inconsistent data")
	} else {
		log.Debug().Str("checked", reply.Range.String()).Msg("range verified")
	}
	cluster.WriteJSON(w, reply)
}

// auditCopies digests a prefix of the range locally and compares it with
// the digest every target holds for the same prefix.
func (n *Node) auditCopies(ctx context.Context, req cluster.AuditRequest) (cluster.AuditReply, error) {
	s := n.ShardFor(req.Range)
	if s == nil {
		return cluster.AuditReply{}, fmt.Errorf("%w: no shard on %s covers %s", shard.ErrWrongShard, n.Info.ID, req.Range)
	}
	local, err := s.Digest(req.Range, n.digestLimit)
	if err != nil {
		return cluster.AuditReply{}, err
	}

	remote := make([]cluster.DigestReply, len(req.Targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range req.Targets {
		g.Go(func() error {
			d, err := n.client.Digest(gctx, target, local.Range)
			if err != nil {
				return fmt.Errorf("digest from %s: %w", target.ID, err)
			}
			remote[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cluster.AuditReply{}, err
	}

	reply := cluster.AuditReply{Range: local.Range, Phase: auditmeta.PhaseComplete}
	for i, d := range remote {
		if d.Range != local.Range || d.Digest != local.Sum {
			reply.Phase = auditmeta.PhaseError
			reply.Error = fmt.Sprintf("%s (%d keys) differs from %s (%d keys) over %s",
				n.Info.ID, local.Keys, req.Targets[i].ID, d.Keys, local.Range)
			break
		}
	}
	return reply, nil
}

// auditLocations checks that every server the coordinator places in the
// range reports holding exactly that shard.
func (n *Node) auditLocations(ctx context.Context, req cluster.AuditRequest) (cluster.AuditReply, error) {
	locs, err := n.client.Locate(ctx, n.coord, req.Range)
	if err != nil {
		return cluster.AuditReply{}, fmt.Errorf("locate %s: %w", req.Range, err)
	}
	reply := cluster.AuditReply{Range: req.Range, Phase: auditmeta.PhaseComplete}
	held := make(map[string][]cluster.ShardRange)
	for _, loc := range locs {
		for _, server := range loc.Servers {
			shards, ok := held[server.ID]
			if !ok {
				if shards, err = n.client.Shards(ctx, server); err != nil {
					return cluster.AuditReply{}, fmt.Errorf("shards of %s: %w", server.ID, err)
				}
				held[server.ID] = shards
			}
			if !holds(shards, loc.ShardID, loc.Range) {
				reply.Phase = auditmeta.PhaseError
				reply.Error = fmt.Sprintf("%s is assigned shard %d %s but does not hold it", server.ID, loc.ShardID, loc.Range)
				return reply, nil
			}
		}
	}
	return reply, nil
}

// auditServerShards compares the shards this node holds in the range with
// the shards the coordinator assigns to it there.
func (n *Node) auditServerShards(ctx context.Context, req cluster.AuditRequest) (cluster.AuditReply, error) {
	locs, err := n.client.Locate(ctx, n.coord, req.Range)
	if err != nil {
		return cluster.AuditReply{}, fmt.Errorf("locate %s: %w", req.Range, err)
	}
	reply := cluster.AuditReply{Range: req.Range, Phase: auditmeta.PhaseComplete}

	assigned := make(map[int]keyrange.Range)
	for _, loc := range locs {
		for _, server := range loc.Servers {
			if server.ID == n.Info.ID {
				assigned[loc.ShardID] = loc.Range
			}
		}
	}
	local := make(map[int]keyrange.Range)
	for _, s := range n.ShardRanges() {
		if s.Range.Intersects(req.Range) {
			local[s.ShardID] = s.Range
		}
	}

	for id, rng := range assigned {
		if got, ok := local[id]; !ok || got != rng {
			reply.Phase = auditmeta.PhaseError
			reply.Error = fmt.Sprintf("shard %d %s is assigned to %s but not held", id, rng, n.Info.ID)
			return reply, nil
		}
	}
	for id, rng := range local {
		if _, ok := assigned[id]; !ok {
			reply.Phase = auditmeta.PhaseError
			reply.Error = fmt.Sprintf("%s holds shard %d %s without an assignment", n.Info.ID, id, rng)
			return reply, nil
		}
	}
	return reply, nil
}

func holds(shards []cluster.ShardRange, id int, rng keyrange.Range) bool {
	for _, s := range shards {
		if s.ShardID == id && s.Range == rng {
			return true
		}
	}
	return false
}
