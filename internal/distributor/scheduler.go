package distributor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/telemetry"
)

// errUnauditable marks a shard whose replicas cannot be compared, such as
// a replica audit of a single-replica shard.
var errUnauditable = errors.New("shard has no replica to compare against")

// childFailed records a failed scheduling task. Cancellation and
// cancelled audits end the pass; anything else is retried by the next pass.
func childFailed(ctx context.Context, a *Audit, err error, what string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, auditmeta.ErrAuditCancelled) {
		return err
	}
	a.logger.Info().Err(err).Msg(what + " failed")
	a.anyChildFailed.Store(true)
	return nil
}

// dispatchRange walks the progress of r and schedules every unchecked
// segment. Segments already Complete are skipped; Error segments mark the
// audit as having found an error.
func (d *Distributor) dispatchRange(ctx context.Context, g *errgroup.Group, a *Audit, r keyrange.Range) error {
	begin := r.Begin
	for begin < r.End {
		segs, err := d.store.GetRanges(ctx, a.State.Type, a.State.ID, keyrange.New(begin, r.End))
		if err != nil {
			return childFailed(ctx, a, err, "dispatch")
		}
		if len(segs) == 0 {
			return childFailed(ctx, a, fmt.Errorf("empty progress read at %q", begin), "dispatch")
		}
		for _, seg := range segs {
			switch seg.Phase {
			case auditmeta.PhaseComplete:
				continue
			case auditmeta.PhaseError:
				a.foundError.Store(true)
				continue
			}
			if a.budget.Remaining() == 0 {
				a.logger.Debug().Str("range", seg.Range.String()).Msg("task budget exhausted, waiting")
			}
			if err := a.budget.WaitAvailable(ctx); err != nil {
				return err
			}
			sub := seg.Range
			g.Go(func() error { return d.scheduleOnRange(ctx, g, a, sub) })
		}
		begin = segs[len(segs)-1].Range.End
		if err := sleep(ctx, a.knobs.DispatchDelay); err != nil {
			return err
		}
	}
	return nil
}

// scheduleOnRange splits r by current shard ownership and issues one
// verification call per unchecked segment of each shard.
func (d *Distributor) scheduleOnRange(ctx context.Context, g *errgroup.Group, a *Audit, r keyrange.Range) error {
	begin := r.Begin
	for begin < r.End {
		current := keyrange.New(begin, r.End)
		locs, err := d.topology.SourceServersForRange(ctx, current)
		if err != nil {
			return childFailed(ctx, a, err, "schedule")
		}
		if len(locs) == 0 {
			return childFailed(ctx, a, fmt.Errorf("no shard covers %s", current), "schedule")
		}
		for _, loc := range locs {
			task := loc.Range.Intersect(current)
			if task.Empty() {
				continue
			}
			if err := d.scheduleOnShard(ctx, g, a, loc, task); err != nil {
				return childFailed(ctx, a, err, "schedule")
			}
			if err := sleep(ctx, a.knobs.DispatchDelay); err != nil {
				return err
			}
		}
		next := min(locs[len(locs)-1].Range.End, r.End)
		if next <= begin {
			return childFailed(ctx, a, fmt.Errorf("shard map made no progress at %q", begin), "schedule")
		}
		begin = next
	}
	return nil
}

func (d *Distributor) scheduleOnShard(ctx context.Context, g *errgroup.Group, a *Audit, loc cluster.ShardLocation, task keyrange.Range) error {
	begin := task.Begin
	for begin < task.End {
		segs, err := d.store.GetRanges(ctx, a.State.Type, a.State.ID, keyrange.New(begin, task.End))
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return fmt.Errorf("empty progress read at %q", begin)
		}
		for _, seg := range segs {
			switch seg.Phase {
			case auditmeta.PhaseComplete:
				continue
			case auditmeta.PhaseError:
				a.foundError.Store(true)
				continue
			}

			subject, targets, err := selectServers(a.State.Type, loc)
			if errors.Is(err, errUnauditable) {
				a.logger.Info().Int("shard_id", loc.ShardID).Str("range", seg.Range.String()).
					Msg("single replica, nothing to compare")
				if err := d.persistProgress(ctx, a, "", seg.Range, auditmeta.PhaseComplete); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			release, err := a.budget.Acquire(ctx)
			if err != nil {
				return err
			}
			req := cluster.AuditRequest{
				AuditID:     a.State.ID,
				Type:        a.State.Type,
				Range:       seg.Range,
				Targets:     targets,
				RequesterID: d.ownerID,
			}
			a.issued.Add(1)
			g.Go(func() error { return d.doAudit(ctx, g, a, subject, req, release) })
		}
		begin = segs[len(segs)-1].Range.End
	}
	return nil
}

// selectServers picks the node that runs the check for a shard and the
// nodes it compares against. Replica audits compare every replica in the
// primary region, HA audits one replica per region, and location metadata
// audits need a single replica.
func selectServers(t auditmeta.Type, loc cluster.ShardLocation) (cluster.NodeInfo, []cluster.NodeInfo, error) {
	regions := groupByRegion(loc)
	if len(regions) == 0 || len(regions[0]) == 0 {
		return cluster.NodeInfo{}, nil, fmt.Errorf("shard %d has no servers in the primary region", loc.ShardID)
	}
	primary := regions[0]

	switch t {
	case auditmeta.TypeHA:
		if len(regions) < 2 {
			return cluster.NodeInfo{}, nil, errUnauditable
		}
		subject := pick(primary)
		targets := make([]cluster.NodeInfo, 0, len(regions)-1)
		for _, remote := range regions[1:] {
			targets = append(targets, remote[pick(remote)])
		}
		return primary[subject], targets, nil

	case auditmeta.TypeReplica:
		if len(primary) < 2 {
			return cluster.NodeInfo{}, nil, errUnauditable
		}
		subject := pick(primary)
		targets := make([]cluster.NodeInfo, 0, len(primary)-1)
		for i, n := range primary {
			if i != subject {
				targets = append(targets, n)
			}
		}
		return primary[subject], targets, nil

	case auditmeta.TypeLocationMetadata:
		return primary[pick(primary)], nil, nil
	}
	return cluster.NodeInfo{}, nil, fmt.Errorf("%w: %s is not audited per range", auditmeta.ErrNotImplemented, t)
}

// groupByRegion returns the servers of loc grouped by region, primary
// region first and the rest by name.
func groupByRegion(loc cluster.ShardLocation) [][]cluster.NodeInfo {
	byRegion := make(map[string][]cluster.NodeInfo)
	for _, n := range loc.Servers {
		byRegion[n.Region] = append(byRegion[n.Region], n)
	}
	var remote []string
	for region := range byRegion {
		if region != loc.PrimaryRegion {
			remote = append(remote, region)
		}
	}
	sort.Strings(remote)

	out := [][]cluster.NodeInfo{byRegion[loc.PrimaryRegion]}
	for _, region := range remote {
		out = append(out, byRegion[region])
	}
	return out
}

// pick returns a random index into nodes, preferring nodes not known to
// be unhealthy.
func pick(nodes []cluster.NodeInfo) int {
	var healthy []int
	for i, n := range nodes {
		if n.Status != cluster.NodeStatusUnhealthy {
			healthy = append(healthy, i)
		}
	}
	if len(healthy) == 0 {
		return rand.IntN(len(nodes))
	}
	return healthy[rand.IntN(len(healthy))]
}

// doAudit runs one verification call and records its result. release
// returns the budget unit taken for the call.
func (d *Distributor) doAudit(ctx context.Context, g *errgroup.Group, a *Audit, node cluster.NodeInfo, req cluster.AuditRequest, release func()) error {
	defer release()

	ctx, span := telemetry.StartSpan(ctx, "distributor.doAudit",
		attribute.String("audit.type", req.Type.String()),
		attribute.Int64("audit.id", int64(req.AuditID)),
		attribute.String("node.id", node.ID),
	)
	defer span.End()

	reply, err := d.verify(ctx, a, node, req)
	if err == nil {
		a.completed.Add(1)
		return d.recordReply(ctx, g, a, node, req, reply)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.RecordError(err)
	a.logger.Info().Err(err).
		Str("server_id", node.ID).
		Str("range", req.Range.String()).
		Int("retry_count", a.RetryCount()).
		Msg("audit task failed")

	if req.Type == auditmeta.TypeStorageServerShard {
		return err
	}
	switch {
	case errors.Is(err, auditmeta.ErrNotImplemented),
		errors.Is(err, auditmeta.ErrTooManyRequests),
		errors.Is(err, auditmeta.ErrAuditCancelled):
		return err
	case errors.Is(err, auditmeta.ErrAuditStorageError):
		a.foundError.Store(true)
		return d.persistProgress(ctx, a, "", req.Range, auditmeta.PhaseError)
	case !a.tryConsumeRetry():
		return fmt.Errorf("%w: %v", auditmeta.ErrAuditStorageFailed, err)
	}
	g.Go(func() error { return d.scheduleOnRange(ctx, g, a, req.Range) })
	return nil
}

// verify calls node and checks that the reply describes a non-empty prefix
// of the requested range.
func (d *Distributor) verify(ctx context.Context, a *Audit, node cluster.NodeInfo, req cluster.AuditRequest) (cluster.AuditReply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.knobs.VerifyTimeout)
	defer cancel()

	reply, err := d.verifier.Audit(ctx, node, req)
	if err != nil {
		return cluster.AuditReply{}, err
	}
	switch {
	case reply.Range.Empty():
		return cluster.AuditReply{}, fmt.Errorf("node %s made no progress on %s", node.ID, req.Range)
	case reply.Range.Begin != req.Range.Begin || !req.Range.Contains(reply.Range):
		return cluster.AuditReply{}, fmt.Errorf("node %s replied for %s, asked %s", node.ID, reply.Range, req.Range)
	case reply.Phase != auditmeta.PhaseComplete && reply.Phase != auditmeta.PhaseError:
		return cluster.AuditReply{}, fmt.Errorf("node %s replied with phase %s", node.ID, reply.Phase)
	}
	return reply, nil
}

// recordReply persists the checked prefix. For range audits the unchecked
// remainder is scheduled again; per-server walks re-read their progress.
func (d *Distributor) recordReply(ctx context.Context, g *errgroup.Group, a *Audit, node cluster.NodeInfo, req cluster.AuditRequest, reply cluster.AuditReply) error {
	serverID := ""
	if req.Type == auditmeta.TypeStorageServerShard {
		serverID = node.ID
	}
	if err := d.persistProgress(ctx, a, serverID, reply.Range, reply.Phase); err != nil {
		return err
	}
	if reply.Phase == auditmeta.PhaseError {
		a.logger.Warn().Str("server_id", node.ID).Str("range", reply.Range.String()).Str("detail", reply.Error).
			Msg("audit found an inconsistency")
		a.foundError.Store(true)
	}
	if g != nil && reply.Range.End < req.Range.End {
		rest := keyrange.New(reply.Range.End, req.Range.End)
		g.Go(func() error { return d.scheduleOnRange(ctx, g, a, rest) })
	}
	return nil
}

// persistProgress writes phase over r, into serverID's namespace when it
// is set.
func (d *Distributor) persistProgress(ctx context.Context, a *Audit, serverID string, r keyrange.Range, phase auditmeta.Phase) error {
	st := a.State
	st.Range = r
	st.Phase = phase
	if serverID != "" {
		return d.store.PersistServerProgress(ctx, serverID, st)
	}
	return d.store.PersistRangeProgress(ctx, st)
}

// dispatchServers starts a progress walk on every storage node except
// test replicas.
func (d *Distributor) dispatchServers(ctx context.Context, g *errgroup.Group, a *Audit) error {
	servers, err := d.topology.StorageServers(ctx)
	if err != nil {
		return childFailed(ctx, a, err, "dispatch servers")
	}
	for _, node := range servers {
		if node.TestReplica {
			continue
		}
		if err := a.budget.WaitAvailable(ctx); err != nil {
			return err
		}
		g.Go(func() error { return d.scheduleOnServer(ctx, g, a, node) })
		if err := sleep(ctx, a.knobs.DispatchDelay); err != nil {
			return err
		}
	}
	return nil
}

// scheduleOnServer walks node's progress to the end of the key space and
// retries the walk on failure.
func (d *Distributor) scheduleOnServer(ctx context.Context, g *errgroup.Group, a *Audit, node cluster.NodeInfo) error {
	err := d.walkServer(ctx, a, node)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log := a.logger.With().Str("server_id", node.ID).Logger()

	switch {
	case errors.Is(err, auditmeta.ErrNotImplemented), errors.Is(err, auditmeta.ErrAuditCancelled):
		return err
	case errors.Is(err, auditmeta.ErrAuditStorageError):
		a.foundError.Store(true)
		return nil
	case a.retriesExhausted():
		return fmt.Errorf("%w: %v", auditmeta.ErrAuditStorageFailed, err)
	}

	if !errors.Is(err, auditmeta.ErrAuditStorageFailed) {
		removed, rerr := d.topology.ServerRemoved(ctx, node.ID)
		if rerr == nil && removed {
			log.Info().Msg("storage server removed, ending its walk")
			return nil
		}
	}
	if !a.tryConsumeRetry() {
		return fmt.Errorf("%w: %v", auditmeta.ErrAuditStorageFailed, err)
	}
	log.Info().Err(err).Int("retry_count", a.RetryCount()).Msg("retrying storage server walk")
	g.Go(func() error { return d.scheduleOnServer(ctx, g, a, node) })
	return nil
}

// walkServer issues one verification call at a time for the first
// unchecked run of node's progress, re-reading progress after each call.
func (d *Distributor) walkServer(ctx context.Context, a *Audit, node cluster.NodeInfo) error {
	begin := keyrange.AllKeys.Begin
	for begin < keyrange.AllKeys.End {
		segs, err := d.store.GetServerRanges(ctx, a.State.Type, a.State.ID, node.ID,
			keyrange.New(begin, keyrange.AllKeys.End))
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return fmt.Errorf("empty progress read at %q", begin)
		}
		next := segs[len(segs)-1].Range.End
		for _, seg := range segs {
			switch seg.Phase {
			case auditmeta.PhaseComplete:
				continue
			case auditmeta.PhaseError:
				a.foundError.Store(true)
				continue
			}
			release, err := a.budget.Acquire(ctx)
			if err != nil {
				return err
			}
			req := cluster.AuditRequest{
				AuditID:     a.State.ID,
				Type:        a.State.Type,
				Range:       seg.Range,
				RequesterID: d.ownerID,
			}
			a.issued.Add(1)
			if err := d.doAudit(ctx, nil, a, node, req, release); err != nil {
				return err
			}
			next = seg.Range.Begin
			break
		}
		begin = next
		if err := sleep(ctx, a.knobs.DispatchDelay); err != nil {
			return err
		}
	}
	return nil
}
