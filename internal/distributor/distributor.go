package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/config"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Topology answers where data lives. The coordinator's shard registry
// implements it.
type Topology interface {
	// SourceServersForRange returns the shards intersecting r in key
	// order, each with the servers that hold it.
	SourceServersForRange(ctx context.Context, r keyrange.Range) ([]cluster.ShardLocation, error)

	// StorageServers lists every registered storage node.
	StorageServers(ctx context.Context) ([]cluster.NodeInfo, error)

	// ServerRemoved reports whether node id has left the cluster.
	ServerRemoved(ctx context.Context, id string) (bool, error)
}

// Verifier asks a storage node to check one range.
type Verifier interface {
	Audit(ctx context.Context, node cluster.NodeInfo, req cluster.AuditRequest) (cluster.AuditReply, error)
}

// Distributor schedules and drives audits on behalf of one coordinator.
// Only one Distributor may own audit metadata at a time; the metadata lock
// taken in Start fences out any predecessor.
type Distributor struct {
	store    *auditmeta.Store
	topology Topology
	verifier Verifier
	registry *Registry

	ownerID string
	lock    auditmeta.LockToken

	knobsMu sync.RWMutex
	knobs   config.AuditKnobs

	launchMu   sync.Mutex
	typeLocks  map[auditmeta.Type]*sync.Mutex
	initOnce   sync.Once
	initialize chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// runMu orders wg.Add against Stop: once stopped is set no goroutine
	// is added, so Stop's Wait cannot race an Add.
	runMu   sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// New creates a distributor that keeps audit records in store, finds data
// through topology and checks ranges with verifier. It does nothing until
// Start is called.
//
// Parameters:
//   - store: audit metadata, usually backed by SQLite on the coordinator
//   - topology: shard locations and the storage server list
//   - verifier: the remote verification call
//   - knobs: initial audit settings; see SetKnobs for later changes
//
// Example:
//
//	d := distributor.New(auditmeta.NewStore(db), registry, client, cfg.Audit)
//	if err := d.Start(ctx); err != nil {
//	    return err
//	}
//	defer d.Stop()
func New(store *auditmeta.Store, topology Topology, verifier Verifier, knobs config.AuditKnobs) *Distributor {
	return &Distributor{
		store:      store,
		topology:   topology,
		verifier:   verifier,
		registry:   NewRegistry(),
		ownerID:    uuid.NewString(),
		knobs:      knobs,
		typeLocks:  make(map[auditmeta.Type]*sync.Mutex),
		initialize: make(chan struct{}),
		logger:     zerolog.Nop(),
	}
}

// SetLogger sets the logger for the distributor.
func (d *Distributor) SetLogger(logger zerolog.Logger) {
	d.logger = logger.With().Str("component", "distributor").Logger()
}

// SetKnobs replaces the audit settings. Running passes keep the settings
// they started with.
func (d *Distributor) SetKnobs(knobs config.AuditKnobs) {
	d.knobsMu.Lock()
	d.knobs = knobs
	d.knobsMu.Unlock()
	d.configureStore(knobs)
	d.logger.Info().Msg("audit knobs updated")
}

// Knobs returns the audit settings new audits and passes start with.
func (d *Distributor) Knobs() config.AuditKnobs {
	d.knobsMu.RLock()
	defer d.knobsMu.RUnlock()
	return d.knobs
}

func (d *Distributor) configureStore(k config.AuditKnobs) {
	d.store.SetCheckCompleteRetry(k.CheckCompleteRetries, k.CheckCompleteInterval)
	d.store.SetPageSize(k.RangeReadLimit)
	d.store.SetInitRetries(k.InitMetadataRetries)
}

// OwnerID identifies this distributor in audit records.
func (d *Distributor) OwnerID() string {
	return d.ownerID
}

// Registry exposes the live audit handles.
func (d *Distributor) Registry() *Registry {
	return d.registry
}

// Start takes the metadata lock, prepares audit metadata and resumes every
// audit left Running by a previous owner. Launch blocks until Start has
// finished.
func (d *Distributor) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	knobs := d.Knobs()
	d.configureStore(knobs)

	lock, err := auditmeta.TakeLock(ctx, d.store.DB(), d.ownerID)
	if err != nil {
		return fmt.Errorf("take metadata lock: %w", err)
	}
	d.lock = lock

	running, err := d.store.InitAuditMetadata(ctx, lock, d.ownerID, knobs.PersistFinishAuditKeep)
	if err != nil {
		return fmt.Errorf("init audit metadata: %w", err)
	}

	for _, st := range running {
		if _, ok := d.registry.Get(st.Type, st.ID); ok {
			continue
		}
		a := newAudit(d.ctx, st, knobs, contextResume, 0, d.logger)
		if err := d.registry.Add(a); err != nil {
			d.logger.Warn().Err(err).Str("audit", st.String()).Msg("cannot resume audit")
			continue
		}
		d.logger.Info().Str("audit", st.String()).Msg("resuming audit")
		d.run(a)
	}

	d.initOnce.Do(func() { close(d.initialize) })
	d.logger.Info().Str("owner_id", d.ownerID).Int("resumed", len(running)).Msg("distributor started")
	return nil
}

// Stop cancels every running audit and waits for their tasks to exit.
// Audit records are left as they are, to be resumed by the next owner.
// Launch fails with errStopped afterwards.
func (d *Distributor) Stop() {
	d.runMu.Lock()
	d.stopped = true
	d.runMu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// errStopped is returned by Launch once Stop has been called.
var errStopped = errors.New("distributor stopped")

// spawn runs fn in a goroutine tracked by Stop. It reports false, without
// running fn, once Stop has been called.
func (d *Distributor) spawn(fn func()) bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stopped {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

// run starts a pass of a. A handle that cannot start is dropped from the
// registry; its record stays Running for the next owner to resume.
func (d *Distributor) run(a *Audit) bool {
	if d.spawn(func() { d.auditCore(a) }) {
		return true
	}
	a.cancel()
	d.registry.Remove(a)
	return false
}

// auditCore runs one pass of a and acts on its outcome.
func (d *Distributor) auditCore(a *Audit) {
	a.logger.Info().Str("context", a.context.String()).
		Int("retry_count", a.RetryCount()).
		Int("task_budget", a.budget.Max()).
		Msg("audit pass started")

	out := d.pass(a)
	if out.kind == outcomeOK {
		st := a.State
		st.Phase = out.phase
		err := d.store.PersistAuditState(a.ctx, st, d.lock)
		if err == nil {
			a.logger.Info().Str("phase", out.phase.String()).
				Int("retry_count", a.RetryCount()).
				Int64("tasks_issued", a.issued.Load()).
				Int64("tasks_completed", a.completed.Load()).
				Msg("audit finished")
			d.registry.Remove(a)
			return
		}
		out = passRetry(err)
	}
	d.handleFailure(a, out)
}

func (d *Distributor) handleFailure(a *Audit, out outcome) {
	err := out.err
	switch {
	case errors.Is(err, auditmeta.ErrLockConflict):
		a.logger.Warn().Err(err).Msg("lost metadata lock, abandoning audit")
		d.registry.Remove(a)
		return
	case errors.Is(err, auditmeta.ErrAuditCancelled), a.cancelled.Load(), a.ctx.Err() != nil:
		a.logger.Info().Err(err).Msg("audit stopped")
		d.registry.Remove(a)
		return
	}

	if out.kind == outcomeRetry && !errors.Is(err, auditmeta.ErrNotImplemented) && a.tryConsumeRetry() {
		a.logger.Info().Err(err).Int("retry_count", a.RetryCount()).Msg("retrying audit")
		a.cancel()
		if sleep(d.ctx, a.knobs.RetryDelay) != nil || a.cancelled.Load() {
			d.registry.Remove(a)
			return
		}
		d.retry(a)
		return
	}

	st := a.State
	st.Phase = auditmeta.PhaseFailed
	if err != nil {
		st.Error = err.Error()
	}
	if perr := d.store.PersistAuditState(d.ctx, st, d.lock); perr != nil {
		a.logger.Error().Err(perr).AnErr("cause", err).Bool("zombie", true).
			Msg("audit failed and its record could not be updated")
	} else {
		a.logger.Warn().Err(err).Msg("audit failed")
	}
	d.registry.Remove(a)
}

// retry replaces a with a fresh handle and runs it. The swap happens under
// the type lock so a concurrent Cancel either stops a, which is seen here,
// or finds and stops the new handle.
func (d *Distributor) retry(a *Audit) {
	mu := d.typeLock(a.State.Type)
	mu.Lock()
	defer mu.Unlock()

	if a.cancelled.Load() || !d.registry.Remove(a) {
		return
	}
	next := newAudit(d.ctx, a.State, d.Knobs(), contextRetry, a.RetryCount(), d.logger)
	if err := d.registry.Add(next); err != nil {
		a.logger.Warn().Err(err).Msg("cannot re-register audit for retry")
		return
	}
	d.run(next)
}

// pass runs every task of one pass over a and decides its outcome.
func (d *Distributor) pass(a *Audit) outcome {
	g, ctx := errgroup.WithContext(a.ctx)
	if a.State.Type.RangeBased() {
		g.Go(func() error { return d.dispatchRange(ctx, g, a, a.State.Range) })
	} else {
		g.Go(func() error { return d.dispatchServers(ctx, g, a) })
	}

	if err := g.Wait(); err != nil {
		return passRetry(err)
	}
	if a.foundError.Load() {
		return passOK(auditmeta.PhaseError)
	}
	if a.anyChildFailed.Load() {
		return passRetry(errors.New("audit tasks failed"))
	}

	if a.State.Type.RangeBased() {
		done, err := d.store.CheckComplete(a.ctx, a.State.Type, a.State.ID, a.State.Range)
		switch {
		case err != nil && a.knobs.CheckCompleteExhausted == config.ExhaustedRetry:
			return passRetry(err)
		case err != nil:
			return passFatal(err)
		case !done:
			return passRetry(errors.New("audit range not fully checked"))
		}
	}
	return passOK(auditmeta.PhaseComplete)
}

func (d *Distributor) typeLock(t auditmeta.Type) *sync.Mutex {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()
	mu, ok := d.typeLocks[t]
	if !ok {
		mu = &sync.Mutex{}
		d.typeLocks[t] = mu
	}
	return mu
}

// Launch starts an audit of type t over r and returns its id. A running
// audit of the same type that already covers r is reused; one that
// overlaps r without covering it is rejected with ErrTooManyRequests.
func (d *Distributor) Launch(ctx context.Context, t auditmeta.Type, r keyrange.Range) (uint64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %s", auditmeta.ErrNotImplemented, t)
	}
	if !t.RangeBased() {
		r = keyrange.AllKeys
	}
	if r.Empty() {
		return 0, fmt.Errorf("%w: empty range %s", auditmeta.ErrInvalidRequest, r)
	}

	select {
	case <-d.initialize:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	mu := d.typeLock(t)
	mu.Lock()
	defer mu.Unlock()

	// One audit per type: a request inside the running audit joins it,
	// anything else waits for it to finish.
	for _, live := range d.registry.OfType(t) {
		if live.State.Range.Contains(r) {
			d.logger.Info().Str("audit", live.State.String()).Str("range", r.String()).Msg("audit already running")
			return live.State.ID, nil
		}
	}
	if live := d.registry.OfType(t); len(live) > 0 {
		return 0, fmt.Errorf("%w: %s audit %d is running", auditmeta.ErrTooManyRequests, t, live[0].State.ID)
	}

	st := auditmeta.State{
		Type:       t,
		Range:      r,
		Phase:      auditmeta.PhaseRunning,
		OwnerID:    d.ownerID,
		Generation: uuid.NewString(),
	}
	id, err := d.store.PersistNewAuditState(ctx, st, d.lock)
	if err != nil {
		return 0, err
	}
	st.ID = id

	knobs := d.Knobs()
	if !d.spawn(func() { d.store.ClearAuditMetadataForType(d.ctx, t, id, knobs.PersistFinishAuditKeep) }) {
		return 0, errStopped
	}

	if _, ok := d.registry.Get(t, id); ok {
		return id, nil
	}
	a := newAudit(d.ctx, st, knobs, contextLaunch, 0, d.logger)
	if err := d.registry.Add(a); err != nil {
		return 0, fmt.Errorf("%w: %v", auditmeta.ErrTooManyRequests, err)
	}
	if !d.run(a) {
		return 0, errStopped
	}
	return id, nil
}

// TriggerAudit handles a client request: it launches an audit, retrying
// transient failures, or cancels one.
func (d *Distributor) TriggerAudit(ctx context.Context, req cluster.TriggerAuditRequest) (uint64, error) {
	if req.Cancel {
		if req.ID == 0 {
			return 0, fmt.Errorf("%w: cancel needs an audit id", auditmeta.ErrInvalidRequest)
		}
		if err := d.Cancel(ctx, req.Type, req.ID); err != nil {
			return 0, err
		}
		return req.ID, nil
	}

	for attempt := 1; ; attempt++ {
		id, err := d.Launch(ctx, req.Type, req.Range)
		if err == nil {
			return id, nil
		}
		switch {
		case errors.Is(err, auditmeta.ErrTooManyRequests),
			errors.Is(err, auditmeta.ErrNotImplemented),
			errors.Is(err, auditmeta.ErrInvalidRequest),
			errors.Is(err, auditmeta.ErrLockConflict),
			errors.Is(err, errStopped):
			return 0, err
		case ctx.Err() != nil:
			return 0, ctx.Err()
		case errors.Is(err, auditmeta.ErrPersistAudit), attempt >= d.Knobs().LaunchRetryMax:
			return 0, fmt.Errorf("%w: %v", auditmeta.ErrAuditStorageFailed, err)
		}
		d.logger.Info().Err(err).Int("attempt", attempt).Msg("retrying audit launch")
		if err := sleep(ctx, d.Knobs().RetryDelay); err != nil {
			return 0, err
		}
	}
}

// Cancel marks audit id Failed and stops its tasks. Cancelling an audit
// that is absent or already finished succeeds.
func (d *Distributor) Cancel(ctx context.Context, t auditmeta.Type, id uint64) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %s", auditmeta.ErrNotImplemented, t)
	}
	mu := d.typeLock(t)
	mu.Lock()
	defer mu.Unlock()

	if err := d.store.CancelAuditMetadata(ctx, t, id); err != nil {
		return err
	}
	if a, ok := d.registry.RemoveID(t, id); ok {
		a.stop()
	}
	return nil
}

// GetAuditStates returns the record selected by req.ID, or the newest
// records of req.Type filtered by phase and limit.
func (d *Distributor) GetAuditStates(ctx context.Context, req cluster.GetAuditStatesRequest) ([]auditmeta.State, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", auditmeta.ErrNotImplemented, req.Type)
	}
	if req.ID != 0 {
		st, err := d.store.GetAuditState(ctx, req.Type, req.ID)
		if err != nil {
			return nil, err
		}
		return []auditmeta.State{st}, nil
	}
	return d.store.GetAuditStates(ctx, req.Type, auditmeta.StatesQuery{
		NewestFirst: true,
		Limit:       req.Limit,
		Phase:       req.Phase,
	})
}

// GetAuditProgress reports how far audit id got.
func (d *Distributor) GetAuditProgress(ctx context.Context, t auditmeta.Type, id uint64) (auditmeta.Progress, error) {
	if !t.Valid() {
		return auditmeta.Progress{}, fmt.Errorf("%w: %s", auditmeta.ErrNotImplemented, t)
	}
	var servers []string
	if !t.RangeBased() {
		nodes, err := d.topology.StorageServers(ctx)
		if err != nil {
			return auditmeta.Progress{}, err
		}
		for _, n := range nodes {
			if !n.TestReplica {
				servers = append(servers, n.ID)
			}
		}
	}
	return d.store.GetAuditProgress(ctx, t, id, servers)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
