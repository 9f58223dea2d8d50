package distributor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/config"
)

// launchContext records why a handle was created.
type launchContext int

const (
	contextLaunch launchContext = iota
	contextResume
	contextRetry
)

func (c launchContext) String() string {
	switch c {
	case contextLaunch:
		return "launch"
	case contextResume:
		return "resume"
	case contextRetry:
		return "retry"
	}
	return "unknown"
}

// Audit is the in-memory handle of one running audit. A handle runs a
// single pass; a retry replaces it with a fresh handle that inherits the
// record and the retry count.
type Audit struct {
	State auditmeta.State

	knobs   config.AuditKnobs
	budget  *Budget
	context launchContext
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	retryCount int

	foundError     atomic.Bool
	anyChildFailed atomic.Bool
	cancelled      atomic.Bool

	// Verification calls started and answered in this pass, for logging.
	issued    atomic.Int64
	completed atomic.Int64
}

func newAudit(parent context.Context, st auditmeta.State, knobs config.AuditKnobs, lc launchContext, retryCount int, logger zerolog.Logger) *Audit {
	ctx, cancel := context.WithCancel(parent)
	return &Audit{
		State:      st,
		knobs:      knobs,
		budget:     NewBudget(knobs.ConcurrentTaskCountMax),
		context:    lc,
		ctx:        ctx,
		cancel:     cancel,
		retryCount: retryCount,
		logger: logger.With().
			Str("audit_type", st.Type.String()).
			Uint64("audit_id", st.ID).
			Str("audit_range", st.Range.String()).
			Logger(),
	}
}

// RetryCount returns how many retries the audit has used so far.
func (a *Audit) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

// retriesExhausted reports whether the retry budget is used up.
func (a *Audit) retriesExhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount >= a.knobs.RetryCountMax
}

// tryConsumeRetry takes one retry from the budget, or reports that none is
// left.
func (a *Audit) tryConsumeRetry() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retryCount >= a.knobs.RetryCountMax {
		return false
	}
	a.retryCount++
	return true
}

// stop cancels every task of the handle.
func (a *Audit) stop() {
	a.cancelled.Store(true)
	a.cancel()
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeRetry
	outcomeFatal
)

// outcome is the result of one audit pass. ok carries the terminal phase to
// persist, retry and fatal carry the cause. A retry may still become fatal
// once retries are exhausted; fatal never retries.
type outcome struct {
	kind  outcomeKind
	phase auditmeta.Phase
	err   error
}

func passOK(phase auditmeta.Phase) outcome { return outcome{kind: outcomeOK, phase: phase} }
func passRetry(err error) outcome          { return outcome{kind: outcomeRetry, err: err} }
func passFatal(err error) outcome          { return outcome{kind: outcomeFatal, err: err} }
