package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openfroyo/reshard/pkg/serial"
	"github.com/openfroyo/reshard/pkg/status"
	"github.com/openfroyo/reshard/pkg/stores"
	"github.com/openfroyo/reshard/pkg/telemetry"
)

// Run drives one plan through its phases. Exactly one Run exists per plan
// id inside an executor, and it is the only writer of that plan.
type Run struct {
	ex  *Executor
	id  string
	log *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// commits orders this run's writes; at most one is in flight.
	commits *serial.Queue

	mu          sync.Mutex
	plan        *Plan
	etag        string
	dispatching bool
	paused      bool
	pauseAt     string
	closed      bool
	committing  bool
	retryTimer  *time.Timer
	shard       ShardConn
	tree        *status.Tree
	updates     map[string]UpdateFunc
}

func newRun(ex *Executor, plan *Plan, etag string) *Run {
	ctx, cancel := context.WithCancel(ex.ctx)
	return &Run{
		ex:      ex,
		id:      plan.ID,
		log:     ex.log.WithPlanID(plan.ID).WithShard(plan.Shard),
		ctx:     ctx,
		cancel:  cancel,
		commits: serial.New("commit:" + plan.ID),
		plan:    plan,
		etag:    etag,
		tree:    status.NewTree(),
		updates: make(map[string]UpdateFunc),
	}
}

// ID returns the plan id.
func (r *Run) ID() string { return r.id }

// ETag returns the etag of the last acknowledged write.
func (r *Run) ETag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag
}

// Dispatch starts a dispatch cycle in the background. It does nothing while
// a cycle is already in flight, or when the plan is held, paused, completed
// or archived.
func (r *Run) Dispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.dispatching || r.paused {
		return
	}
	if !r.plan.Active || r.plan.Completed || r.plan.Hold != nil {
		return
	}

	r.dispatching = true
	r.stopRetryLocked()
	r.ex.wg.Add(1)
	go r.dispatch()
}

func (r *Run) dispatch() {
	defer r.ex.wg.Done()

	if !r.ensureShard() {
		r.endDispatch()
		r.scheduleRetry(r.ex.cfg.ShardRetryDelay)
		return
	}

	r.mu.Lock()
	if r.closed || !r.plan.Active || r.plan.Completed || r.plan.Hold != nil {
		r.dispatching = false
		r.mu.Unlock()
		return
	}

	initialized := false
	if r.plan.Phase == nil {
		first := r.ex.registry.First()
		r.plan.Phase = &first
		initialized = true
	}
	name := *r.plan.Phase

	fn, known := r.ex.registry.Lookup(name)
	if !known {
		err := NewHoldError(fmt.Sprintf("phase %q is not in this build's phase list", name), nil).
			WithCode(ErrCodeUnknownPhase).
			WithPlan(r.id).
			WithDetail("phase", name).
			WithDetail("phases", r.ex.registry.Names())
		r.plan.Hold = newHold(err, name, r.ex.now())
		r.mu.Unlock()

		r.log.WithPhase(name).Error("plan references an unknown phase, holding")
		r.ex.tel.Metrics.RecordHold(name)
		_ = r.ex.tel.Events.PublishPlanHeld(r.id, name, err.Error())
		_ = r.commit()
		r.endDispatch()
		return
	}

	if r.pauseAt == name {
		r.paused = true
		r.pauseAt = ""
	}
	paused := r.paused
	r.mu.Unlock()

	if initialized {
		if err := r.commit(); err != nil {
			r.endDispatch()
			return
		}
	}
	if paused {
		r.log.WithPhase(name).Info("plan paused before phase")
		r.endDispatch()
		return
	}

	r.invoke(name, fn)
}

// invoke runs one phase and applies its outcome.
func (r *Run) invoke(name string, fn Phase) {
	ctx, span := r.ex.tel.Tracer.StartDispatchSpan(r.ctx, r.id, name)
	defer span.End()
	timer := telemetry.NewTimer()

	r.tree.Root().Trunc()
	ctl := newControl(ctx, r, name)

	r.ex.tel.Metrics.RecordDispatch(name)
	_ = r.ex.tel.Events.PublishPhaseStarted(r.id, name)
	ctl.log.Debug("invoking phase")

	r.call(fn, ctl)
	o, paused, err := ctl.end()

	switch o {
	case outcomeFinish:
		telemetry.RecordSuccess(span)
		r.finish(name, timer.Duration())
	case outcomeRetry:
		telemetry.RecordError(span, err)
		r.retry(name, err)
	case outcomeHold:
		telemetry.RecordError(span, err)
		r.hold(name, err)
	default:
		switch {
		case paused:
			ctl.log.Info("phase stopped for pause")
			r.endDispatch()
		case r.ctx.Err() != nil:
			r.endDispatch()
		default:
			r.hold(name, NewHoldError("phase returned without calling finish, retry or hold", nil).
				WithCode(ErrCodePhaseContract).
				WithPlan(r.id))
		}
	}
}

func (r *Run) call(fn Phase, ctl *Control) {
	defer func() {
		if v := recover(); v != nil {
			ctl.forceHold(&PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	fn(ctl)
}

func (r *Run) finish(name string, d time.Duration) {
	r.mu.Lock()
	if next, ok := r.ex.registry.Next(name); ok {
		r.plan.Phase = &next
	} else {
		r.plan.Completed = true
	}
	completed := r.plan.Completed
	r.mu.Unlock()

	r.ex.tel.Metrics.RecordPhaseCompleted(name)
	_ = r.ex.tel.Events.PublishPhaseFinished(r.id, name, d)
	r.log.WithPhase(name).Infof("phase finished in %s", d.Round(time.Millisecond))

	if err := r.commit(); err != nil {
		r.endDispatch()
		return
	}

	if completed {
		r.log.Info("plan completed")
		_ = r.ex.tel.Events.PublishPlanCompleted(r.id)
		r.releaseShard()
		r.endDispatch()
		return
	}

	r.endDispatch()
	r.Dispatch()
}

func (r *Run) retry(name string, err error) {
	if err == nil {
		err = errors.New("retry requested without an error")
	}
	delay := r.ex.cfg.RetryDelay
	r.log.WithPhase(name).WithError(err).Warnf("phase failed, retrying in %s", delay)
	r.ex.tel.Metrics.RecordRetry(name)

	r.endDispatch()
	r.scheduleRetry(delay)
}

func (r *Run) hold(name string, err error) {
	if err == nil {
		err = errors.New("hold requested without an error")
	}

	r.mu.Lock()
	r.plan.Hold = newHold(err, name, r.ex.now())
	r.mu.Unlock()

	r.log.WithPhase(name).WithError(err).Error("plan held")
	r.ex.tel.Metrics.RecordHold(name)
	_ = r.ex.tel.Events.PublishPlanHeld(r.id, name, err.Error())

	_ = r.commit()
	r.endDispatch()
}

func (r *Run) endDispatch() {
	r.mu.Lock()
	r.dispatching = false
	r.mu.Unlock()
}

func (r *Run) scheduleRetry(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.stopRetryLocked()
	r.retryTimer = time.AfterFunc(d, r.Dispatch)
}

func (r *Run) stopRetryLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

// ensureShard opens the shard connection on first use.
func (r *Run) ensureShard() bool {
	if r.ex.connector == nil {
		return true
	}

	r.mu.Lock()
	have := r.shard != nil
	shard := r.plan.Shard
	r.mu.Unlock()
	if have {
		return true
	}

	conn, err := r.ex.connector.Connect(r.ctx, shard)
	if err != nil {
		r.log.WithError(err).Warnf("shard connection failed, retrying in %s", r.ex.cfg.ShardRetryDelay)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = conn.Close()
		return false
	}
	r.shard = conn
	return true
}

func (r *Run) releaseShard() {
	r.mu.Lock()
	conn := r.shard
	r.shard = nil
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.log.WithError(err).Warn("failed to close shard connection")
		}
	}
}

func (r *Run) pausePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// commit writes the in-memory plan with the last acknowledged etag as
// precondition. Store failures are retried until they succeed or the run is
// closed. A lost precondition means another writer touched the plan, which
// is reported as an invariant violation, unless it was caused by an earlier
// attempt of this commit whose acknowledgement was lost.
func (r *Run) commit() error {
	baton, err := r.commits.Acquire(r.ctx)
	if err != nil {
		return err
	}
	defer baton.Release()

	r.mu.Lock()
	r.committing = true
	r.plan.Updated = r.ex.now()
	rec, err := planToRecord(r.plan)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.committing = false
		r.mu.Unlock()
	}()

	ctx, span := r.ex.tel.Tracer.StartCommitSpan(r.ctx, r.id)
	defer span.End()
	timer := telemetry.NewTimer()

	if err != nil {
		ierr := NewInvariantError("plan cannot be encoded", err).WithPlan(r.id)
		telemetry.RecordError(span, ierr)
		r.ex.invariant(ierr)
		return ierr
	}

	unacked := false
	for attempt := 1; ; attempt++ {
		err := r.commitOnce(ctx, rec, unacked)
		if err == nil {
			r.ex.tel.Metrics.RecordCommit("ok", timer.Duration())
			telemetry.RecordSuccess(span)
			return nil
		}

		if errors.Is(err, stores.ErrPreconditionFailed) {
			ierr := NewInvariantError("plan was written outside its run", err).
				WithPlan(r.id).
				WithOperation("commit")
			r.ex.tel.Metrics.RecordCommit("conflict", timer.Duration())
			telemetry.RecordError(span, ierr)
			r.ex.invariant(ierr)
			return ierr
		}

		if ctxErr := r.ctx.Err(); ctxErr != nil {
			telemetry.RecordError(span, ctxErr)
			return ctxErr
		}

		// The write may have landed even though the call failed.
		unacked = true
		r.ex.tel.Metrics.RecordCommit("error", timer.Duration())
		delay := r.ex.cfg.CommitRetryDelay
		r.log.WithError(err).Warnf("commit attempt %d failed, retrying in %s", attempt, delay)

		select {
		case <-r.ctx.Done():
			telemetry.RecordError(span, r.ctx.Err())
			return r.ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Run) commitOnce(ctx context.Context, rec *stores.PlanRecord, unacked bool) error {
	baton, err := r.ex.storeQueue.Acquire(ctx)
	if err != nil {
		return err
	}
	defer baton.Release()

	etag := r.ETag()
	next, err := r.ex.store.PutPlan(ctx, rec, &etag)
	if errors.Is(err, stores.ErrPreconditionFailed) && unacked {
		next, err = r.landedETag(ctx, rec, err)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.etag = next
	r.mu.Unlock()
	return nil
}

// landedETag returns the stored etag when the stored document is the one
// rec carries, meaning an unacknowledged earlier write went through.
// Otherwise it returns cause.
func (r *Run) landedETag(ctx context.Context, rec *stores.PlanRecord, cause error) (string, error) {
	cur, err := r.ex.store.GetPlan(ctx, r.id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return "", cause
		}
		return "", err
	}
	same, err := sameDocument(cur.Document, rec.Document)
	if err != nil || !same {
		return "", cause
	}
	r.log.Warn("earlier commit attempt landed without acknowledgement, adopting its etag")
	return cur.ETag, nil
}

// commitState reports the last acknowledged etag and whether a commit is in
// flight.
func (r *Run) commitState() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag, r.committing
}

// Pause requests a pause. With an empty atPhase the pause takes effect at
// the running phase's next checkpoint; otherwise it takes effect when the
// plan is about to enter atPhase.
func (r *Run) Pause(atPhase string) error {
	if atPhase != "" && !r.ex.registry.Contains(atPhase) {
		return NewPermanentError(fmt.Sprintf("unknown phase %q", atPhase), nil).
			WithCode(ErrCodeValidation).
			WithPlan(r.id)
	}

	r.mu.Lock()
	if atPhase == "" {
		r.paused = true
		r.pauseAt = ""
	} else {
		r.pauseAt = atPhase
	}
	r.mu.Unlock()

	r.log.Infof("pause requested (at phase %q)", atPhase)
	_ = r.ex.tel.Events.PublishPlanPaused(r.id, atPhase)
	return nil
}

// Resume clears any pause and dispatches the plan.
func (r *Run) Resume() {
	r.mu.Lock()
	r.paused = false
	r.pauseAt = ""
	r.mu.Unlock()

	r.log.Info("plan resumed")
	_ = r.ex.tel.Events.PublishPlanResumed(r.id)
	r.Dispatch()
}

// Unhold clears the hold record and re-dispatches the held phase.
func (r *Run) Unhold() error {
	r.mu.Lock()
	if r.plan.Hold == nil {
		r.mu.Unlock()
		return NewPermanentError("plan is not held", nil).WithCode(ErrCodeConflict).WithPlan(r.id)
	}
	if r.dispatching {
		r.mu.Unlock()
		return NewPermanentError("plan is still being dispatched", nil).WithCode(ErrCodeBusy).WithPlan(r.id)
	}
	prev := r.plan.Hold
	r.plan.Hold = nil
	r.mu.Unlock()

	if err := r.commit(); err != nil {
		r.mu.Lock()
		r.plan.Hold = prev
		r.mu.Unlock()
		return err
	}

	r.log.Info("plan unheld")
	r.Dispatch()
	return nil
}

// Archive deactivates the plan. It is refused while a dispatch is in flight;
// pause the plan first.
func (r *Run) Archive() error {
	r.mu.Lock()
	if r.dispatching {
		r.mu.Unlock()
		return NewPermanentError("plan is being dispatched; pause it first", nil).
			WithCode(ErrCodeBusy).
			WithPlan(r.id)
	}
	r.plan.Active = false
	r.stopRetryLocked()
	r.mu.Unlock()

	if err := r.commit(); err != nil {
		r.mu.Lock()
		r.plan.Active = true
		r.mu.Unlock()
		return err
	}

	r.close()
	r.log.Info("plan archived")
	return nil
}

// Tune sets a tuning knob; a nil value removes it. The change is committed
// immediately.
func (r *Run) Tune(name string, value *float64) error {
	if name == "" {
		return NewPermanentError("tuning name is required", nil).WithCode(ErrCodeValidation).WithPlan(r.id)
	}

	r.mu.Lock()
	if value == nil {
		delete(r.plan.Tuning, name)
	} else {
		r.plan.Tuning[name] = *value
	}
	r.mu.Unlock()

	return r.commit()
}

// Tuning returns a copy of the plan's tuning map.
func (r *Run) Tuning() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.plan.Tuning))
	for k, v := range r.plan.Tuning {
		out[k] = v
	}
	return out
}

// Update delivers an out-of-band notification to the handler registered
// under token.
func (r *Run) Update(token string, payload json.RawMessage) error {
	r.mu.Lock()
	fn := r.updates[token]
	r.mu.Unlock()

	if fn == nil {
		return NewPermanentError("no update handler for token", nil).WithCode(ErrCodeNotFound).WithPlan(r.id)
	}
	return fn(payload)
}

// View returns the administrative view of the plan.
func (r *Run) View() *PlanView {
	r.mu.Lock()
	v := &PlanView{
		Plan:    *r.plan.Clone(),
		Held:    r.plan.Hold != nil,
		Running: r.dispatching,
		Paused:  r.paused,
		PauseAt: r.pauseAt,
	}
	if r.plan.Hold != nil {
		v.Error = r.plan.Hold.clone()
	}
	r.mu.Unlock()

	snap := r.tree.Root().Dump()
	v.Status = &snap
	return v
}

// close stops timers, cancels the run context and releases the shard
// connection. The run does nothing afterwards.
func (r *Run) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopRetryLocked()
	r.mu.Unlock()

	r.cancel()
	r.releaseShard()
}
