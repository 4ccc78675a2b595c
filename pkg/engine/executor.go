package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/reshard/pkg/serial"
	"github.com/openfroyo/reshard/pkg/stores"
	"github.com/openfroyo/reshard/pkg/telemetry"
)

// Config holds executor timing.
type Config struct {
	// ReconcileInterval is the period of the reconciliation loop.
	ReconcileInterval time.Duration

	// RetryDelay is the wait before re-dispatching after ctl.Retry.
	RetryDelay time.Duration

	// CommitRetryDelay is the wait between failed commit attempts.
	CommitRetryDelay time.Duration

	// ShardRetryDelay is the wait between failed shard connection attempts.
	ShardRetryDelay time.Duration
}

// DefaultConfig returns the standard executor timing.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Second,
		RetryDelay:        5 * time.Second,
		CommitRetryDelay:  5 * time.Second,
		ShardRetryDelay:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.CommitRetryDelay <= 0 {
		c.CommitRetryDelay = def.CommitRetryDelay
	}
	if c.ShardRetryDelay <= 0 {
		c.ShardRetryDelay = def.ShardRetryDelay
	}
	return c
}

// Options are the collaborators of an Executor. Store and Registry are
// required; the rest are optional.
type Options struct {
	Store      stores.Store
	Registry   *Registry
	Connector  ShardConnector
	Partitions PartitionMap
	Admission  Admission
	Telemetry  *telemetry.Telemetry
	Config     Config

	// OnInvariant is called after an invariant violation has been logged.
	// The default exits the process.
	OnInvariant func(error)
}

// Executor owns every plan run and keeps the set consistent with the store.
type Executor struct {
	cfg        Config
	store      stores.Store
	registry   *Registry
	connector  ShardConnector
	partitions PartitionMap
	admission  Admission
	tel        *telemetry.Telemetry
	log        *telemetry.Logger
	validate   *validator.Validate

	// createQueue serializes plan creation; storeQueue serializes
	// reconciliation against plan commits.
	createQueue *serial.Queue
	storeQueue  *serial.Queue

	onInvariant func(error)
	now         func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}

	mu      sync.Mutex
	runs    map[string]*Run
	started bool
	stopped bool
}

// NewExecutor creates an executor. Call Start to begin reconciliation.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("phase registry is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:         opts.Config.withDefaults(),
		store:       opts.Store,
		registry:    opts.Registry,
		connector:   opts.Connector,
		partitions:  opts.Partitions,
		admission:   opts.Admission,
		tel:         tel,
		log:         tel.Logger.NewComponentLogger("executor"),
		validate:    v,
		createQueue: serial.New("create"),
		storeQueue:  serial.New("store"),
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]*Run),
	}

	e.onInvariant = opts.OnInvariant
	if e.onInvariant == nil {
		e.onInvariant = func(err error) {
			e.log.WithError(err).Fatal("aborting on invariant violation")
		}
	}

	return e, nil
}

// Phases returns the ordered phase list.
func (e *Executor) Phases() []string {
	return e.registry.Names()
}

// Start launches the reconciliation loop.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("executor already started")
	}
	if e.stopped {
		return fmt.Errorf("executor stopped")
	}
	e.started = true
	e.loopDone = make(chan struct{})

	go e.loop()
	e.log.Infof("executor started (reconcile every %s)", e.cfg.ReconcileInterval)
	return nil
}

// loop reconciles immediately and then on every tick. Passes never overlap.
func (e *Executor) loop() {
	defer close(e.loopDone)

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		if err := e.Reconcile(e.ctx); err != nil && e.ctx.Err() == nil {
			e.log.WithError(err).Warn("reconciliation failed")
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends reconciliation, closes every run and waits for in-flight
// dispatches to return.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	loopDone := e.loopDone
	e.mu.Unlock()

	e.cancel()
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, r := range runs {
		r.close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for dispatches: %w", ctx.Err())
	}
}

// Reconcile loads all active plans and starts a run for each plan that does
// not have one. For plans that do, the run's etag must match the store.
func (e *Executor) Reconcile(ctx context.Context) error {
	ctx, span := e.tel.Tracer.StartSpan(ctx, "executor.reconcile")
	defer span.End()

	baton, err := e.storeQueue.Acquire(ctx)
	if err != nil {
		return err
	}

	recs, err := e.store.ListPlans(ctx, stores.PlanFilter{Active: stores.Bool(true)})
	if err != nil {
		baton.Release()
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to load active plans: %w", err)
	}

	var started []*Run
	for _, rec := range recs {
		if run := e.lookup(rec.ID); run != nil {
			// A commit retrying after a failed write may already have
			// landed; it settles the etag itself.
			if etag, committing := run.commitState(); !committing && etag != rec.ETag {
				e.invariant(NewInvariantError(
					fmt.Sprintf("in-memory etag %s does not match stored etag %s", etag, rec.ETag), nil).
					WithPlan(rec.ID).
					WithOperation("reconcile"))
			}
			continue
		}

		plan, err := planFromRecord(rec)
		if err != nil {
			e.log.WithPlanID(rec.ID).WithError(err).Error("skipping plan that cannot be decoded")
			continue
		}
		if run, ok := e.addRun(plan, rec.ETag); ok {
			started = append(started, run)
		}
	}
	baton.Release()

	for _, run := range started {
		run.log.Info("plan run started")
		run.Dispatch()
	}

	e.tel.Metrics.SetPlansRunning(e.runCount())
	telemetry.RecordSuccess(span)
	return nil
}

// CreatePlan validates opts and inserts a new plan for the shard. Creation
// is serialized so that two requests for the same shard cannot both pass the
// conflict check.
func (e *Executor) CreatePlan(ctx context.Context, opts CreateOptions) (*Plan, error) {
	if err := e.validate.Struct(opts); err != nil {
		return nil, validationError(err)
	}

	baton, err := e.createQueue.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer baton.Release()

	active, err := e.store.ListPlans(ctx, stores.PlanFilter{Active: stores.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("failed to load active plans: %w", err)
	}

	if e.admission != nil {
		req := AdmissionRequest{
			Shard:       opts.Shard,
			SplitCount:  opts.SplitCount,
			ServerList:  opts.ServerList,
			ActivePlans: len(active),
		}
		if err := e.admission.Admit(ctx, req); err != nil {
			return nil, NewPermanentError("plan rejected by admission policy", err).
				WithCode(ErrCodePolicyDenied).
				WithDetail("shard", opts.Shard)
		}
	}

	if e.partitions != nil {
		ok, err := e.partitions.ShardExists(ctx, opts.Shard)
		if err != nil {
			return nil, fmt.Errorf("failed to consult partition map: %w", err)
		}
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("shard %s is not in the partition map", opts.Shard), nil).
				WithCode(ErrCodeNotEligible).
				WithDetail("shard", opts.Shard)
		}
	}

	conflicting, err := e.store.ListPlans(ctx, stores.PlanFilter{
		Active: stores.Bool(true),
		Shard:  stores.String(opts.Shard),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load plans for shard %s: %w", opts.Shard, err)
	}
	if len(conflicting) > 0 {
		cerr := &ConflictError{Shard: opts.Shard}
		for _, rec := range conflicting {
			p, err := planFromRecord(rec)
			if err != nil {
				p = &Plan{ID: rec.ID, Shard: rec.Shard, Active: rec.Active, Completed: rec.Completed}
			}
			cerr.Plans = append(cerr.Plans, p)
		}
		return nil, cerr
	}

	now := e.now()
	plan := &Plan{
		ID:         uuid.New().String(),
		Shard:      opts.Shard,
		SplitCount: opts.SplitCount,
		ServerList: append([]string(nil), opts.ServerList...),
		Active:     true,
		Props:      make(map[string]interface{}),
		Tuning:     make(map[string]float64),
		Created:    now,
		Updated:    now,
	}

	rec, err := planToRecord(plan)
	if err != nil {
		return nil, err
	}

	sb, err := e.storeQueue.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	etag, err := e.store.PutPlan(ctx, rec, nil)
	sb.Release()
	if err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}

	e.log.WithPlanID(plan.ID).WithShard(plan.Shard).Info("plan created")
	e.tel.Metrics.RecordPlanCreated()
	_ = e.tel.Events.PublishPlanCreated(plan.ID, plan.Shard)

	// A running executor picks the plan up now rather than on the next tick.
	if e.isStarted() {
		if run, ok := e.addRun(plan.Clone(), etag); ok {
			run.Dispatch()
		}
	}

	return plan, nil
}

// Pause requests a pause of a running plan.
func (e *Executor) Pause(id, atPhase string) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	return run.Pause(atPhase)
}

// Resume clears a pause.
func (e *Executor) Resume(id string) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	run.Resume()
	return nil
}

// Unhold clears a hold and re-dispatches the plan.
func (e *Executor) Unhold(id string) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	return run.Unhold()
}

// Archive deactivates a plan and forgets its run.
func (e *Executor) Archive(id string) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	if err := run.Archive(); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()

	_ = e.tel.Events.PublishPlanArchived(id)
	e.tel.Metrics.SetPlansRunning(e.runCount())
	return nil
}

// Tune sets or clears a tuning knob of a running plan.
func (e *Executor) Tune(id, name string, value *float64) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	return run.Tune(name, value)
}

// Tuning returns the tuning knobs of a running plan.
func (e *Executor) Tuning(id string) (map[string]float64, error) {
	run, err := e.running(id)
	if err != nil {
		return nil, err
	}
	return run.Tuning(), nil
}

// Update routes an out-of-band notification to a running phase.
func (e *Executor) Update(id, token string, payload json.RawMessage) error {
	run, err := e.running(id)
	if err != nil {
		return err
	}
	return run.Update(token, payload)
}

// GetPlan returns the view of one plan, running or not.
func (e *Executor) GetPlan(ctx context.Context, id string) (*PlanView, error) {
	if run := e.lookup(id); run != nil {
		return run.View(), nil
	}

	rec, err := e.store.GetPlan(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewPermanentError("plan not found", err).WithCode(ErrCodeNotFound).WithPlan(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	plan, err := planFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return storedView(plan), nil
}

// ListPlans returns views of active plans, or of all plans when
// includeArchived is set.
func (e *Executor) ListPlans(ctx context.Context, includeArchived bool) ([]*PlanView, error) {
	filter := stores.PlanFilter{}
	if !includeArchived {
		filter.Active = stores.Bool(true)
	}

	recs, err := e.store.ListPlans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	views := make([]*PlanView, 0, len(recs))
	for _, rec := range recs {
		if run := e.lookup(rec.ID); run != nil {
			views = append(views, run.View())
			continue
		}
		plan, err := planFromRecord(rec)
		if err != nil {
			e.log.WithPlanID(rec.ID).WithError(err).Warn("skipping plan that cannot be decoded")
			continue
		}
		views = append(views, storedView(plan))
	}
	return views, nil
}

// RunningIDs returns the ids of plans with an in-memory run, sorted.
func (e *Executor) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func storedView(plan *Plan) *PlanView {
	v := &PlanView{Plan: *plan, Held: plan.Hold != nil}
	if plan.Hold != nil {
		v.Error = plan.Hold.clone()
	}
	return v
}

func (e *Executor) running(id string) (*Run, error) {
	if run := e.lookup(id); run != nil {
		return run, nil
	}
	return nil, NewPermanentError("plan is not running", nil).WithCode(ErrCodeNotRunning).WithPlan(id)
}

func (e *Executor) lookup(id string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *Executor) addRun(plan *Plan, etag string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, false
	}
	if run, ok := e.runs[plan.ID]; ok {
		return run, false
	}
	run := newRun(e, plan, etag)
	e.runs[plan.ID] = run
	return run, true
}

func (e *Executor) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *Executor) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

func (e *Executor) invariant(err error) {
	e.log.WithError(err).Error("invariant violation")
	e.onInvariant(err)
}

func validationError(err error) error {
	ee := NewPermanentError("invalid plan options", err).WithCode(ErrCodeValidation)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			ee.WithDetail(fe.Field(), fe.Tag())
		}
	}
	return ee
}
