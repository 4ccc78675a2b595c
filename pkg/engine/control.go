package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/reshard/pkg/status"
	"github.com/openfroyo/reshard/pkg/telemetry"
)

type outcome int

const (
	outcomeNone outcome = iota
	outcomeFinish
	outcomeRetry
	outcomeHold
)

func (o outcome) String() string {
	switch o {
	case outcomeFinish:
		return "finish"
	case outcomeRetry:
		return "retry"
	case outcomeHold:
		return "hold"
	default:
		return "none"
	}
}

// UpdateFunc receives an out-of-band notification posted to the admin API.
type UpdateFunc func(payload json.RawMessage) error

// Control is the handle a phase uses to read and journal plan state and to
// end its dispatch cycle. A Control is valid for one invocation only.
type Control struct {
	run   *Run
	phase string
	ctx   context.Context
	log   *telemetry.Logger

	mu      sync.Mutex
	outcome outcome
	err     error
	paused  bool
	done    bool
	tokens  []string
}

func newControl(ctx context.Context, r *Run, phase string) *Control {
	return &Control{
		run:   r,
		phase: phase,
		ctx:   ctx,
		log:   r.log.WithPhase(phase),
	}
}

// Context is cancelled when the executor stops or the plan is archived.
func (c *Control) Context() context.Context { return c.ctx }

// Logger returns a logger carrying the plan and phase.
func (c *Control) Logger() *telemetry.Logger { return c.log }

// PhaseName returns the phase being executed.
func (c *Control) PhaseName() string { return c.phase }

// Plan returns a snapshot of the in-memory plan.
func (c *Control) Plan() *Plan {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.plan.Clone()
}

// Status allocates a new top-level progress node for this invocation.
func (c *Control) Status() *status.Node {
	return c.run.tree.Root().Child()
}

// Shard returns the plan's shard connection. It is nil when the executor has
// no shard connector.
func (c *Control) Shard() ShardConn {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.shard
}

// PropGet returns a journal value.
func (c *Control) PropGet(name string) (interface{}, bool) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	v, ok := c.run.plan.Props[name]
	return v, ok
}

// PropString returns a journal value if it is a string.
func (c *Control) PropString(name string) (string, bool) {
	v, ok := c.PropGet(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PropPut sets a journal value. Values must be strings or numbers. The change
// is durable only after the next commit.
func (c *Control) PropPut(name string, value interface{}) error {
	v, err := normalizeProp(value)
	if err != nil {
		return fmt.Errorf("prop %q: %w", name, err)
	}

	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.plan.Props[name] = v
	return nil
}

// PropDel removes a journal value.
func (c *Control) PropDel(name string) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	delete(c.run.plan.Props, name)
}

// Tunable returns the current value of a tuning knob, or def when the
// operator has not set it. Phases call it for every unit of work.
func (c *Control) Tunable(name string, def float64) float64 {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	if v, ok := c.run.plan.Tuning[name]; ok {
		return v
	}
	return def
}

// Commit persists the in-memory plan now. Phases use it to make journal
// entries durable before moving on to the next unit of work.
func (c *Control) Commit() error {
	return c.run.commit()
}

// Pausing is the cooperative cancellation check. It must be called before
// every remote operation. When a pause is pending, or the executor is
// stopping, cb is called with the reason and Pausing returns true; the phase
// must then return without calling Finish, Retry or Hold.
func (c *Control) Pausing(cb func(error)) bool {
	var reason error
	if err := c.ctx.Err(); err != nil {
		reason = err
	} else if c.run.pausePending() {
		reason = ErrPaused
	}
	if reason == nil {
		return false
	}

	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
	return true
}

// Finish ends the invocation and advances the plan to the next phase.
func (c *Control) Finish() {
	c.terminate(outcomeFinish, nil)
}

// Retry ends the invocation with a transient failure. The phase is invoked
// again after the retry delay.
func (c *Control) Retry(err error) {
	c.terminate(outcomeRetry, err)
}

// Hold ends the invocation and halts the plan until an operator unholds it.
func (c *Control) Hold(err error) {
	c.terminate(outcomeHold, err)
}

// Fail routes err to Retry when it is transient and to Hold otherwise.
func (c *Control) Fail(err error) {
	if IsTransient(err) {
		c.Retry(err)
		return
	}
	c.Hold(err)
}

func (c *Control) terminate(o outcome, err error) {
	c.mu.Lock()
	if c.done || c.outcome != outcomeNone {
		prev := c.outcome
		c.mu.Unlock()
		c.run.ex.invariant(NewInvariantError(
			fmt.Sprintf("phase %s called %s after %s", c.phase, o, prev), err).
			WithPlan(c.run.id))
		return
	}
	c.outcome = o
	c.err = err
	c.mu.Unlock()
}

// RegisterUpdate installs a handler for out-of-band notifications and
// returns the token that routes to it. Handlers are removed when the
// invocation ends.
func (c *Control) RegisterUpdate(fn UpdateFunc) string {
	token := uuid.New().String()

	c.run.mu.Lock()
	c.run.updates[token] = fn
	c.run.mu.Unlock()

	c.mu.Lock()
	c.tokens = append(c.tokens, token)
	c.mu.Unlock()
	return token
}

// UnregisterUpdate removes a handler installed by RegisterUpdate.
func (c *Control) UnregisterUpdate(token string) {
	c.run.mu.Lock()
	delete(c.run.updates, token)
	c.run.mu.Unlock()
}

// end closes the control and returns what the phase decided.
func (c *Control) end() (outcome, bool, error) {
	c.mu.Lock()
	c.done = true
	o, err, paused := c.outcome, c.err, c.paused
	tokens := c.tokens
	c.tokens = nil
	c.mu.Unlock()

	for _, t := range tokens {
		c.UnregisterUpdate(t)
	}
	return o, paused, err
}

// forceHold replaces the outcome, used when the phase panicked.
func (c *Control) forceHold(err error) {
	c.mu.Lock()
	c.outcome = outcomeHold
	c.err = err
	c.mu.Unlock()
}
