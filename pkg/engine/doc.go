// Package engine runs resharding plans.
//
// # Overview
//
// A plan moves through a fixed, ordered list of phases. Each phase is a
// function registered in a Registry and invoked with a Control, which gives
// it a snapshot of the plan, a props journal, tuning knobs, a status subtree
// and the plan's shard connection. Every invocation ends with exactly one of
// Control.Finish, Control.Retry or Control.Hold, or returns early after
// Control.Pausing reported a pending pause.
//
// # Runs and the Executor
//
// The Executor owns one Run per active plan. A reconciliation loop lists
// active plans every ReconcileInterval and starts a Run for any plan that
// has none. A Run is the only writer of its plan: every write presents the
// etag of the previous write, and a lost precondition is treated as an
// invariant violation rather than retried.
//
//	registry, _ := engine.NewRegistry(phases.Order, phases.Table(deps))
//	ex, _ := engine.NewExecutor(engine.Options{
//	    Store:    store,
//	    Registry: registry,
//	})
//	_ = ex.Start()
//	defer ex.Stop(ctx)
//
//	plan, err := ex.CreatePlan(ctx, engine.CreateOptions{
//	    Shard:      "1.moray",
//	    SplitCount: 2,
//	    ServerList: servers,
//	})
//
// # Errors
//
// Errors are classified into transient (retried after RetryDelay), hold
// (persisted on the plan until an operator unholds it), invariant (the
// process stops) and permanent (returned to the caller of an administrative
// operation). Control.Fail routes an error by class.
package engine
