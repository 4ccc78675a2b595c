package phases

import (
	"errors"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/shardconn"
)

// checkPlan re-validates a plan that may have waited in the store across
// restarts and ring changes.
func (p *phases) checkPlan(ctl *engine.Control) {
	plan := ctl.Plan()
	st := ctl.Status()
	defer st.Done()
	st.Update("checking plan for %s", plan.Shard)

	seen := make(map[string]bool, len(plan.ServerList))
	for _, s := range plan.ServerList {
		if seen[s] {
			ctl.Hold(engine.NewHoldError("server listed twice", nil).WithDetail("server", s))
			return
		}
		seen[s] = true
	}

	if p.deps.Partitions != nil {
		if ctl.Pausing(nil) {
			return
		}
		ok, err := p.deps.Partitions.ShardExists(ctl.Context(), plan.Shard)
		if err != nil {
			ctl.Retry(engine.NewTransientError("partition map lookup failed", err))
			return
		}
		if !ok {
			ctl.Hold(engine.NewHoldError("shard is no longer in the partition map", nil).
				WithDetail("shard", plan.Shard))
			return
		}
	}

	ctl.Finish()
}

// checkShard claims the shard for this plan by recording the plan id on it.
// A shard claimed by another plan needs an operator.
func (p *phases) checkShard(ctl *engine.Control) {
	plan := ctl.Plan()
	conn := ctl.Shard()
	if conn == nil {
		ctl.Logger().Warn("no shard connection configured, skipping shard claim")
		ctl.Finish()
		return
	}

	st := ctl.Status()
	defer st.Done()

	if ctl.Pausing(nil) {
		return
	}
	st.Update("pinging %s", plan.Shard)
	if err := conn.Ping(ctl.Context()); err != nil {
		ctl.Retry(engine.NewTransientError("shard ping failed", err))
		return
	}

	if ctl.Pausing(nil) {
		return
	}
	owner, err := conn.Get(ctl.Context(), ownerKey)
	switch {
	case errors.Is(err, shardconn.ErrKeyNotFound):
		owner = ""
	case err != nil:
		ctl.Retry(engine.NewTransientError("failed to read shard owner", err))
		return
	}

	if owner != "" && owner != plan.ID {
		ctl.Hold(engine.NewHoldError("shard is claimed by another plan", nil).
			WithDetail("owner", owner))
		return
	}

	if owner == "" {
		if ctl.Pausing(nil) {
			return
		}
		if err := conn.Set(ctl.Context(), ownerKey, plan.ID); err != nil {
			ctl.Retry(engine.NewTransientError("failed to claim shard", err))
			return
		}
	}

	st.Update("%s claimed", plan.Shard)
	ctl.Finish()
}
