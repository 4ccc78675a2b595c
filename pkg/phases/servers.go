package phases

import (
	"errors"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/lock"
)

func reservedProp(server string) string { return "reserved." + server }

// reserveServers takes the advisory lock for every plan server, owned by
// the plan id. A server held by another owner is retried until it frees up.
func (p *phases) reserveServers(ctl *engine.Control) {
	if p.deps.Locks == nil {
		ctl.Hold(engine.NewHoldError("no lock manager configured", nil))
		return
	}

	plan := ctl.Plan()
	st := ctl.Status()
	defer st.Done()

	for i, server := range plan.ServerList {
		st.Update("reserving servers (%d/%d)", i, len(plan.ServerList))
		if flag(ctl, reservedProp(server)) {
			continue
		}

		if ctl.Pausing(func(err error) { st.Update("paused before reserving %s", server) }) {
			return
		}

		err := p.deps.Locks.Lock(ctl.Context(), serverLock(server), plan.ID)
		if owner, held := lock.IsHeld(err); held {
			ctl.Retry(engine.NewTransientError("server is reserved by another owner", err).
				WithDetail("server", server).
				WithDetail("owner", owner))
			return
		}
		if err != nil {
			ctl.Retry(engine.NewTransientError("failed to reserve server", err).WithDetail("server", server))
			return
		}

		if err := ctl.PropPut(reservedProp(server), "yes"); err != nil {
			ctl.Hold(err)
			return
		}
		if !checkpoint(ctl) {
			return
		}
	}

	st.Update("reserved %d servers", len(plan.ServerList))
	ctl.Finish()
}

// releaseServers unlocks the servers reserved earlier and drops the shard
// claim.
func (p *phases) releaseServers(ctl *engine.Control) {
	if p.deps.Locks == nil {
		ctl.Hold(engine.NewHoldError("no lock manager configured", nil))
		return
	}

	plan := ctl.Plan()
	st := ctl.Status()
	defer st.Done()

	for _, server := range plan.ServerList {
		if !flag(ctl, reservedProp(server)) {
			continue
		}

		if ctl.Pausing(nil) {
			return
		}
		st.Update("releasing %s", server)

		err := p.deps.Locks.Unlock(ctl.Context(), serverLock(server), plan.ID)
		if errors.Is(err, lock.ErrNotOwner) {
			// An unlock that landed before the journal commit leaves the
			// lock free; anything else is someone else's reservation.
			doc, ierr := p.deps.Locks.Inspect(ctl.Context(), serverLock(server))
			if ierr != nil || doc.Owner != nil {
				ctl.Hold(engine.NewHoldError("server reservation was taken over", err).
					WithDetail("server", server))
				return
			}
			err = nil
		}
		if err != nil {
			ctl.Retry(engine.NewTransientError("failed to release server", err).WithDetail("server", server))
			return
		}

		ctl.PropDel(reservedProp(server))
		if !checkpoint(ctl) {
			return
		}
	}

	if conn := ctl.Shard(); conn != nil {
		if ctl.Pausing(nil) {
			return
		}
		if err := conn.Set(ctl.Context(), ownerKey, ""); err != nil {
			ctl.Retry(engine.NewTransientError("failed to release shard claim", err))
			return
		}
	}

	st.Update("released all servers")
	ctl.Finish()
}
