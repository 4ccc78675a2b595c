package phases

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/reshard/pkg/engine"
)

func provisionedProp(server string) string { return "provisioned." + server }
func syncedProp(server string) string      { return "synced." + server }

// provisionPeers creates the new peers, batch_size servers per journal
// commit.
func (p *phases) provisionPeers(ctl *engine.Control) {
	if p.deps.Remote == nil {
		ctl.Hold(engine.NewHoldError("no remote transport configured", nil))
		return
	}

	plan := ctl.Plan()
	st := ctl.Status()
	defer st.Done()

	inBatch := 0
	for i, server := range plan.ServerList {
		if flag(ctl, provisionedProp(server)) {
			continue
		}

		if ctl.Pausing(func(err error) { st.Update("paused before provisioning %s", server) }) {
			return
		}

		node := st.Child()
		node.Update("provisioning peer %d on %s", i, server)
		res, err := p.deps.Remote.Run(ctl.Context(), server, expand(p.deps.ProvisionCommand, plan, server, i))
		if err != nil {
			node.Update("provisioning %s failed: %v", server, err)
			fail(ctl, "peer provisioning failed", err, server)
			return
		}
		node.Prop("took", res.Duration.Round(time.Millisecond).String())
		node.Done()

		if err := ctl.PropPut(provisionedProp(server), time.Now().UTC().Format(time.RFC3339)); err != nil {
			ctl.Hold(err)
			return
		}

		inBatch++
		if float64(inBatch) >= ctl.Tunable(TuneBatchSize, 1) {
			if !checkpoint(ctl) {
				return
			}
			inBatch = 0
		}
	}

	st.Update("provisioned %d peers", len(plan.ServerList))
	ctl.Finish()
}

// syncNotice is posted to the plan's update token by a peer that finished
// catching up, ending the wait for that server early.
type syncNotice struct {
	Server string `json:"server"`
	State  string `json:"state"`
}

// waitForSync polls every new peer until it reports "synced". Peers can also
// report in through the update channel.
func (p *phases) waitForSync(ctl *engine.Control) {
	if p.deps.Remote == nil {
		ctl.Hold(engine.NewHoldError("no remote transport configured", nil))
		return
	}

	plan := ctl.Plan()
	st := ctl.Status()
	defer st.Done()

	notices := make(chan syncNotice, len(plan.ServerList))
	token := ctl.RegisterUpdate(func(payload json.RawMessage) error {
		var n syncNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("invalid sync notice: %w", err)
		}
		if n.Server == "" {
			return fmt.Errorf("sync notice has no server")
		}
		select {
		case notices <- n:
			return nil
		default:
			return fmt.Errorf("sync notice queue is full")
		}
	})
	st.Prop("update_token", token)

	pending := make(map[string]bool)
	for _, s := range plan.ServerList {
		if !flag(ctl, syncedProp(s)) {
			pending[s] = true
		}
	}

	markSynced := func(server string) bool {
		if !pending[server] {
			return true
		}
		delete(pending, server)
		if err := ctl.PropPut(syncedProp(server), "yes"); err != nil {
			ctl.Hold(err)
			return false
		}
		return checkpoint(ctl)
	}

	for round := 1; len(pending) > 0; round++ {
		st.Update("waiting for %d peers to sync (round %d)", len(pending), round)

		for _, server := range plan.ServerList {
			if !pending[server] {
				continue
			}
			if ctl.Pausing(nil) {
				return
			}

			res, err := p.deps.Remote.Run(ctl.Context(), server, expand(p.deps.StatusCommand, plan, server, 0))
			if err != nil {
				fail(ctl, "sync status check failed", err, server)
				return
			}
			if res.Stdout == "synced" && !markSynced(server) {
				return
			}
		}
		if len(pending) == 0 {
			break
		}

		wait := time.Duration(ctl.Tunable(TunePollSeconds, p.deps.PollInterval.Seconds()) * float64(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctl.Context().Done():
			timer.Stop()
			ctl.Pausing(nil)
			return
		case n := <-notices:
			timer.Stop()
			if n.State == "synced" && !markSynced(n.Server) {
				return
			}
		case <-timer.C:
		}
	}

	st.Update("all peers synced")
	ctl.Finish()
}
