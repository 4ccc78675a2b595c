package phases

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/lock"
	"github.com/openfroyo/reshard/pkg/transports/ssh"
)

// Phase names, in execution order.
const (
	CheckPlan      = "check_plan"
	CheckShard     = "check_shard"
	ReserveServers = "reserve_servers"
	ProvisionPeers = "provision_peers"
	WaitForSync    = "wait_for_sync"
	ReleaseServers = "release_servers"
)

// Order is the canonical phase list.
var Order = []string{
	CheckPlan,
	CheckShard,
	ReserveServers,
	ProvisionPeers,
	WaitForSync,
	ReleaseServers,
}

// Tunables read by the phases.
const (
	TuneBatchSize   = "batch_size"
	TunePollSeconds = "poll_seconds"
)

// Shard keys written through the plan's shard connection.
const ownerKey = "owner"

// Default command templates. {shard}, {plan}, {server} and {index} are
// expanded per call.
const (
	DefaultProvisionCommand = "reshard-peer provision --shard {shard} --plan {plan} --index {index}"
	DefaultStatusCommand    = "reshard-peer status --shard {shard} --plan {plan}"
)

// Deps are the collaborators the phases use.
type Deps struct {
	// Remote runs commands on plan servers.
	Remote ssh.Remote

	// Locks reserves servers across reshard processes.
	Locks *lock.Manager

	// Partitions is re-checked by check_plan. Nil skips the check.
	Partitions engine.PartitionMap

	ProvisionCommand string
	StatusCommand    string

	// PollInterval is the default for the poll_seconds tunable.
	PollInterval time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.ProvisionCommand == "" {
		d.ProvisionCommand = DefaultProvisionCommand
	}
	if d.StatusCommand == "" {
		d.StatusCommand = DefaultStatusCommand
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 10 * time.Second
	}
	return d
}

// Table returns the phase implementations keyed by name.
func Table(deps Deps) map[string]engine.Phase {
	p := &phases{deps: deps.withDefaults()}
	return map[string]engine.Phase{
		CheckPlan:      p.checkPlan,
		CheckShard:     p.checkShard,
		ReserveServers: p.reserveServers,
		ProvisionPeers: p.provisionPeers,
		WaitForSync:    p.waitForSync,
		ReleaseServers: p.releaseServers,
	}
}

// NewRegistry builds the engine registry for the canonical phases.
func NewRegistry(deps Deps) (*engine.Registry, error) {
	return engine.NewRegistry(Order, Table(deps))
}

type phases struct {
	deps Deps
}

// serverLock is the advisory lock name reserving a server.
func serverLock(server string) string {
	return "server:" + server
}

func expand(tmpl string, plan *engine.Plan, server string, index int) string {
	return strings.NewReplacer(
		"{shard}", plan.Shard,
		"{plan}", plan.ID,
		"{server}", server,
		"{index}", fmt.Sprint(index),
	).Replace(tmpl)
}

// fail ends the invocation according to the kind of remote failure:
// transport trouble is retried, everything else is held.
func fail(ctl *engine.Control, msg string, err error, server string) {
	if ssh.IsTemporary(err) {
		ctl.Retry(engine.NewTransientError(msg, err).WithDetail("server", server))
		return
	}

	herr := engine.NewHoldError(msg, err).WithDetail("server", server)
	var ce *ssh.CommandError
	if errors.As(err, &ce) {
		herr = herr.WithDetail("exit_code", ce.ExitCode).WithDetail("stderr", ce.Stderr)
	}
	ctl.Hold(herr)
}

// checkpoint commits the journal. It returns false when the invocation has
// already been ended or must stop.
func checkpoint(ctl *engine.Control) bool {
	if err := ctl.Commit(); err != nil {
		if ctl.Pausing(nil) {
			return false
		}
		ctl.Hold(err)
		return false
	}
	return true
}

func flag(ctl *engine.Control, name string) bool {
	_, ok := ctl.PropGet(name)
	return ok
}
