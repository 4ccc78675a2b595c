// Package phases implements the resharding steps run by the engine.
//
// The canonical order is check_plan, check_shard, reserve_servers,
// provision_peers, wait_for_sync and release_servers. Every phase journals
// the sub-work it has completed in the plan props (reserved.<server>,
// provisioned.<server>, synced.<server>) and skips journaled work when it
// is re-entered after a retry, an unhold or a restart.
//
// Remote commands run through an ssh.Remote. Transport failures are
// retried; a command that exits non-zero holds the plan with its exit code
// and stderr. Servers are reserved with advisory locks owned by the plan
// id, so two reshard processes never provision onto the same server.
//
// Operators can adjust two tunables while a plan runs: batch_size (servers
// provisioned per journal commit) and poll_seconds (delay between sync
// polls).
package phases
