package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		distinctServersPolicy(),
		concurrencyLimitPolicy(),
		peerCountPolicy(),
		shardNamingPolicy(),
	}
}

// distinctServersPolicy rejects server lists that name a server twice.
func distinctServersPolicy() Policy {
	return Policy{
		Name:        "distinct-servers",
		Description: "Each server may host at most one new peer of a plan",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package reshard.policies.servers

import rego.v1

deny contains violation if {
	servers := {s | some s in input.plan.server_list}
	count(servers) != count(input.plan.server_list)
	violation := {
		"message": sprintf("server list for %s contains duplicates", [input.plan.shard]),
		"severity": "error",
	}
}
`,
	}
}

// concurrencyLimitPolicy caps the number of active plans.
func concurrencyLimitPolicy() Policy {
	return Policy{
		Name:        "concurrency-limit",
		Description: "Limits the number of plans running at once",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package reshard.policies.concurrency

import rego.v1

deny contains violation if {
	limit := input.context.limits.max_active_plans
	limit > 0
	input.context.active_plans >= limit
	violation := {
		"message": sprintf("%d plans already active (limit %d)", [input.context.active_plans, limit]),
		"severity": "error",
	}
}
`,
	}
}

// peerCountPolicy warns when too few servers are given for a full peer set.
func peerCountPolicy() Policy {
	return Policy{
		Name:        "peer-count",
		Description: "Warns when the server list cannot hold a full peer set",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package reshard.policies.peers

import rego.v1

deny contains violation if {
	count(input.plan.server_list) < 3
	violation := {
		"message": sprintf("%d server(s) given; a full peer set needs 3", [count(input.plan.server_list)]),
		"severity": "warning",
	}
}
`,
	}
}

// shardNamingPolicy warns about shard names outside the N.domain convention.
func shardNamingPolicy() Policy {
	return Policy{
		Name:        "shard-naming",
		Description: "Shard names follow the <number>.<domain> convention",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package reshard.policies.naming

import rego.v1

deny contains violation if {
	not regex.match("^[0-9]+\\.[a-z0-9.-]+$", input.plan.shard)
	violation := {
		"message": sprintf("shard name %q does not follow <number>.<domain>", [input.plan.shard]),
		"severity": "warning",
	}
}
`,
	}
}
