package engine

import (
	"context"
)

// ShardConn is the long-lived connection a plan holds to its target shard.
type ShardConn interface {
	// Ping checks that the shard is reachable.
	Ping(ctx context.Context) error

	// Get reads a key from the shard.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a key on the shard.
	Set(ctx context.Context, key, value string) error

	// Close releases the connection.
	Close() error
}

// ShardConnector opens shard connections.
type ShardConnector interface {
	Connect(ctx context.Context, shard string) (ShardConn, error)
}

// PartitionMap answers whether a shard is present in the cluster's
// partition map, and therefore eligible for a plan.
type PartitionMap interface {
	ShardExists(ctx context.Context, shard string) (bool, error)
}

// Admission decides whether a plan may be created. A non-nil error rejects
// the request.
type Admission interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// AdmissionRequest is the input to an admission check.
type AdmissionRequest struct {
	Shard       string   `json:"shard"`
	SplitCount  int      `json:"split_count"`
	ServerList  []string `json:"server_list"`
	ActivePlans int      `json:"active_plans"`
}
