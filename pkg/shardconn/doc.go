// Package shardconn provides the long-lived connection a plan holds to the
// shard it is splitting.
//
// RedisConnector is used in production. MemoryConnector keeps values in
// process and is used when no shard store is configured.
package shardconn
