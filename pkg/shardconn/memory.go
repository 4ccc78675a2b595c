package shardconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/reshard/pkg/engine"
)

var _ engine.ShardConnector = (*MemoryConnector)(nil)

// MemoryConnector hands out process-local shard connections. It backs the
// "none" shard driver and tests; keys written through one connection are
// visible to later connections for the same shard.
type MemoryConnector struct {
	mu     sync.Mutex
	shards map[string]map[string]string
	open   int
}

// NewMemoryConnector creates an empty connector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{shards: make(map[string]map[string]string)}
}

func (c *MemoryConnector) Connect(_ context.Context, shard string) (engine.ShardConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shards[shard] == nil {
		c.shards[shard] = make(map[string]string)
	}
	c.open++
	return &memoryConn{parent: c, shard: shard}, nil
}

// Open returns the number of connections not yet closed.
func (c *MemoryConnector) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type memoryConn struct {
	parent *MemoryConnector
	shard  string
	closed bool
}

func (m *memoryConn) Ping(_ context.Context) error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	if m.closed {
		return fmt.Errorf("shard %s: connection closed", m.shard)
	}
	return nil
}

func (m *memoryConn) Get(_ context.Context, key string) (string, error) {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("shard %s: connection closed", m.shard)
	}
	v, ok := m.parent.shards[m.shard][key]
	if !ok {
		return "", fmt.Errorf("shard %s: %s: %w", m.shard, key, ErrKeyNotFound)
	}
	return v, nil
}

func (m *memoryConn) Set(_ context.Context, key, value string) error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	if m.closed {
		return fmt.Errorf("shard %s: connection closed", m.shard)
	}
	m.parent.shards[m.shard][key] = value
	return nil
}

func (m *memoryConn) Close() error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.parent.open--
	}
	return nil
}
