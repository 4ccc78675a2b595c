package shardconn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryConnector(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryConnector()

	conn, err := c.Connect(ctx, "1.moray")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if _, err := conn.Get(ctx, "split"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() missing key error = %v, want ErrKeyNotFound", err)
	}
	if err := conn.Set(ctx, "split", "started"); err != nil {
		t.Fatal(err)
	}

	other, _ := c.Connect(ctx, "1.moray")
	if v, err := other.Get(ctx, "split"); err != nil || v != "started" {
		t.Errorf("Get() through second connection = %q, %v", v, err)
	}

	unrelated, _ := c.Connect(ctx, "2.moray")
	if _, err := unrelated.Get(ctx, "split"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("keys leaked across shards")
	}

	if c.Open() != 3 {
		t.Errorf("Open() = %d, want 3", c.Open())
	}
	_ = conn.Close()
	_ = conn.Close()
	if c.Open() != 2 {
		t.Errorf("Open() after close = %d, want 2", c.Open())
	}
	if err := conn.Ping(ctx); err == nil {
		t.Error("Ping() on a closed connection should fail")
	}
}

func TestRedisConnectorAddress(t *testing.T) {
	c := NewRedisConnector("{shard}.redis.internal:6379", "", 0)
	if got := c.Address("1.moray"); got != "1.moray.redis.internal:6379" {
		t.Errorf("Address() = %q", got)
	}
}

func TestRedisConnectorUnreachable(t *testing.T) {
	c := NewRedisConnector("127.0.0.1:1", "", 0)
	c.DialTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Connect(ctx, "1.moray"); err == nil {
		t.Error("Connect() to a closed port should fail")
	}
}

// TestRedisConnector_Integration requires a running Redis on localhost.
func TestRedisConnector_Integration(t *testing.T) {
	c := NewRedisConnector("localhost:6379", "", 0)
	c.KeyPrefix = "reshard-test:"

	ctx := context.Background()
	conn, err := c.Connect(ctx, "local")
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer conn.Close()

	if err := conn.Set(ctx, "probe", "1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, err := conn.Get(ctx, "probe"); err != nil || v != "1" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if _, err := conn.Get(ctx, "absent"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() missing key error = %v", err)
	}
}
