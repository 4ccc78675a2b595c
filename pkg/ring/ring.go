package ring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reshard/pkg/engine"
)

var _ engine.PartitionMap = (*Map)(nil)

// File is the on-disk partition map.
type File struct {
	// Version is the ring version the map was exported from.
	Version int `yaml:"version"`

	// Shards lists every shard that currently owns part of the keyspace.
	Shards []Shard `yaml:"shards"`
}

// Shard is one partition map entry.
type Shard struct {
	Name   string `yaml:"name"`
	VNodes int    `yaml:"vnodes,omitempty"`
}

// Map is an in-memory partition map loaded from a YAML file. It is safe for
// concurrent use and can follow changes to the file with Watch.
type Map struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	version  int
	shards   map[string]Shard
	checksum string

	// reloadDelay debounces bursts of file events.
	reloadDelay time.Duration
}

// Load reads the partition map at path.
func Load(path string, logger zerolog.Logger) (*Map, error) {
	m := &Map{
		path:        path,
		logger:      logger.With().Str("component", "ring").Logger(),
		reloadDelay: 500 * time.Millisecond,
	}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStatic builds a map from a fixed list of shard names.
func NewStatic(names ...string) *Map {
	m := &Map{
		logger: zerolog.Nop(),
		shards: make(map[string]Shard, len(names)),
	}
	for _, n := range names {
		m.shards[n] = Shard{Name: n}
	}
	return m
}

// Parse decodes and validates a partition map document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse partition map: %w", err)
	}

	seen := make(map[string]bool, len(f.Shards))
	for i, s := range f.Shards {
		if s.Name == "" {
			return nil, fmt.Errorf("shard %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("shard %q listed twice", s.Name)
		}
		if s.VNodes < 0 {
			return nil, fmt.Errorf("shard %q: vnodes must not be negative", s.Name)
		}
		seen[s.Name] = true
	}
	return &f, nil
}

// Reload re-reads the file. It reports whether the contents changed; a
// file that fails to parse leaves the previous map in place.
func (m *Map) Reload() (bool, error) {
	if m.path == "" {
		return false, fmt.Errorf("partition map has no backing file")
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return false, fmt.Errorf("failed to read partition map: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	m.mu.RLock()
	unchanged := checksum == m.checksum
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	f, err := Parse(data)
	if err != nil {
		return false, err
	}

	shards := make(map[string]Shard, len(f.Shards))
	for _, s := range f.Shards {
		shards[s.Name] = s
	}

	m.mu.Lock()
	m.version = f.Version
	m.shards = shards
	m.checksum = checksum
	m.mu.Unlock()

	m.logger.Info().
		Int("version", f.Version).
		Int("shards", len(shards)).
		Str("path", m.path).
		Msg("Loaded partition map")

	return true, nil
}

// ShardExists reports whether shard is present in the map.
func (m *Map) ShardExists(_ context.Context, shard string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.shards[shard]
	return ok, nil
}

// Shards returns the shard names in sorted order.
func (m *Map) Shards() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.shards))
	for n := range m.shards {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Version returns the version of the loaded map.
func (m *Map) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Watch reloads the map whenever its file changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are followed.
func (m *Map) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("partition map has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch partition map: %w", err)
	}

	go m.processEvents(ctx, watcher)
	return nil
}

func (m *Map) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(m.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target ||
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.reloadDelay, func() {
				if _, err := m.Reload(); err != nil {
					m.logger.Error().Err(err).Msg("Failed to reload partition map")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Msg("Partition map watcher error")
		}
	}
}
