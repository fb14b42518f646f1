package placement

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/zzenonn/zref/internal/repository/objectstore"
)

// RoundRobinPlacer spreads the shards of an object over the registered buckets
// in turn. The rotation starts at a bucket derived from the object key, so the
// first shards of different files do not all land on the same bucket.
type RoundRobinPlacer struct {
	mu      sync.RWMutex
	targets []Target
	index   map[string]int
}

func NewRoundRobinPlacer() *RoundRobinPlacer {
	return &RoundRobinPlacer{index: make(map[string]int)}
}

func (p *RoundRobinPlacer) RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[bucketName]; exists {
		return fmt.Errorf("bucket %s registered twice", bucketName)
	}
	p.index[bucketName] = len(p.targets)
	p.targets = append(p.targets, Target{Bucket: bucketName, Repo: repo})
	return nil
}

func (p *RoundRobinPlacer) Place(key string, shardIndex int) (Target, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.targets) == 0 {
		return Target{}, fmt.Errorf("no buckets to place %s on", key)
	}
	if shardIndex < 0 {
		return Target{}, fmt.Errorf("invalid shard index %d for %s", shardIndex, key)
	}
	return p.targets[(offset(key)+shardIndex)%len(p.targets)], nil
}

func (p *RoundRobinPlacer) Lookup(bucketName string) (objectstore.ObjectRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i, exists := p.index[bucketName]
	if !exists {
		return nil, fmt.Errorf("bucket %s is not part of this location", bucketName)
	}
	return p.targets[i].Repo, nil
}

func (p *RoundRobinPlacer) Targets() []Target {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]Target(nil), p.targets...)
}

func offset(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}
