// Package placement decides which object repository each erasure coded shard
// of a file is written to.
//
// The erasure storage plugin registers every bucket of its location once, then
// asks the Placer for a target per object key and shard index when storing.
// Manifests record the bucket of each shard, so reads and deletions go through
// Lookup instead of Place and survive a change in bucket order.
//
// Example:
//
//	placer := NewRoundRobinPlacer()
//	placer.RegisterBucket("s3-archive-a", s3Repo)
//	placer.RegisterBucket("gs-archive-b", gcsRepo)
//
//	target, _ := placer.Place("files/ab12", 0)
//	repo, _ := placer.Lookup(target.Bucket)
package placement

import (
	"github.com/zzenonn/zref/internal/repository/objectstore"
)

// Target is a bucket chosen for one shard.
type Target struct {
	Bucket string
	Repo   objectstore.ObjectRepository
}

// Placer manages shard placement across multiple storage backends.
//
// Implementations must be safe for concurrent use and deterministic: the same
// key and shard index map to the same bucket while the registered set is unchanged.
type Placer interface {
	RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error

	// Place selects the bucket for shard shardIndex of the object stored under key.
	Place(key string, shardIndex int) (Target, error)

	// Lookup returns the repository registered under bucketName.
	Lookup(bucketName string) (objectstore.ObjectRepository, error)

	// Targets returns every registered bucket in registration order.
	Targets() []Target
}
