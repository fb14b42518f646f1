package domain

// ShardStorage - where one erasure coded shard was written
type ShardStorage struct {
	Hash        string `json:"hash"` // CRC64 (ISO) of the shard
	StorageType string `json:"storage_type"`
	BucketName  string `json:"bucket_name"`
	Key         string `json:"key"`
}

// ObjectManifest - representation of an erasure coded object's layout
type ObjectManifest struct {
	Key          string         `json:"key"`
	OriginalSize int64          `json:"original_size"`
	ShardSize    int64          `json:"shard_size"`
	ParityShards int            `json:"parity_shards"`
	Shards       []ShardStorage `json:"shards"` // Ordered, data shards first
}

func (m ObjectManifest) DataShards() int {
	return len(m.Shards) - m.ParityShards
}
