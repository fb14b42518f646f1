package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc64"
	"io"
	"strings"

	"github.com/klauspost/reedsolomon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/placement"
	"github.com/zzenonn/zref/internal/repository/objectstore"
)

const manifestSuffix = ".manifest.json"

var crcTable = crc64.MakeTable(crc64.ISO)

type erasureParams struct {
	Buckets      []string `mapstructure:"buckets" validate:"required,min=1"`
	Prefix       string   `mapstructure:"prefix"`
	DataShards   int      `mapstructure:"data_shards" validate:"gte=0"`
	ParityShards int      `mapstructure:"parity_shards" validate:"gte=0"`
}

// erasurePlugin splits each file into Reed-Solomon shards spread round-robin
// over several buckets. A JSON manifest describing the layout is written to
// every bucket so any surviving bucket can drive reconstruction.
type erasurePlugin struct {
	location string
	placer   placement.Placer
	params   erasureParams
	size     int
}

func newErasurePlugin(loc domain.StorageLocation, deps Deps) (*erasurePlugin, error) {
	var params erasureParams
	if err := decodeParams(loc, &params); err != nil {
		return nil, err
	}
	if params.DataShards == 0 {
		params.DataShards = 4
	}
	if params.ParityShards == 0 {
		params.ParityShards = 2
	}

	placer := placement.NewRoundRobinPlacer()
	for _, bucket := range params.Buckets {
		cfg, err := objectstore.ParseBucketConfig(bucket)
		if err != nil {
			return nil, fmt.Errorf("location %s: %w", loc.Name, err)
		}
		repo, err := deps.Factory.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("location %s: %w", loc.Name, err)
		}
		if err := placer.RegisterBucket(bucket, repo); err != nil {
			return nil, fmt.Errorf("location %s: %w", loc.Name, err)
		}
	}

	return &erasurePlugin{location: loc.Name, placer: placer, params: params, size: deps.RequestsPerJob}, nil
}

func (p *erasurePlugin) PrepareForStorage(ctx context.Context, requests []*domain.StorageRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, byDirectory, func(req *domain.StorageRequest) string {
		if req.MetaInfo.FileSize == 0 {
			return zerrors.ErrEmptyFile.Error()
		}
		return ""
	}), nil
}

func (p *erasurePlugin) PrepareForDeletion(ctx context.Context, requests []*domain.DeletionRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.DeletionRequest) string { return "" }, nil), nil
}

func (p *erasurePlugin) PrepareForRestoration(ctx context.Context, requests []*domain.CacheRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.CacheRequest) string { return "" }, nil), nil
}

// Store shards body, uploads the shards in parallel and then the manifests.
func (p *erasurePlugin) Store(ctx context.Context, req *domain.StorageRequest, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", zerrors.ErrEmptyFile
	}

	key := objectKey(p.params.Prefix, req.SubDirectory, req.Checksum)
	manifest, shards, err := ShardFile(data, p.params.DataShards, p.params.ParityShards)
	if err != nil {
		return "", err
	}
	manifest.Key = key

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		target, err := p.placer.Place(key, i)
		if err != nil {
			return "", err
		}
		shardKey := fmt.Sprintf("%s.shard_%d", key, i)
		manifest.Shards[i].StorageType = string(target.Repo.Type())
		manifest.Shards[i].BucketName = target.Bucket
		manifest.Shards[i].Key = shardKey
		g.Go(func() error {
			_, err := target.Repo.Put(gctx, shardKey, bytes.NewReader(shard))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to upload shards of %s: %w", key, err)
	}

	encoded, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	for _, target := range p.placer.Targets() {
		if _, err := target.Repo.Put(ctx, key+manifestSuffix, bytes.NewReader(encoded)); err != nil {
			return "", fmt.Errorf("failed to upload manifest of %s: %w", key, err)
		}
	}

	log.Debugf("Stored %s as %d+%d shards on %s", req.Checksum, p.params.DataShards, p.params.ParityShards, p.location)
	return fmt.Sprintf("erasure://%s/%s", p.location, key), nil
}

func (p *erasurePlugin) key(ref domain.FileReference) (string, error) {
	key, ok := strings.CutPrefix(ref.Location.URL, "erasure://"+p.location+"/")
	if !ok {
		return "", fmt.Errorf("url %s does not belong to location %s", ref.Location.URL, p.location)
	}
	return key, nil
}

// manifest reads the first readable manifest copy.
func (p *erasurePlugin) manifest(ctx context.Context, key string) (domain.ObjectManifest, error) {
	var lastErr error
	for _, target := range p.placer.Targets() {
		rc, err := target.Repo.Get(ctx, key+manifestSuffix)
		if err != nil {
			lastErr = err
			continue
		}
		var manifest domain.ObjectManifest
		err = json.NewDecoder(rc).Decode(&manifest)
		rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return manifest, nil
	}
	return domain.ObjectManifest{}, fmt.Errorf("no readable manifest for %s: %w", key, lastErr)
}

func (p *erasurePlugin) Delete(ctx context.Context, ref domain.FileReference) error {
	key, err := p.key(ref)
	if err != nil {
		return err
	}
	manifest, err := p.manifest(ctx, key)
	if err != nil {
		return err
	}
	for _, shard := range manifest.Shards {
		repo, err := p.placer.Lookup(shard.BucketName)
		if err != nil {
			return err
		}
		if err := repo.Delete(ctx, shard.Key); err != nil {
			return fmt.Errorf("failed to delete shard %s: %w", shard.Key, err)
		}
	}
	for _, target := range p.placer.Targets() {
		if err := target.Repo.Delete(ctx, key+manifestSuffix); err != nil {
			return err
		}
	}
	return nil
}

func (p *erasurePlugin) Restore(ctx context.Context, ref domain.FileReference, destPath string) error {
	rc, err := p.Retrieve(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(destPath, rc)
}

// Retrieve downloads every shard it can and rebuilds the file. Shards that are
// missing or fail their checksum are left nil for reconstruction.
func (p *erasurePlugin) Retrieve(ctx context.Context, ref domain.FileReference) (io.ReadCloser, error) {
	key, err := p.key(ref)
	if err != nil {
		return nil, err
	}
	manifest, err := p.manifest(ctx, key)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, len(manifest.Shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range manifest.Shards {
		g.Go(func() error {
			repo, err := p.placer.Lookup(shard.BucketName)
			if err != nil {
				log.Warnf("Shard %d of %s: %v", i, key, err)
				return nil
			}
			rc, err := repo.Get(gctx, shard.Key)
			if err != nil {
				log.Warnf("Shard %d of %s unavailable: %v", i, key, err)
				return nil
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				log.Warnf("Shard %d of %s unreadable: %v", i, key, err)
				return nil
			}
			if fmt.Sprintf("%016x", crc64.Checksum(data, crcTable)) != shard.Hash {
				log.Warnf("Shard %d of %s is corrupt", i, key)
				return nil
			}
			shards[i] = data
			return nil
		})
	}
	_ = g.Wait()

	data, err := ReconstructFile(shards, manifest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ShardFile splits data into data+parity shards and describes them in a manifest
// whose shard locations are left for the caller to fill in.
func ShardFile(data []byte, dataShards, parityShards int) (domain.ObjectManifest, [][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return domain.ObjectManifest{}, nil, err
	}

	shards, err := enc.Split(data)
	if err != nil {
		return domain.ObjectManifest{}, nil, err
	}

	if err := enc.Encode(shards); err != nil {
		return domain.ObjectManifest{}, nil, err
	}

	hashes := make([]domain.ShardStorage, len(shards))
	for i, shard := range shards {
		hashes[i].Hash = fmt.Sprintf("%016x", crc64.Checksum(shard, crcTable))
	}

	return domain.ObjectManifest{
		OriginalSize: int64(len(data)),
		ShardSize:    int64(len(shards[0])),
		ParityShards: parityShards,
		Shards:       hashes,
	}, shards, nil
}

// ReconstructFile rebuilds the original bytes. Missing shards are nil.
func ReconstructFile(shards [][]byte, manifest domain.ObjectManifest) ([]byte, error) {
	enc, err := reedsolomon.New(manifest.DataShards(), manifest.ParityShards)
	if err != nil {
		return nil, err
	}

	present := 0
	for _, shard := range shards {
		if shard != nil {
			present++
		}
	}
	if present < manifest.DataShards() {
		return nil, fmt.Errorf("%w: have %d, need %d", zerrors.ErrInsufficientShards, present, manifest.DataShards())
	}

	reconstructShards := make([][]byte, len(manifest.Shards))
	copy(reconstructShards, shards)

	if err := enc.Reconstruct(reconstructShards); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, reconstructShards, int(manifest.OriginalSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
