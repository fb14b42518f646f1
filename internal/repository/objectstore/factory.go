package objectstore

import (
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

// Factory opens repositories and keeps one per bucket, so the locations and
// origin reads that share a bucket share its clients.
//
// A nil *Factory still opens LocalType repositories.
type Factory struct {
	awsConfig aws.Config
	gcsClient *storage.Client

	mu       sync.Mutex
	s3Client *s3.Client
	repos    map[BucketConfig]ObjectRepository
}

func NewFactory(awsConfig aws.Config, gcsClient *storage.Client) *Factory {
	return &Factory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
		repos:     make(map[BucketConfig]ObjectRepository),
	}
}

// S3Client returns the S3 client shared by every S3 backed repository.
func (f *Factory) S3Client() *s3.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s3()
}

func (f *Factory) s3() *s3.Client {
	if f.s3Client == nil {
		f.s3Client = s3.NewFromConfig(f.awsConfig)
	}
	return f.s3Client
}

// Open returns the repository of cfg, creating it on first use.
func (f *Factory) Open(cfg BucketConfig) (ObjectRepository, error) {
	if f == nil {
		if cfg.Type != LocalType {
			return nil, fmt.Errorf("no %s client configured for bucket %s", cfg.Type, cfg.Name)
		}
		return NewLocalRepository(cfg.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if repo, ok := f.repos[cfg]; ok {
		return repo, nil
	}

	var (
		repo ObjectRepository
		err  error
	)
	switch cfg.Type {
	case S3Type:
		repo = NewS3Repository(f.s3(), cfg.Name)
	case GCSType:
		if f.gcsClient == nil {
			return nil, fmt.Errorf("GCS client not configured for bucket %s", cfg.Name)
		}
		repo = NewGCSRepository(f.gcsClient, cfg.Name)
	case LocalType:
		repo, err = NewLocalRepository(cfg.Name)
	default:
		err = fmt.Errorf("unsupported repository type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	log.Debugf("Opened %s repository %s", cfg.Type, cfg.Name)
	f.repos[cfg] = repo
	return repo, nil
}
