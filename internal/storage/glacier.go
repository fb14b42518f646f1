package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository/objectstore"
)

type glacierParams struct {
	Bucket       string        `mapstructure:"bucket" validate:"required"`
	Prefix       string        `mapstructure:"prefix"`
	StorageClass string        `mapstructure:"storage_class" validate:"omitempty,oneof=GLACIER DEEP_ARCHIVE GLACIER_IR"`
	Tier         string        `mapstructure:"tier" validate:"omitempty,oneof=Standard Bulk Expedited"`
	RestoreDays  int32         `mapstructure:"restore_days" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	MaxWait      time.Duration `mapstructure:"max_wait" validate:"gte=0"`
}

func (p *glacierParams) applyDefaults() {
	if p.StorageClass == "" {
		p.StorageClass = string(types.StorageClassGlacier)
	}
	if p.Tier == "" {
		p.Tier = string(types.TierStandard)
	}
	if p.RestoreDays == 0 {
		p.RestoreDays = 1
	}
	if p.PollInterval == 0 {
		p.PollInterval = time.Minute
	}
	if p.MaxWait == 0 {
		p.MaxWait = 12 * time.Hour
	}
}

// glacierAPI is the part of the S3 client the glacier plugin calls directly.
type glacierAPI interface {
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

var errRestoreInProgress = errors.New("restore in progress")

// glacierPlugin writes files to an archive storage class and thaws them on restore.
type glacierPlugin struct {
	location string
	client   glacierAPI
	uploader uploader
	params   glacierParams
	clock    clock.Clock
	size     int
}

func newGlacierPlugin(loc domain.StorageLocation, deps Deps) (*glacierPlugin, error) {
	var params glacierParams
	if err := decodeParams(loc, &params); err != nil {
		return nil, err
	}
	params.applyDefaults()
	if deps.Factory == nil {
		return nil, fmt.Errorf("location %s: no object repository factory", loc.Name)
	}

	client := deps.Factory.S3Client()
	return &glacierPlugin{
		location: loc.Name,
		client:   client,
		uploader: manager.NewUploader(client),
		params:   params,
		clock:    deps.Clock,
		size:     deps.RequestsPerJob,
	}, nil
}

func (p *glacierPlugin) PrepareForStorage(ctx context.Context, requests []*domain.StorageRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, byDirectory, nil), nil
}

func (p *glacierPlugin) PrepareForDeletion(ctx context.Context, requests []*domain.DeletionRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.DeletionRequest) string { return "" }, func(req *domain.DeletionRequest) string {
		return p.checkURL(req.FileReference)
	}), nil
}

// PrepareForRestoration rejects files that are not in this location's bucket.
func (p *glacierPlugin) PrepareForRestoration(ctx context.Context, requests []*domain.CacheRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.CacheRequest) string { return "" }, func(req *domain.CacheRequest) string {
		return p.checkURL(req.FileReference)
	}), nil
}

func (p *glacierPlugin) checkURL(ref domain.FileReference) string {
	if _, err := p.key(ref); err != nil {
		return err.Error()
	}
	return ""
}

func (p *glacierPlugin) key(ref domain.FileReference) (string, error) {
	key, ok := objectstore.KeyFromURL(ref.Location.URL, p.params.Bucket)
	if !ok {
		return "", fmt.Errorf("url %s does not belong to location %s", ref.Location.URL, p.location)
	}
	return key, nil
}

func (p *glacierPlugin) Store(ctx context.Context, req *domain.StorageRequest, body io.Reader) (string, error) {
	key := objectKey(p.params.Prefix, req.SubDirectory, req.Checksum)
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.params.Bucket),
		Key:          aws.String(key),
		Body:         body,
		StorageClass: types.StorageClass(p.params.StorageClass),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", p.params.Bucket, key), nil
}

func (p *glacierPlugin) Delete(ctx context.Context, ref domain.FileReference) error {
	key, err := p.key(ref)
	if err != nil {
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.params.Bucket),
		Key:    aws.String(key),
	})
	return err
}

// Restore requests a thaw, waits for it, then downloads the thawed copy.
func (p *glacierPlugin) Restore(ctx context.Context, ref domain.FileReference, destPath string) error {
	key, err := p.key(ref)
	if err != nil {
		return err
	}

	if err := p.requestRestore(ctx, key); err != nil {
		return err
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return p.restored(ctx, key)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errRestoreInProgress)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Debugf("Restore of s3://%s/%s not ready (attempt %d)", p.params.Bucket, key, attempt)
		},
		Delay:       p.params.PollInterval,
		MaxDuration: p.params.MaxWait,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("restore of %s did not complete: %w", key, retry.LastError(err))
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.params.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download restored %s: %w", key, err)
	}
	defer out.Body.Close()
	return writeFile(destPath, out.Body)
}

func (p *glacierPlugin) requestRestore(ctx context.Context, key string) error {
	_, err := p.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(p.params.Bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days:                 aws.Int32(p.params.RestoreDays),
			GlacierJobParameters: &types.GlacierJobParameters{Tier: types.Tier(p.params.Tier)},
		},
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RestoreAlreadyInProgress":
			return nil
		case "InvalidObjectState":
			// Not archived: readable as is.
			return nil
		}
	}
	return fmt.Errorf("failed to request restore of %s: %w", key, err)
}

// restored reports errRestoreInProgress until the thawed copy is readable.
func (p *glacierPlugin) restored(ctx context.Context, key string) error {
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.params.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	if strings.Contains(aws.ToString(head.Restore), `ongoing-request="true"`) {
		return errRestoreInProgress
	}
	return nil
}

func (p *glacierPlugin) Retrieve(ctx context.Context, ref domain.FileReference) (io.ReadCloser, error) {
	return nil, fmt.Errorf("location %s must restore files before reading them: %w", p.location, zerrors.ErrNotImplemented)
}
