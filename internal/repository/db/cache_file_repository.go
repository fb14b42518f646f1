package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

// cacheFileItem adds a numeric expiry so scans can compare it server side.
type cacheFileItem struct {
	domain.CacheFile
	ExpiresAt int64 `dynamodbav:"expires_at"`
}

// CacheFileRepository manages DynamoDB interactions for cached files.
type CacheFileRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewCacheFileRepository(database *DynamoDb) *CacheFileRepository {
	return &CacheFileRepository{
		client:    database.Client,
		tableName: database.Table(CacheFilesTable),
	}
}

// GetCacheFile retrieves a cached file by checksum.
func (repo *CacheFileRepository) GetCacheFile(ctx context.Context, checksum string) (domain.CacheFile, error) {
	result, err := repo.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(repo.tableName),
		Key:            stringKey("checksum", checksum),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.CacheFile{}, fmt.Errorf("failed to get cache file: %w", err)
	}
	if result.Item == nil {
		return domain.CacheFile{}, zerrors.NotFoundError("cache file %s", checksum)
	}
	var item cacheFileItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return domain.CacheFile{}, fmt.Errorf("failed to unmarshal cache file: %w", err)
	}
	return item.CacheFile, nil
}

// UpsertCacheFile applies fn and writes the result under a version check.
func (repo *CacheFileRepository) UpsertCacheFile(ctx context.Context, checksum string, fn func(cf *domain.CacheFile, exists bool) error) (domain.CacheFile, error) {
	var saved domain.CacheFile
	err := withOptimisticRetry(ctx, func() error {
		cf, err := repo.GetCacheFile(ctx, checksum)
		exists := err == nil
		if err != nil && !zerrors.IsNotFound(err) {
			return err
		}
		if !exists {
			cf = domain.CacheFile{Checksum: checksum}
		}
		if err := fn(&cf, exists); err != nil {
			return err
		}
		expected := cf.Version
		cf.Checksum = checksum
		cf.Version++

		item, err := attributevalue.MarshalMap(cacheFileItem{CacheFile: cf, ExpiresAt: cf.ExpirationDate.UnixNano()})
		if err != nil {
			return fmt.Errorf("failed to marshal cache file: %w", err)
		}
		input := &dynamodb.PutItemInput{
			TableName: aws.String(repo.tableName),
			Item:      item,
		}
		if exists {
			input.ConditionExpression = aws.String("#version = :version")
			input.ExpressionAttributeNames = map[string]string{"#version": "version"}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{":version": numberValue(expected)}
		} else {
			input.ConditionExpression = aws.String("attribute_not_exists(#checksum)")
			input.ExpressionAttributeNames = map[string]string{"#checksum": "checksum"}
		}
		if _, err := repo.client.PutItem(ctx, input); err != nil {
			return err
		}
		saved = cf
		return nil
	})
	if err != nil {
		return domain.CacheFile{}, err
	}
	return saved, nil
}

// DeleteCacheFile removes a cached file record.
func (repo *CacheFileRepository) DeleteCacheFile(ctx context.Context, checksum string) error {
	_, err := repo.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(repo.tableName),
		Key:       stringKey("checksum", checksum),
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// ListExpiredCacheFiles scans for records expiring strictly before the given time.
func (repo *CacheFileRepository) ListExpiredCacheFiles(ctx context.Context, before time.Time, limit int) ([]domain.CacheFile, error) {
	paginator := dynamodb.NewScanPaginator(repo.client, &dynamodb.ScanInput{
		TableName:                 aws.String(repo.tableName),
		FilterExpression:          aws.String("expires_at < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":before": numberValue(before.UnixNano())},
	})

	var expired []domain.CacheFile
	for paginator.HasMorePages() && len(expired) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache files: %w", err)
		}
		for _, raw := range page.Items {
			var item cacheFileItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cache file: %w", err)
			}
			expired = append(expired, item.CacheFile)
		}
	}
	slices.SortFunc(expired, func(a, b domain.CacheFile) int {
		return a.ExpirationDate.Compare(b.ExpirationDate)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// TotalCacheSize sums the size of every cached file.
func (repo *CacheFileRepository) TotalCacheSize(ctx context.Context) (int64, error) {
	paginator := dynamodb.NewScanPaginator(repo.client, &dynamodb.ScanInput{
		TableName:            aws.String(repo.tableName),
		ProjectionExpression: aws.String("file_size"),
	})

	var total int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to scan cache files: %w", err)
		}
		for _, raw := range page.Items {
			var item struct {
				FileSize int64 `dynamodbav:"file_size"`
			}
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return 0, err
			}
			total += item.FileSize
		}
	}
	return total, nil
}
