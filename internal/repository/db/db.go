// Package db implements the repository interfaces on DynamoDB, for deployments
// where several zref processes share one set of ledgers.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zref/internal/errors"
)

// Table names, relative to the configured prefix.
const (
	FileReferencesTable = "file_references"
	FileRequestsTable   = "file_requests"
	CacheFilesTable     = "cache_files"

	// ChecksumIndex lets references be listed by checksum across storages.
	ChecksumIndex = "checksum-index"
	// StatusIndex orders requests of one kind and status by storage then sequence.
	StatusIndex = "status-index"
)

// maxUpdateAttempts bounds optimistic locking retries on one item.
const maxUpdateAttempts = 10

// maxTransactItems is the DynamoDB limit on items in one transaction.
const maxTransactItems = 100

type DynamoDb struct {
	Client      *dynamodb.Client
	TablePrefix string
}

func NewDatabase(awsConfig aws.Config, tablePrefix string) (*DynamoDb, error) {
	client := dynamodb.NewFromConfig(awsConfig)
	if client == nil {
		return nil, fmt.Errorf("failed to create DynamoDB client")
	}

	log.Debugf("Using DynamoDB tables with prefix %q", tablePrefix)
	return &DynamoDb{
		Client:      client,
		TablePrefix: tablePrefix,
	}, nil
}

// Table returns the full name of one of the tables above.
func (d *DynamoDb) Table(name string) string {
	return d.TablePrefix + name
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	return errors.As(err, &canceled)
}

// withOptimisticRetry runs attempt until it stops failing on a version check.
func withOptimisticRetry(ctx context.Context, attempt func() error) error {
	for i := 0; i < maxUpdateAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if err == nil || !isConditionFailed(err) {
			return err
		}
	}
	return zerrors.ErrConflict
}

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

func numberValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", v)}
}
