// Package migrate creates and drops the DynamoDB tables of the db repository.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

const tableWaitTimeout = 5 * time.Minute

// Migration is one versioned table change.
type Migration interface {
	Version() string
	TableName() string
	Up(ctx context.Context, client *dynamodb.Client) error
	Down(ctx context.Context, client *dynamodb.Client) error
}

// All returns the migrations for tables named with prefix, oldest first.
func All(prefix string) []Migration {
	return []Migration{
		&CreateFileReferencesTable{Prefix: prefix},
		&CreateFileRequestsTable{Prefix: prefix},
		&CreateCacheFilesTable{Prefix: prefix},
	}
}

// Up applies every migration whose table does not exist yet.
func Up(ctx context.Context, client *dynamodb.Client, migrations []Migration) error {
	for _, m := range migrations {
		exists, err := tableExists(ctx, client, m.TableName())
		if err != nil {
			return err
		}
		if exists {
			log.Debugf("Table %s already exists, skipping %s", m.TableName(), m.Version())
			continue
		}
		log.Infof("Applying migration %s", m.Version())
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Version(), err)
		}
	}
	return nil
}

// Down reverts migrations newest first, ignoring tables already gone.
func Down(ctx context.Context, client *dynamodb.Client, migrations []Migration) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		exists, err := tableExists(ctx, client, m.TableName())
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		log.Infof("Reverting migration %s", m.Version())
		if err := m.Down(ctx, client); err != nil {
			return fmt.Errorf("revert of %s failed: %w", m.Version(), err)
		}
	}
	return nil
}

func tableExists(ctx context.Context, client *dynamodb.Client, name string) (bool, error) {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	return true, nil
}

func createTable(ctx context.Context, client *dynamodb.Client, input *dynamodb.CreateTableInput) error {
	input.BillingMode = types.BillingModePayPerRequest // On-demand billing for variable workloads
	input.Tags = []types.Tag{
		{
			Key:   aws.String("Purpose"),
			Value: aws.String("FileReferenceLedger"),
		},
	}

	if _, err := client.CreateTable(ctx, input); err != nil {
		return err
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: input.TableName,
	}, tableWaitTimeout)
}

func dropTable(ctx context.Context, client *dynamodb.Client, name string) error {
	if _, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
		return err
	}
	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, tableWaitTimeout)
}

func stringAttribute(name string) types.AttributeDefinition {
	return types.AttributeDefinition{
		AttributeName: aws.String(name),
		AttributeType: types.ScalarAttributeTypeS,
	}
}

func keyElement(name string, keyType types.KeyType) types.KeySchemaElement {
	return types.KeySchemaElement{
		AttributeName: aws.String(name),
		KeyType:       keyType,
	}
}
