package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

// fileReferenceItem flattens the table keys next to the reference.
type fileReferenceItem struct {
	StorageKey  string `dynamodbav:"storage"`
	ChecksumKey string `dynamodbav:"checksum"`
	domain.FileReference
}

// FileReferenceRepository manages DynamoDB interactions for FileReferences.
type FileReferenceRepository struct {
	client    *dynamodb.Client
	tableName string
}

// NewFileReferenceRepository initializes a new FileReferenceRepository.
func NewFileReferenceRepository(database *DynamoDb) *FileReferenceRepository {
	return &FileReferenceRepository{
		client:    database.Client,
		tableName: database.Table(FileReferencesTable),
	}
}

func (repo *FileReferenceRepository) key(storage, checksum string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"storage":  &types.AttributeValueMemberS{Value: storage},
		"checksum": &types.AttributeValueMemberS{Value: checksum},
	}
}

func (repo *FileReferenceRepository) get(ctx context.Context, storage, checksum string) (domain.FileReference, error) {
	result, err := repo.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(repo.tableName),
		Key:            repo.key(storage, checksum),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.FileReference{}, fmt.Errorf("failed to get file reference: %w", err)
	}
	if result.Item == nil {
		return domain.FileReference{}, zerrors.NotFoundError("file reference %s", domain.NaturalKey(storage, checksum))
	}

	var item fileReferenceItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return domain.FileReference{}, fmt.Errorf("failed to unmarshal file reference: %w", err)
	}
	return item.FileReference, nil
}

// put writes ref if the stored version still equals expected (0: must not exist).
func (repo *FileReferenceRepository) put(ctx context.Context, ref domain.FileReference, expected int64) error {
	item, err := attributevalue.MarshalMap(fileReferenceItem{
		StorageKey:    ref.Storage(),
		ChecksumKey:   ref.Checksum(),
		FileReference: ref,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal file reference: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(repo.tableName),
		Item:      item,
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#storage)")
		input.ExpressionAttributeNames = map[string]string{"#storage": "storage"}
	} else {
		input.ConditionExpression = aws.String("#version = :version")
		input.ExpressionAttributeNames = map[string]string{"#version": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{":version": numberValue(expected)}
	}

	_, err = repo.client.PutItem(ctx, input)
	return err
}

// GetFileReference retrieves the reference of a file on one storage.
func (repo *FileReferenceRepository) GetFileReference(ctx context.Context, storage, checksum string) (domain.FileReference, error) {
	return repo.get(ctx, storage, checksum)
}

// ListFileReferencesByChecksum queries the checksum index.
func (repo *FileReferenceRepository) ListFileReferencesByChecksum(ctx context.Context, checksum string) ([]domain.FileReference, error) {
	return repo.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		IndexName:              aws.String(ChecksumIndex),
		KeyConditionExpression: aws.String("#checksum = :checksum"),
		ExpressionAttributeNames: map[string]string{
			"#checksum": "checksum",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":checksum": &types.AttributeValueMemberS{Value: checksum},
		},
	})
}

// ListFileReferencesByStorage retrieves all references of one storage location.
func (repo *FileReferenceRepository) ListFileReferencesByStorage(ctx context.Context, storage string) ([]domain.FileReference, error) {
	return repo.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		KeyConditionExpression: aws.String("#storage = :storage"),
		ExpressionAttributeNames: map[string]string{
			"#storage": "storage",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":storage": &types.AttributeValueMemberS{Value: storage},
		},
		ConsistentRead: aws.Bool(true),
	})
}

func (repo *FileReferenceRepository) query(ctx context.Context, input *dynamodb.QueryInput) ([]domain.FileReference, error) {
	var refs []domain.FileReference
	paginator := dynamodb.NewQueryPaginator(repo.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query file references: %w", err)
		}
		for _, raw := range page.Items {
			var item fileReferenceItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal file reference: %w", err)
			}
			refs = append(refs, item.FileReference)
		}
	}
	return refs, nil
}

// CreateFileReference stores a new reference.
func (repo *FileReferenceRepository) CreateFileReference(ctx context.Context, ref domain.FileReference) (domain.FileReference, error) {
	ref.Version = 1
	if err := repo.put(ctx, ref, 0); err != nil {
		if isConditionFailed(err) {
			return domain.FileReference{}, fmt.Errorf("%w: file reference %s already exists", zerrors.ErrConflict, domain.NaturalKey(ref.Storage(), ref.Checksum()))
		}
		return domain.FileReference{}, fmt.Errorf("failed to create file reference: %w", err)
	}
	return ref, nil
}

// UpdateFileReference re-reads and re-applies fn until the conditional put wins.
func (repo *FileReferenceRepository) UpdateFileReference(ctx context.Context, storage, checksum string, fn func(*domain.FileReference) error) (domain.FileReference, error) {
	var updated domain.FileReference
	err := withOptimisticRetry(ctx, func() error {
		ref, err := repo.get(ctx, storage, checksum)
		if err != nil {
			return err
		}
		if err := fn(&ref); err != nil {
			return err
		}
		expected := ref.Version
		ref.Version++
		if err := repo.put(ctx, ref, expected); err != nil {
			return err
		}
		updated = ref
		return nil
	})
	if err != nil {
		return domain.FileReference{}, err
	}
	return updated, nil
}

// DeleteFileReference removes a reference.
func (repo *FileReferenceRepository) DeleteFileReference(ctx context.Context, storage, checksum string) error {
	_, err := repo.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(repo.tableName),
		Key:                      repo.key(storage, checksum),
		ConditionExpression:      aws.String("attribute_exists(#storage)"),
		ExpressionAttributeNames: map[string]string{"#storage": "storage"},
	})
	if isConditionFailed(err) {
		return zerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete file reference: %w", err)
	}
	return nil
}
