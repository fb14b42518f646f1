package db

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

// Every ledger shares the requests table. Besides request items it holds one
// lock item per natural key ("nk#<kind>#<key>") and the sequence counter.
const (
	attrID        = "id"
	attrKind      = "kind"
	attrStatusKey = "status_key"
	attrSortKey   = "sort_key"
	attrRequestID = "request_id"
	attrVersion   = "version"
	sequenceID    = "seq#requests"
)

// RequestRepository is one request ledger stored in DynamoDB.
type RequestRepository[T domain.Request] struct {
	client     *dynamodb.Client
	tableName  string
	kind       domain.RequestKind
	newRequest func() T
	now        func() time.Time
}

// NewRequestRepository initializes a ledger of the given kind.
func NewRequestRepository[T domain.Request](database *DynamoDb, kind domain.RequestKind, newRequest func() T) *RequestRepository[T] {
	return &RequestRepository[T]{
		client:     database.Client,
		tableName:  database.Table(FileRequestsTable),
		kind:       kind,
		newRequest: newRequest,
		now:        time.Now,
	}
}

func NewStorageRequestRepository(database *DynamoDb) *RequestRepository[*domain.StorageRequest] {
	return NewRequestRepository(database, domain.KindStorage, func() *domain.StorageRequest { return &domain.StorageRequest{} })
}

func NewDeletionRequestRepository(database *DynamoDb) *RequestRepository[*domain.DeletionRequest] {
	return NewRequestRepository(database, domain.KindDeletion, func() *domain.DeletionRequest { return &domain.DeletionRequest{} })
}

func NewCacheRequestRepository(database *DynamoDb) *RequestRepository[*domain.CacheRequest] {
	return NewRequestRepository(database, domain.KindRestoration, func() *domain.CacheRequest { return &domain.CacheRequest{} })
}

func NewCopyRequestRepository(database *DynamoDb) *RequestRepository[*domain.CopyRequest] {
	return NewRequestRepository(database, domain.KindCopy, func() *domain.CopyRequest { return &domain.CopyRequest{} })
}

func (r *RequestRepository[T]) lockID(naturalKey string) string {
	return "nk#" + string(r.kind) + "#" + naturalKey
}

func (r *RequestRepository[T]) statusKey(status domain.RequestStatus) string {
	return string(r.kind) + "#" + string(status)
}

func sortKey(storage string, seq uint64) string {
	return fmt.Sprintf("%s#%020d", storage, seq)
}

func (r *RequestRepository[T]) marshal(req T) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", r.kind, err)
	}
	h := req.Header()
	item[attrKind] = &types.AttributeValueMemberS{Value: string(r.kind)}
	item[attrStatusKey] = &types.AttributeValueMemberS{Value: r.statusKey(h.Status)}
	item[attrSortKey] = &types.AttributeValueMemberS{Value: sortKey(h.Storage, h.Seq)}
	return item, nil
}

func (r *RequestRepository[T]) unmarshal(item map[string]types.AttributeValue) (T, error) {
	req := r.newRequest()
	if err := attributevalue.UnmarshalMap(item, req); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal %s request: %w", r.kind, err)
	}
	return req, nil
}

func (r *RequestRepository[T]) versionCondition(version int64) (*string, map[string]string, map[string]types.AttributeValue) {
	return aws.String("#kind = :kind AND #version = :version"),
		map[string]string{"#kind": attrKind, "#version": attrVersion},
		map[string]types.AttributeValue{
			":kind":    &types.AttributeValueMemberS{Value: string(r.kind)},
			":version": numberValue(version),
		}
}

// nextSeq increments the shared counter item.
func (r *RequestRepository[T]) nextSeq(ctx context.Context) (uint64, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       stringKey(attrID, sequenceID),
		UpdateExpression:          aws.String("ADD #value :one"),
		ExpressionAttributeNames:  map[string]string{"#value": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": numberValue(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}
	n, ok := out.Attributes["value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("sequence counter has no numeric value")
	}
	return strconv.ParseUint(n.Value, 10, 64)
}

// GetRequest retrieves a request by id.
func (r *RequestRepository[T]) GetRequest(ctx context.Context, id string) (T, error) {
	var zero T
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            stringKey(attrID, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return zero, fmt.Errorf("failed to get %s request: %w", r.kind, err)
	}
	if result.Item == nil {
		return zero, zerrors.NotFoundError("%s request %s", r.kind, id)
	}
	if kind, ok := result.Item[attrKind].(*types.AttributeValueMemberS); !ok || kind.Value != string(r.kind) {
		return zero, zerrors.NotFoundError("%s request %s", r.kind, id)
	}
	return r.unmarshal(result.Item)
}

// FindByNaturalKey follows the lock item to the request holding key.
func (r *RequestRepository[T]) FindByNaturalKey(ctx context.Context, key string) (T, error) {
	var zero T
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            stringKey(attrID, r.lockID(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return zero, fmt.Errorf("failed to get %s request lock: %w", r.kind, err)
	}
	id, ok := result.Item[attrRequestID].(*types.AttributeValueMemberS)
	if !ok {
		return zero, zerrors.NotFoundError("%s request for %s", r.kind, key)
	}
	return r.GetRequest(ctx, id.Value)
}

// CreateRequest writes the request and its natural key lock in one transaction.
func (r *RequestRepository[T]) CreateRequest(ctx context.Context, req T) (T, error) {
	var zero T
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to allocate request sequence: %w", err)
	}

	h := req.Header()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = domain.StatusTodo
	}
	now := r.now().UTC()
	h.Seq = seq
	h.CreatedAt = now
	h.UpdatedAt = now
	h.Version = 1

	item, err := r.marshal(req)
	if err != nil {
		return zero, err
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item: map[string]types.AttributeValue{
					attrID:        &types.AttributeValueMemberS{Value: r.lockID(req.NaturalKey())},
					attrRequestID: &types.AttributeValueMemberS{Value: h.ID},
				},
				ConditionExpression:      aws.String("attribute_not_exists(#id)"),
				ExpressionAttributeNames: map[string]string{"#id": attrID},
			}},
			{Put: &types.Put{
				TableName:                aws.String(r.tableName),
				Item:                     item,
				ConditionExpression:      aws.String("attribute_not_exists(#id)"),
				ExpressionAttributeNames: map[string]string{"#id": attrID},
			}},
		},
	})
	if isConditionFailed(err) {
		return zero, fmt.Errorf("%w: %s request for %s already exists", zerrors.ErrConflict, r.kind, req.NaturalKey())
	}
	if err != nil {
		return zero, fmt.Errorf("failed to create %s request: %w", r.kind, err)
	}
	return req, nil
}

// UpdateRequest re-reads and re-applies fn until the versioned put wins.
func (r *RequestRepository[T]) UpdateRequest(ctx context.Context, id string, fn func(T) error) (T, error) {
	var updated T
	err := withOptimisticRetry(ctx, func() error {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		naturalKey := req.NaturalKey()
		if err := fn(req); err != nil {
			return err
		}
		if req.NaturalKey() != naturalKey {
			return fmt.Errorf("%s request %s: natural key cannot change", r.kind, id)
		}
		h := req.Header()
		expected := h.Version
		h.UpdatedAt = r.now().UTC()
		h.Version++

		item, err := r.marshal(req)
		if err != nil {
			return err
		}
		cond, names, values := r.versionCondition(expected)
		if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(r.tableName),
			Item:                      item,
			ConditionExpression:       cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return updated, nil
}

func (r *RequestRepository[T]) deleteItems(req T) []types.TransactWriteItem {
	h := req.Header()
	cond, names, values := r.versionCondition(h.Version)
	return []types.TransactWriteItem{
		{Delete: &types.Delete{
			TableName:                 aws.String(r.tableName),
			Key:                       stringKey(attrID, h.ID),
			ConditionExpression:       cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}},
		{Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key:       stringKey(attrID, r.lockID(req.NaturalKey())),
		}},
	}
}

// DeleteRequest removes a request and its natural key lock.
func (r *RequestRepository[T]) DeleteRequest(ctx context.Context, id string) error {
	return withOptimisticRetry(ctx, func() error {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: r.deleteItems(req),
		})
		return err
	})
}

// DeleteRequestIf removes a request only while its status is one of from.
// The version condition on the delete keeps the status check and the
// delete atomic.
func (r *RequestRepository[T]) DeleteRequestIf(ctx context.Context, id string, from []domain.RequestStatus) error {
	return withOptimisticRetry(ctx, func() error {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if h := req.Header(); !slices.Contains(from, h.Status) {
			return fmt.Errorf("%w: %s request %s is %s", zerrors.ErrConflict, r.kind, id, h.Status)
		}
		_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: r.deleteItems(req),
		})
		return err
	})
}

// ListStorages reads the sort keys of the status index and keeps the distinct storages.
func (r *RequestRepository[T]) ListStorages(ctx context.Context, status domain.RequestStatus) ([]string, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#sk = :sk"),
		ProjectionExpression:   aws.String("#sort"),
		ExpressionAttributeNames: map[string]string{
			"#sk":   attrStatusKey,
			"#sort": attrSortKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: r.statusKey(status)},
		},
	})

	var storages []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s storages: %w", r.kind, err)
		}
		for _, item := range page.Items {
			sk, ok := item[attrSortKey].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			storage := sk.Value[:strings.LastIndex(sk.Value, "#")]
			if !slices.Contains(storages, storage) {
				storages = append(storages, storage)
			}
		}
	}
	return storages, nil
}

// ListPage queries one storage's slice of the status index.
func (r *RequestRepository[T]) ListPage(ctx context.Context, storage string, status domain.RequestStatus, afterSeq uint64, limit int) ([]T, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#sk = :sk AND #sort BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]string{
			"#sk":   attrStatusKey,
			"#sort": attrSortKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk":   &types.AttributeValueMemberS{Value: r.statusKey(status)},
			":from": &types.AttributeValueMemberS{Value: sortKey(storage, afterSeq+1)},
			":to":   &types.AttributeValueMemberS{Value: storage + "#~"},
		},
		Limit: aws.Int32(int32(limit)),
	})

	var page []T
	for paginator.HasMorePages() && len(page) < limit {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to page %s requests: %w", r.kind, err)
		}
		for _, item := range out.Items {
			if len(page) == limit {
				break
			}
			req, err := r.unmarshal(item)
			if err != nil {
				return nil, err
			}
			page = append(page, req)
		}
	}
	return page, nil
}

// TransitionRequests writes every update in one transaction, so at most
// maxTransactItems requests can move at once.
func (r *RequestRepository[T]) TransitionRequests(ctx context.Context, ids []string, from []domain.RequestStatus, fn func(T)) ([]T, error) {
	if len(ids) > maxTransactItems {
		return nil, fmt.Errorf("cannot transition %d %s requests at once, the limit is %d", len(ids), r.kind, maxTransactItems)
	}

	var updated []T
	err := withOptimisticRetry(ctx, func() error {
		updated = updated[:0]
		now := r.now().UTC()
		items := make([]types.TransactWriteItem, 0, len(ids))
		for _, id := range ids {
			req, err := r.GetRequest(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: %v", zerrors.ErrConflict, err)
			}
			h := req.Header()
			if !slices.Contains(from, h.Status) {
				return fmt.Errorf("%w: %s request %s is %s", zerrors.ErrConflict, r.kind, id, h.Status)
			}
			expected := h.Version
			fn(req)
			h.UpdatedAt = now
			h.Version++

			item, err := r.marshal(req)
			if err != nil {
				return err
			}
			cond, names, values := r.versionCondition(expected)
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:                 aws.String(r.tableName),
				Item:                      item,
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}})
			updated = append(updated, req)
		}
		_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SearchRequests scans the ledger's items and filters them client side.
func (r *RequestRepository[T]) SearchRequests(ctx context.Context, filter repository.RequestFilter) ([]T, error) {
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:                aws.String(r.tableName),
		FilterExpression:         aws.String("#kind = :kind"),
		ExpressionAttributeNames: map[string]string{"#kind": attrKind},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind": &types.AttributeValueMemberS{Value: string(r.kind)},
		},
		ConsistentRead: aws.Bool(true),
	})

	var found []T
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s requests: %w", r.kind, err)
		}
		for _, item := range page.Items {
			req, err := r.unmarshal(item)
			if err != nil {
				return nil, err
			}
			if filter.Matches(req.Header()) {
				found = append(found, req)
			}
		}
	}
	slices.SortFunc(found, func(a, b T) int {
		switch {
		case a.Header().Seq < b.Header().Seq:
			return -1
		case a.Header().Seq > b.Header().Seq:
			return 1
		}
		return 0
	})
	return found, nil
}

// DeleteRequests removes matching requests one by one. Requests modified
// since the scan are skipped.
func (r *RequestRepository[T]) DeleteRequests(ctx context.Context, filter repository.RequestFilter) (int, error) {
	found, err := r.SearchRequests(ctx, filter)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, req := range found {
		_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: r.deleteItems(req),
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to delete %s request %s: %w", r.kind, req.Header().ID, err)
		}
		deleted++
	}
	return deleted, nil
}
