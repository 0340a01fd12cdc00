package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	OwnerIndexName   = "owner_id-index"
	storageKeyPrefix = "storage_key#"
)

type FileStore interface {
	// Create fails with apperror.ErrConflict when the file id or storage key is taken.
	Create(ctx context.Context, file models.File) error
	Get(ctx context.Context, fileId string) (*models.File, error)
	GetByStorageKey(ctx context.Context, storageKey string) (*models.File, error)
	UpdateStatus(ctx context.Context, fileId string, status models.FileStatus) error
	// MarkUploaded sets the record for storageKey to UPLOADED and reconciles its
	// size when one is given. Repeated calls leave the record unchanged.
	MarkUploaded(ctx context.Context, storageKey string, size *int64) (*models.File, error)
	Delete(ctx context.Context, fileId string) error
	ListByOwner(ctx context.Context, ownerId string) ([]models.File, error)
	ListStale(ctx context.Context, status models.FileStatus, createdBefore time.Time) ([]models.File, error)

	health.ReadinessCheck
}

type DynamoDbFileStoreImpl struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoDbFileStoreImpl(client DynamoAPI, tableName string) *DynamoDbFileStoreImpl {
	return &DynamoDbFileStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

// storageKeyGuard is a sibling item in the files table that reserves a
// storage key for one file id. It has no owner_id, so the owner index skips it.
type storageKeyGuard struct {
	Id        string `dynamodbav:"file_id"`
	RefFileId string `dynamodbav:"ref_file_id"`
}

func (s *DynamoDbFileStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbFileStoreImpl) Name() string {
	return "FileStore[" + s.tableName + "]"
}

func (s *DynamoDbFileStoreImpl) Create(ctx context.Context, file models.File) error {
	if file.FileId == "" || file.StorageKey == "" {
		return fmt.Errorf("%w: file id and storage key are required", apperror.ErrInvalidInput)
	}

	fileItem, err := attributevalue.MarshalMap(file)
	if err != nil {
		return err
	}
	guardItem, err := attributevalue.MarshalMap(storageKeyGuard{
		Id:        storageKeyPrefix + file.StorageKey,
		RefFileId: file.FileId,
	})
	if err != nil {
		return err
	}

	// one token for every attempt, so a retry of a committed write is a no-op
	token := uuid.NewString()
	err = withDbRetry(ctx, func() error {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			ClientRequestToken: aws.String(token),
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                fileItem,
					ConditionExpression: aws.String("attribute_not_exists(file_id)"),
				}},
				{Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                guardItem,
					ConditionExpression: aws.String("attribute_not_exists(file_id)"),
				}},
			},
		})
		return err
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: file %s or key %s", apperror.ErrConflict, file.FileId, file.StorageKey)
	}
	if err != nil {
		return storeUnavailable("create file", err)
	}
	return nil
}

func (s *DynamoDbFileStoreImpl) Get(ctx context.Context, fileId string) (*models.File, error) {
	var file models.File
	found, err := s.getItem(ctx, fileId, &file)
	if err != nil {
		return nil, storeUnavailable("get file", err)
	}
	if !found {
		return nil, apperror.ErrFileNotFound
	}
	return &file, nil
}

func (s *DynamoDbFileStoreImpl) GetByStorageKey(ctx context.Context, storageKey string) (*models.File, error) {
	var guard storageKeyGuard
	found, err := s.getItem(ctx, storageKeyPrefix+storageKey, &guard)
	if err != nil {
		return nil, storeUnavailable("get file by key", err)
	}
	if !found || guard.RefFileId == "" {
		return nil, apperror.ErrFileNotFound
	}
	return s.Get(ctx, guard.RefFileId)
}

func (s *DynamoDbFileStoreImpl) getItem(ctx context.Context, id string, out any) (bool, error) {
	var item map[string]types.AttributeValue
	err := withDbRetry(ctx, func() error {
		res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"file_id": &types.AttributeValueMemberS{Value: id},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return err
		}
		item = res.Item
		return nil
	})
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	return true, attributevalue.UnmarshalMap(item, out)
}

func (s *DynamoDbFileStoreImpl) UpdateStatus(ctx context.Context, fileId string, status models.FileStatus) error {
	err := withDbRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"file_id": &types.AttributeValueMemberS{Value: fileId},
			},
			ConditionExpression: aws.String("attribute_exists(file_id)"),
			UpdateExpression:    aws.String("SET #s = :s, updated_at = :u"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s": &types.AttributeValueMemberS{Value: status.String()},
				":u": unixAttr(time.Now()),
			},
		})
		return err
	})
	if isConditionFailed(err) {
		return apperror.ErrFileNotFound
	}
	if err != nil {
		return storeUnavailable("update file status", err)
	}
	return nil
}

func (s *DynamoDbFileStoreImpl) MarkUploaded(ctx context.Context, storageKey string, size *int64) (*models.File, error) {
	file, err := s.GetByStorageKey(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	if file.Status == models.FileStatusUploaded && (size == nil || (file.Size != nil && *file.Size == *size)) {
		return file, nil
	}

	update := "SET #s = :s, updated_at = :u"
	values := map[string]types.AttributeValue{
		":s": &types.AttributeValueMemberS{Value: models.FileStatusUploaded.String()},
		":u": unixAttr(time.Now()),
	}
	if size != nil {
		update += ", file_size = :z"
		values[":z"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(*size, 10)}
	}

	var attrs map[string]types.AttributeValue
	err = withDbRetry(ctx, func() error {
		out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"file_id": &types.AttributeValueMemberS{Value: file.FileId},
			},
			ConditionExpression:       aws.String("attribute_exists(file_id)"),
			UpdateExpression:          aws.String(update),
			ExpressionAttributeNames:  map[string]string{"#s": "status"},
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueAllNew,
		})
		if err != nil {
			return err
		}
		attrs = out.Attributes
		return nil
	})
	if isConditionFailed(err) {
		return nil, apperror.ErrFileNotFound
	}
	if err != nil {
		return nil, storeUnavailable("mark uploaded", err)
	}

	var updated models.File
	if err := attributevalue.UnmarshalMap(attrs, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the record and its storage key reservation. Unknown ids are a no-op.
func (s *DynamoDbFileStoreImpl) Delete(ctx context.Context, fileId string) error {
	file, err := s.Get(ctx, fileId)
	if errors.Is(err, apperror.ErrFileNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = withDbRetry(ctx, func() error {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"file_id": &types.AttributeValueMemberS{Value: file.FileId},
					},
				}},
				{Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"file_id": &types.AttributeValueMemberS{Value: storageKeyPrefix + file.StorageKey},
					},
				}},
			},
		})
		return err
	})
	if err != nil {
		return storeUnavailable("delete file", err)
	}
	return nil
}

func (s *DynamoDbFileStoreImpl) ListByOwner(ctx context.Context, ownerId string) ([]models.File, error) {
	files := []models.File{}
	var startKey map[string]types.AttributeValue

	for {
		var out *dynamodb.QueryOutput
		err := withDbRetry(ctx, func() error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.tableName),
				IndexName:              aws.String(OwnerIndexName),
				KeyConditionExpression: aws.String("owner_id = :o"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":o": &types.AttributeValueMemberS{Value: ownerId},
				},
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, storeUnavailable("list files", err)
		}

		var page []models.File
		if err = attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		files = append(files, page...)

		if len(out.LastEvaluatedKey) == 0 {
			return files, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoDbFileStoreImpl) ListStale(ctx context.Context, status models.FileStatus, createdBefore time.Time) ([]models.File, error) {
	var files []models.File
	var startKey map[string]types.AttributeValue

	for {
		var out *dynamodb.ScanOutput
		err := withDbRetry(ctx, func() error {
			var err error
			out, err = s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:        aws.String(s.tableName),
				FilterExpression: aws.String("#s = :s AND created_at < :t"),
				ExpressionAttributeNames: map[string]string{
					"#s": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":s": &types.AttributeValueMemberS{Value: status.String()},
					":t": unixAttr(createdBefore),
				},
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, storeUnavailable("scan stale files", err)
		}

		var page []models.File
		if err = attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		files = append(files, page...)

		if len(out.LastEvaluatedKey) == 0 {
			return files, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
