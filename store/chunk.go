package store

import (
	"context"
	"fmt"
	"strconv"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ChunkStore is the ledger of parts reported by clients.
type ChunkStore interface {
	// Create never overwrites: a second row for the same (file, index) yields apperror.ErrDuplicateChunk.
	Create(ctx context.Context, chunk models.Chunk) error
	ListByFile(ctx context.Context, fileId string) ([]models.Chunk, error)
	CountByFile(ctx context.Context, fileId string) (int, error)
	MarkFailed(ctx context.Context, fileId string) error
	DeleteByFile(ctx context.Context, fileId string) error

	health.ReadinessCheck
}

type DynamoDbChunkStoreImpl struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoDbChunkStoreImpl(client DynamoAPI, tableName string) *DynamoDbChunkStoreImpl {
	return &DynamoDbChunkStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbChunkStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbChunkStoreImpl) Name() string {
	return "ChunkStore[" + s.tableName + "]"
}

func (s *DynamoDbChunkStoreImpl) Create(ctx context.Context, chunk models.Chunk) error {
	item, err := attributevalue.MarshalMap(chunk)
	if err != nil {
		return err
	}

	err = withDbRetry(ctx, func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(chunk_index)"),
		})
		return err
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: file %s chunk %d", apperror.ErrDuplicateChunk, chunk.FileId, chunk.ChunkIndex)
	}
	if err != nil {
		return storeUnavailable("create chunk", err)
	}
	return nil
}

func (s *DynamoDbChunkStoreImpl) ListByFile(ctx context.Context, fileId string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.query(ctx, fileId, types.SelectAllAttributes, func(out *dynamodb.QueryOutput) error {
		var page []models.Chunk
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return err
		}
		chunks = append(chunks, page...)
		return nil
	})
	return chunks, err
}

func (s *DynamoDbChunkStoreImpl) CountByFile(ctx context.Context, fileId string) (int, error) {
	total := 0
	err := s.query(ctx, fileId, types.SelectCount, func(out *dynamodb.QueryOutput) error {
		total += int(out.Count)
		return nil
	})
	return total, err
}

func (s *DynamoDbChunkStoreImpl) query(ctx context.Context, fileId string, sel types.Select, page func(*dynamodb.QueryOutput) error) error {
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := withDbRetry(ctx, func() error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.tableName),
				KeyConditionExpression: aws.String("file_id = :f"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":f": &types.AttributeValueMemberS{Value: fileId},
				},
				Select:            sel,
				ConsistentRead:    aws.Bool(true),
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return storeUnavailable("query chunks", err)
		}
		if err := page(out); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoDbChunkStoreImpl) MarkFailed(ctx context.Context, fileId string) error {
	chunks, err := s.ListByFile(ctx, fileId)
	if err != nil {
		return err
	}

	reqs := make([]types.WriteRequest, 0, len(chunks))
	for _, c := range chunks {
		c.Status = models.ChunkStatusFailed
		item, err := attributevalue.MarshalMap(c)
		if err != nil {
			return err
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	if err := batchWrite(ctx, s.client, s.tableName, reqs); err != nil {
		return storeUnavailable("mark chunks failed", err)
	}
	return nil
}

func (s *DynamoDbChunkStoreImpl) DeleteByFile(ctx context.Context, fileId string) error {
	chunks, err := s.ListByFile(ctx, fileId)
	if err != nil {
		return err
	}

	reqs := make([]types.WriteRequest, 0, len(chunks))
	for _, c := range chunks {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				"file_id":     &types.AttributeValueMemberS{Value: c.FileId},
				"chunk_index": &types.AttributeValueMemberN{Value: strconv.Itoa(int(c.ChunkIndex))},
			},
		}})
	}

	if err := batchWrite(ctx, s.client, s.tableName, reqs); err != nil {
		return storeUnavailable("delete chunks", err)
	}
	return nil
}
