package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoBatchSize is the BatchWriteItem request limit.
const DynamoBatchSize = 25

// DynamoAPI is the subset of *dynamodb.Client used by the DynamoDB stores.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

func withDbRetry(ctx context.Context, fn func() error) error {
	return retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, fn, retries.IsRetriableDbError)
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperror.ErrStoreUnavailable, op, err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func unixAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func describeTable(ctx context.Context, client DynamoAPI, table string) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	return err
}

// batchWrite sends requests in groups of DynamoBatchSize and resubmits
// unprocessed items until the retry budget runs out.
func batchWrite(ctx context.Context, client DynamoAPI, table string, reqs []types.WriteRequest) error {
	for start := 0; start < len(reqs); start += DynamoBatchSize {
		end := min(start+DynamoBatchSize, len(reqs))
		pending := map[string][]types.WriteRequest{table: reqs[start:end]}

		err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
			out, err := client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return err
			}
			if len(out.UnprocessedItems[table]) > 0 {
				pending = out.UnprocessedItems
				return errUnprocessedItems
			}
			return nil
		}, isRetriableBatchError)
		if err != nil {
			return err
		}
	}
	return nil
}

var errUnprocessedItems = errors.New("unprocessed batch items")

func isRetriableBatchError(err error) bool {
	return errors.Is(err, errUnprocessedItems) || retries.IsRetriableDbError(err)
}
