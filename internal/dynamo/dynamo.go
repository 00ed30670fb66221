// Package dynamo holds the DynamoDB client setup and the single-table key
// conventions shared by the user repository and the security store.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/libris/libris/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	AttrPK  = "PK"
	AttrSK  = "SK"
	AttrTTL = "TTL"

	SKMetadata = "METADATA"
)

// Condition expressions shared by the repositories. Expressions that use
// #ttl or #version expect the matching ExpressionAttributeNames.
const (
	CondNotExists = "attribute_not_exists(PK)"
	// CondNotLive admits a write when no item exists or the existing one has
	// expired but not yet been reaped by DynamoDB TTL.
	CondNotLive      = "attribute_not_exists(PK) OR #ttl <= :now"
	CondVersionMatch = "#version = :version"
)

// API is the subset of *dynamodb.Client used by this service.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// NewClient builds a DynamoDB client, pointing at a local endpoint when one
// is configured.
func NewClient(ctx context.Context, cfg *config.DynamoDBConfig, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.Endpoint,
						SigningRegion: cfg.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.TableName).Info("DynamoDB client initialized")
	return client, nil
}

func String(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func Number(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func Key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: String(pk),
		AttrSK: String(sk),
	}
}

// TTL encodes an expiry in the epoch-seconds format DynamoDB TTL expects.
func TTL(expiresAt time.Time) *types.AttributeValueMemberN {
	return Number(expiresAt.Unix())
}

// Expired reports whether item carries a TTL at or before now. DynamoDB
// deletes expired items lazily, so reads must filter them.
func Expired(item map[string]types.AttributeValue, now time.Time) bool {
	n, ok := item[AttrTTL].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= now.Unix()
}

func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// TransactionConditionFailed reports whether the transaction was cancelled
// because the condition on the item at index failed.
func TransactionConditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if index < 0 || index >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[index].Code
	return code != nil && *code == "ConditionalCheckFailed"
}
