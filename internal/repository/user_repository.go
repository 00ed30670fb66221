package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/libris/libris/internal/dynamo"
	"github.com/libris/libris/internal/models"
	"github.com/sirupsen/logrus"
)

var ErrEmailExists = errors.New("user already exists")

type emailItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	UserID string `dynamodbav:"user_id"`
}

// UserRepository persists users in the single table. A second item keyed by
// email enforces uniqueness and serves lookups at login.
type UserRepository struct {
	client    dynamo.API
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client dynamo.API, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// GetByID returns nil, nil when the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{ID: id}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       dynamo.Key(user.GetPK(), user.GetSK()),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &dbUser, nil
}

// GetByEmail returns nil, nil when no user holds the email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       dynamo.Key(models.EmailPK(email), dynamo.SKMetadata),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get email index from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var idx emailItem
	if err := attributevalue.UnmarshalMap(result.Item, &idx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email index: %w", err)
	}

	return r.GetByID(ctx, idx.UserID)
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	item[dynamo.AttrPK] = dynamo.String(user.GetPK())
	item[dynamo.AttrSK] = dynamo.String(user.GetSK())

	idx, err := attributevalue.MarshalMap(emailItem{
		PK:     models.EmailPK(user.Email),
		SK:     dynamo.SKMetadata,
		UserID: user.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email index: %w", err)
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String(dynamo.CondNotExists),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                idx,
				ConditionExpression: aws.String(dynamo.CondNotExists),
			}},
		},
	})
	if err != nil {
		if dynamo.TransactionConditionFailed(err, 1) {
			return ErrEmailExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}
