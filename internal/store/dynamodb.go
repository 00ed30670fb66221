package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/libris/libris/internal/dynamo"
	"github.com/libris/libris/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	skRevoked    = "REVOKED"
	memberPrefix = "MEMBER#"

	failureWriteAttempts = 5
	batchWriteLimit      = 25
	batchWriteAttempts   = 3
)

// DynamoDB stores security state in the service's single table:
//
//	BLACKLIST#<hash>        METADATA        consumed refresh token
//	FAMILY#<id>             MEMBER#<hash>   refresh token issued in family
//	FAMILY#<id>             REVOKED         family tombstone
//	LOGIN_FAILURES#<email>  METADATA        failed-login counter
//
// Every item carries a TTL attribute.
type DynamoDB struct {
	client    dynamo.API
	tableName string
	policy    LockoutPolicy
	familyTTL time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

func NewDynamoDB(client dynamo.API, tableName string, policy LockoutPolicy, familyTTL time.Duration, logger *logrus.Logger) *DynamoDB {
	return &DynamoDB{
		client:    client,
		tableName: tableName,
		policy:    policy,
		familyTTL: familyTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the clock used for TTLs and lockout timestamps.
func (s *DynamoDB) WithClock(now func() time.Time) *DynamoDB {
	s.now = now
	return s
}

func blacklistPK(hash string) string { return "BLACKLIST#" + hash }
func familyPK(id string) string      { return "FAMILY#" + id }
func failuresPK(acct string) string  { return "LOGIN_FAILURES#" + NormalizeAccount(acct) }

type failureItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Count         int    `dynamodbav:"Count"`
	LastAttemptAt int64  `dynamodbav:"LastAttemptAt"`
	LockedUntil   int64  `dynamodbav:"LockedUntil"`
	Version       int64  `dynamodbav:"Version"`
	TTL           int64  `dynamodbav:"TTL"`
}

func (i failureItem) record() models.FailedLoginRecord {
	rec := models.FailedLoginRecord{
		Count:         i.Count,
		LastAttemptAt: time.UnixMilli(i.LastAttemptAt),
	}
	if i.LockedUntil > 0 {
		rec.LockedUntil = time.UnixMilli(i.LockedUntil)
	}
	return rec
}

func (s *DynamoDB) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamo.Key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if result.Item == nil || dynamo.Expired(result.Item, s.now()) {
		return nil, nil
	}
	return result.Item, nil
}

func (s *DynamoDB) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	item, err := s.getItem(ctx, blacklistPK(tokenHash), dynamo.SKMetadata)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (s *DynamoDB) Blacklist(ctx context.Context, tokenHash string, ttl time.Duration) (bool, error) {
	now := s.now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:   dynamo.String(blacklistPK(tokenHash)),
			dynamo.AttrSK:   dynamo.String(dynamo.SKMetadata),
			"BlacklistedAt": dynamo.String(now.Format(time.RFC3339)),
			dynamo.AttrTTL:  dynamo.TTL(now.Add(clampTTL(ttl))),
		},
		ConditionExpression:      aws.String(dynamo.CondNotLive),
		ExpressionAttributeNames: map[string]string{"#ttl": dynamo.AttrTTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": dynamo.Number(now.Unix()),
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return false, nil
		}
		s.logger.WithError(err).Error("Failed to blacklist token in DynamoDB")
		return false, unavailable(err)
	}
	return true, nil
}

func (s *DynamoDB) RecordFamilyMember(ctx context.Context, familyID, tokenHash string, ttl time.Duration) error {
	now := s.now()
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.tableName),
					Key:                 dynamo.Key(familyPK(familyID), skRevoked),
					ConditionExpression: aws.String(dynamo.CondNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						dynamo.AttrPK:  dynamo.String(familyPK(familyID)),
						dynamo.AttrSK:  dynamo.String(memberPrefix + tokenHash),
						"IssuedAt":     dynamo.String(now.Format(time.RFC3339)),
						dynamo.AttrTTL: dynamo.TTL(now.Add(clampTTL(ttl))),
					},
				},
			},
		},
	})
	if err != nil {
		if dynamo.TransactionConditionFailed(err, 0) {
			return ErrFamilyRevoked
		}
		s.logger.WithError(err).Error("Failed to record family member in DynamoDB")
		return unavailable(err)
	}
	return nil
}

func (s *DynamoDB) FamilyHasMember(ctx context.Context, familyID, tokenHash string) (bool, error) {
	tombstone, err := s.getItem(ctx, familyPK(familyID), skRevoked)
	if err != nil {
		return false, err
	}
	if tombstone != nil {
		return false, nil
	}
	member, err := s.getItem(ctx, familyPK(familyID), memberPrefix+tokenHash)
	if err != nil {
		return false, err
	}
	return member != nil, nil
}

// RevokeFamily writes the tombstone first; membership checks honour it, so
// the member cleanup that follows is best-effort.
func (s *DynamoDB) RevokeFamily(ctx context.Context, familyID string) error {
	now := s.now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:  dynamo.String(familyPK(familyID)),
			dynamo.AttrSK:  dynamo.String(skRevoked),
			"RevokedAt":    dynamo.String(now.Format(time.RFC3339)),
			dynamo.AttrTTL: dynamo.TTL(now.Add(clampTTL(s.familyTTL))),
		},
	})
	if err != nil {
		s.logger.WithError(err).WithField("family_id", familyID).Error("Failed to revoke token family in DynamoDB")
		return unavailable(err)
	}

	if err := s.deleteMembers(ctx, familyID); err != nil {
		s.logger.WithError(err).WithField("family_id", familyID).Warn("Failed to clean up revoked family members")
	}
	return nil
}

func (s *DynamoDB) deleteMembers(ctx context.Context, familyID string) error {
	var startKey map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :member)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     dynamo.String(familyPK(familyID)),
				":member": dynamo.String(memberPrefix),
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return fmt.Errorf("failed to query family members: %w", err)
		}

		for start := 0; start < len(result.Items); start += batchWriteLimit {
			end := min(start+batchWriteLimit, len(result.Items))
			requests := make([]types.WriteRequest, 0, end-start)
			for _, item := range result.Items[start:end] {
				requests = append(requests, types.WriteRequest{
					DeleteRequest: &types.DeleteRequest{
						Key: map[string]types.AttributeValue{
							dynamo.AttrPK: item[dynamo.AttrPK],
							dynamo.AttrSK: item[dynamo.AttrSK],
						},
					},
				})
			}
			if err := s.batchDelete(ctx, requests); err != nil {
				return err
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = result.LastEvaluatedKey
	}
}

func (s *DynamoDB) loadFailures(ctx context.Context, accountID string) (*failureItem, error) {
	item, err := s.getItem(ctx, failuresPK(accountID), dynamo.SKMetadata)
	if err != nil || item == nil {
		return nil, err
	}
	var fi failureItem
	if err := attributevalue.UnmarshalMap(item, &fi); err != nil {
		return nil, unavailable(fmt.Errorf("failed to unmarshal failure record: %w", err))
	}
	return &fi, nil
}

// RecordFailedLogin is an optimistic read-modify-write guarded by a version
// condition, retried when a concurrent writer wins.
func (s *DynamoDB) RecordFailedLogin(ctx context.Context, accountID string) (models.FailedLoginRecord, error) {
	for attempt := 0; attempt < failureWriteAttempts; attempt++ {
		current, err := s.loadFailures(ctx, accountID)
		if err != nil {
			return models.FailedLoginRecord{}, err
		}

		now := s.now()
		var rec models.FailedLoginRecord
		var version int64
		if current != nil {
			rec = current.record()
			version = current.Version
		}
		if staleFailures(rec, now, s.policy.Window) {
			rec = models.FailedLoginRecord{}
		}
		rec.Count++
		rec.LastAttemptAt = now
		if rec.Count >= s.policy.Threshold && !rec.Locked(now) {
			rec.LockedUntil = now.Add(s.policy.Duration)
		}

		next := failureItem{
			PK:            failuresPK(accountID),
			SK:            dynamo.SKMetadata,
			Count:         rec.Count,
			LastAttemptAt: now.UnixMilli(),
			Version:       version + 1,
			TTL:           now.Add(s.policy.Window + s.policy.Duration).Unix(),
		}
		if !rec.LockedUntil.IsZero() {
			next.LockedUntil = rec.LockedUntil.UnixMilli()
		}
		item, err := attributevalue.MarshalMap(next)
		if err != nil {
			return models.FailedLoginRecord{}, fmt.Errorf("failed to marshal failure record: %w", err)
		}

		input := &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      item,
		}
		if current == nil {
			input.ConditionExpression = aws.String(dynamo.CondNotLive)
			input.ExpressionAttributeNames = map[string]string{"#ttl": dynamo.AttrTTL}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{":now": dynamo.Number(now.Unix())}
		} else {
			input.ConditionExpression = aws.String(dynamo.CondVersionMatch)
			input.ExpressionAttributeNames = map[string]string{"#version": "Version"}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{":version": dynamo.Number(version)}
		}

		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return rec, nil
		}
		if !dynamo.IsConditionalCheckFailed(err) {
			return models.FailedLoginRecord{}, unavailable(err)
		}
	}
	return models.FailedLoginRecord{}, unavailable(errors.New("failed-login record contention"))
}

func (s *DynamoDB) IsLocked(ctx context.Context, accountID string) (bool, error) {
	current, err := s.loadFailures(ctx, accountID)
	if err != nil || current == nil {
		return false, err
	}
	return current.record().Locked(s.now()), nil
}

func (s *DynamoDB) ClearFailedLogins(ctx context.Context, accountID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamo.Key(failuresPK(accountID), dynamo.SKMetadata),
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// batchDelete resubmits UnprocessedItems, which DynamoDB returns when a batch
// is throttled, until the batch drains or the attempts run out.
func (s *DynamoDB) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; attempt < batchWriteAttempts; attempt++ {
		result, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return fmt.Errorf("failed to delete family members: %w", err)
		}
		if len(result.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = result.UnprocessedItems
	}
	return fmt.Errorf("failed to delete family members: %d left unprocessed", len(pending[s.tableName]))
}
