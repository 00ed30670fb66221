// Package dynamotest provides an in-memory stand-in for DynamoDB in tests.
package dynamotest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/libris/libris/internal/dynamo"
)

var _ dynamo.API = (*Fake)(nil)

// Fake is an in-memory table implementing dynamo.API. It evaluates only the
// condition expressions exported by package dynamo.
type Fake struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	failAll error
	// conflicts forces that many version-conditioned puts to fail.
	conflicts  int
	batchCalls int
	// unprocessed leaves that many batch write requests undone.
	unprocessed int
}

func New() *Fake {
	return &Fake{items: make(map[string]map[string]types.AttributeValue)}
}

// FailWith makes every subsequent call return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// FailVersionChecks forces the next n version-conditioned writes to fail.
func (f *Fake) FailVersionChecks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

// LeaveUnprocessed makes the next batch writes report n requests as
// UnprocessedItems, the way a throttled table does.
func (f *Fake) LeaveUnprocessed(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unprocessed = n
}

func (f *Fake) BatchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

// Keys lists stored items as "PK|SK".
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	return keys
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[pk+"|"+sk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func itemKey(item map[string]types.AttributeValue) string {
	return attrS(item, dynamo.AttrPK) + "|" + attrS(item, dynamo.AttrSK)
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *Fake) conditionHolds(cond *string, existing map[string]types.AttributeValue, values map[string]types.AttributeValue) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch *cond {
	case dynamo.CondNotExists:
		return existing == nil, nil
	case dynamo.CondNotLive:
		return existing == nil || attrN(existing, dynamo.AttrTTL) <= attrN(values, ":now"), nil
	case dynamo.CondVersionMatch:
		if f.conflicts > 0 {
			f.conflicts--
			return false, nil
		}
		return existing != nil && attrN(existing, "Version") == attrN(values, ":version"), nil
	default:
		return false, fmt.Errorf("fake: unsupported condition %q", *cond)
	}
}

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	key := itemKey(in.Item)
	ok, err := f.conditionHolds(in.ConditionExpression, f.items[key], in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	f.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	pk := attrS(in.ExpressionAttributeValues, ":pk")
	prefix := attrS(in.ExpressionAttributeValues, ":member")
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrS(item, dynamo.AttrPK) == pk && strings.HasPrefix(attrS(item, dynamo.AttrSK), prefix) {
			out = append(out, copyItem(item))
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *Fake) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		var ok bool
		var err error
		switch {
		case ti.ConditionCheck != nil:
			ok, err = f.conditionHolds(ti.ConditionCheck.ConditionExpression, f.items[itemKey(ti.ConditionCheck.Key)], ti.ConditionCheck.ExpressionAttributeValues)
		case ti.Put != nil:
			ok, err = f.conditionHolds(ti.Put.ConditionExpression, f.items[itemKey(ti.Put.Item)], ti.Put.ExpressionAttributeValues)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("cancelled"), CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKey(ti.Put.Item)] = copyItem(ti.Put.Item)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *Fake) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.batchCalls++
	unprocessed := make(map[string][]types.WriteRequest)
	for table, requests := range in.RequestItems {
		if len(requests) > 25 {
			return nil, fmt.Errorf("fake: batch of %d exceeds limit", len(requests))
		}
		for _, r := range requests {
			if f.unprocessed > 0 {
				f.unprocessed--
				unprocessed[table] = append(unprocessed[table], r)
				continue
			}
			if r.DeleteRequest != nil {
				delete(f.items, itemKey(r.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed}, nil
}

