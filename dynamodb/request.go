// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package dynamodb contains the DynamoDB implementation of the RequestStore.
// Counters are swapped with conditional UpdateItem calls and read with
// strongly consistent GetItem calls.
package dynamodb

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/awsutil"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

const keyAttribute = "request_id"

// Ensure type implements interface.
var _ filtermerge.RequestStore = (*RequestStore)(nil)

// item is the stored shape of a Request. Counter attribute names match
// filtermerge.Field values.
type item struct {
	RequestID        string                 `dynamodbav:"request_id"`
	Format           string                 `dynamodbav:"format"`
	FilterExpression string                 `dynamodbav:"filter_expression"`
	Inputs           []filtermerge.Location `dynamodbav:"inputs"`
	CreatedAt        time.Time              `dynamodbav:"created_at"`

	ExpectedPartition  int64 `dynamodbav:"expected_partition"`
	CompletedPartition int64 `dynamodbav:"completed_partition"`
	ExpectedFilter     int64 `dynamodbav:"expected_filter"`
	CompletedFilter    int64 `dynamodbav:"completed_filter"`
	ExpectedMerge      int64 `dynamodbav:"expected_merge"`
	CompletedMerge     int64 `dynamodbav:"completed_merge"`
	DispatchedMerge    int64 `dynamodbav:"dispatched_merge"`
}

func toItem(req *filtermerge.Request) item {
	p := req.Progress
	return item{
		RequestID:          string(req.ID),
		Format:             string(req.Format),
		FilterExpression:   req.FilterExpression,
		Inputs:             req.Inputs,
		CreatedAt:          req.CreatedAt,
		ExpectedPartition:  p.ExpectedPartition,
		CompletedPartition: p.CompletedPartition,
		ExpectedFilter:     p.ExpectedFilter,
		CompletedFilter:    p.CompletedFilter,
		ExpectedMerge:      p.ExpectedMerge,
		CompletedMerge:     p.CompletedMerge,
		DispatchedMerge:    p.DispatchedMerge,
	}
}

func (it item) request() *filtermerge.Request {
	return &filtermerge.Request{
		ID:               filtermerge.RequestID(it.RequestID),
		Format:           filtermerge.Format(it.Format),
		FilterExpression: it.FilterExpression,
		Inputs:           it.Inputs,
		CreatedAt:        it.CreatedAt,
		Progress: filtermerge.Progress{
			ExpectedPartition:  it.ExpectedPartition,
			CompletedPartition: it.CompletedPartition,
			ExpectedFilter:     it.ExpectedFilter,
			CompletedFilter:    it.CompletedFilter,
			ExpectedMerge:      it.ExpectedMerge,
			CompletedMerge:     it.CompletedMerge,
			DispatchedMerge:    it.DispatchedMerge,
		},
	}
}

// RequestStore keeps one item per request in a DynamoDB table whose hash
// key is the string attribute "request_id".
type RequestStore struct {
	client dynamodbiface.DynamoDBAPI
	table  string

	logger logger.Logger
}

// NewRequestStore returns a new instance of RequestStore.
func NewRequestStore(client dynamodbiface.DynamoDBAPI, table string, log logger.Logger) *RequestStore {
	if log == nil {
		log = logger.NopLogger
	}
	return &RequestStore{
		client: client,
		table:  table,
		logger: log,
	}
}

// EnsureTable creates the table with on-demand billing if it does not
// already exist.
func (s *RequestStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String(keyAttribute),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		}},
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String(keyAttribute),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
	})
	if awsutil.IsCode(err, dynamodb.ErrCodeResourceInUseException) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "creating table %s", s.table)
	}
	s.logger.Infof("created table %s", s.table)
	return s.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
}

func (s *RequestStore) key(id filtermerge.RequestID) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		keyAttribute: {S: aws.String(string(id))},
	}
}

func (s *RequestStore) PutRequest(ctx context.Context, req *filtermerge.Request) error {
	av, err := dynamodbattribute.MarshalMap(toItem(req))
	if err != nil {
		return errors.Wrap(err, "marshalling request")
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String(keyAttribute),
		},
	})
	if awsutil.IsCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
		return filtermerge.NewErrRequestExists(req.ID)
	} else if err != nil {
		return errors.Wrap(err, "putting request")
	}
	return nil
}

func (s *RequestStore) Request(ctx context.Context, id filtermerge.RequestID) (*filtermerge.Request, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting request")
	}
	if len(out.Item) == 0 {
		return nil, filtermerge.NewErrRequestDoesNotExist(id)
	}

	var it item
	if err := dynamodbattribute.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.Wrap(err, "unmarshalling request")
	}
	return it.request(), nil
}

func (s *RequestStore) CompareAndSwap(ctx context.Context, id filtermerge.RequestID, field filtermerge.Field, old, new int64) (bool, error) {
	if _, err := filtermerge.ParseField(string(field)); err != nil {
		return false, err
	}
	_, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(id),
		UpdateExpression:    aws.String("SET #f = :n"),
		ConditionExpression: aws.String("#f = :c"),
		ExpressionAttributeNames: map[string]*string{
			"#f": aws.String(string(field)),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":n": {N: aws.String(strconv.FormatInt(new, 10))},
			":c": {N: aws.String(strconv.FormatInt(old, 10))},
		},
	})
	if err == nil {
		return true, nil
	} else if !awsutil.IsCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
		return false, errors.Wrap(err, "updating request")
	}

	// The condition also fails when there is no item at all.
	if _, err := s.Request(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *RequestStore) Requests(ctx context.Context) ([]*filtermerge.Request, error) {
	var reqs []*filtermerge.Request
	var uerr error
	err := s.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, av := range page.Items {
			var it item
			if err := dynamodbattribute.UnmarshalMap(av, &it); err != nil {
				uerr = errors.Wrap(err, "unmarshalling request")
				return false
			}
			reqs = append(reqs, it.request())
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "scanning requests")
	} else if uerr != nil {
		return nil, uerr
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	return reqs, nil
}
