// Package dynamorepo stores virtual-table schemas as JSON blobs in a
// DynamoDB metadata table whose hash key is `table_key` (S).
package dynamorepo

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo"
)

const (
	tableKeyAttr    = "table_key"
	descriptionAttr = "description"

	keyDelimiter = "/" // '/' cannot appear in tenant ids or table names
)

var keyExistsExpression = "attribute_not_exists(" + tableKeyAttr + ")"

type ddbsvc interface {
	GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error)
	DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error)
}

// Repo implements repo.TableDescriptionRepo on a DynamoDB table.
type Repo struct {
	table  string
	ddbsvc ddbsvc
}

// New returns a Repo backed by the given metadata table. The table must
// already exist.
func New(table string, ddb ddbsvc) *Repo {
	return &Repo{table: table, ddbsvc: ddb}
}

func (r *Repo) CreateTable(ctx context.Context, desc *metadata.TableDescription) (*metadata.TableDescription, error) {
	key, err := tableKey(ctx, desc.Name)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing schema of %s", desc.Name)
	}

	_, err = r.ddbsvc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]*dynamodb.AttributeValue{
			tableKeyAttr:    {S: aws.String(key)},
			descriptionAttr: {S: aws.String(string(blob))},
		},
		ConditionExpression: aws.String(keyExistsExpression),
	})
	if err != nil {
		if errIsConditionalCheckFailed(err) {
			return nil, errors.Wrap(repo.ErrTableExists, desc.Name)
		}
		return nil, err
	}
	return desc, nil
}

func (r *Repo) GetTableDescription(ctx context.Context, tableName string) (*metadata.TableDescription, error) {
	key, err := tableKey(ctx, tableName)
	if err != nil {
		return nil, err
	}

	result, err := r.ddbsvc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]*dynamodb.AttributeValue{
			tableKeyAttr: {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Item) == 0 {
		return nil, errors.Wrap(repo.ErrTableNotFound, tableName)
	}

	blobAttr := result.Item[descriptionAttr]
	if blobAttr == nil || blobAttr.S == nil {
		return nil, errors.Errorf("metadata item for %s has no %s attribute", tableName, descriptionAttr)
	}

	var desc metadata.TableDescription
	if err := json.Unmarshal([]byte(*blobAttr.S), &desc); err != nil {
		return nil, errors.Wrapf(err, "parsing schema of %s", tableName)
	}
	return &desc, nil
}

func (r *Repo) DeleteTable(ctx context.Context, tableName string) (*metadata.TableDescription, error) {
	desc, err := r.GetTableDescription(ctx, tableName)
	if err != nil {
		return nil, err
	}

	key, err := tableKey(ctx, tableName)
	if err != nil {
		return nil, err
	}
	_, err = r.ddbsvc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]*dynamodb.AttributeValue{
			tableKeyAttr: {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

func tableKey(ctx context.Context, tableName string) (string, error) {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return "", err
	}
	return tenant + keyDelimiter + tableName, nil
}

func errIsConditionalCheckFailed(err error) bool {
	awsErr, ok := err.(awserr.Error)
	return ok && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
