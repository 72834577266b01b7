package sharedtable

import (
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
)

// RequestWrapper is a capability interface over the mutating and reading
// request shapes whose conditions get rewritten. The "primary expression" is
// the update expression for updates and the condition expression otherwise;
// the filter expression is a separate condition where the request carries
// one. Methods that do not apply to a given carrier return ErrUnsupported.
type RequestWrapper interface {
	ExpressionAttributeNames() map[string]*string
	PutExpressionAttributeName(placeholder, name string)
	ExpressionAttributeValues() map[string]*dynamodb.AttributeValue
	PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue)

	PrimaryExpression() *string
	SetPrimaryExpression(expr *string)

	FilterExpression() *string
	SetFilterExpression(expr *string)

	IndexName() (*string, error)
	SetIndexName(indexName *string) error

	LegacyExpression() (map[string]*dynamodb.Condition, error)
	SetLegacyExpression(conditions map[string]*dynamodb.Condition) error

	ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error)
	SetExclusiveStartKey(key map[string]*dynamodb.AttributeValue) error
}

func errNotApplicable(op, request string) error {
	return errors.Wrapf(ErrUnsupported, "%s does not apply to %s", op, request)
}

type putItemRequestWrapper struct {
	req *dynamodb.PutItemInput
}

func (w putItemRequestWrapper) ExpressionAttributeNames() map[string]*string {
	return w.req.ExpressionAttributeNames
}

func (w putItemRequestWrapper) PutExpressionAttributeName(placeholder, name string) {
	if w.req.ExpressionAttributeNames == nil {
		w.req.ExpressionAttributeNames = map[string]*string{}
	}
	w.req.ExpressionAttributeNames[placeholder] = &name
}

func (w putItemRequestWrapper) ExpressionAttributeValues() map[string]*dynamodb.AttributeValue {
	return w.req.ExpressionAttributeValues
}

func (w putItemRequestWrapper) PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue) {
	if w.req.ExpressionAttributeValues == nil {
		w.req.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{}
	}
	w.req.ExpressionAttributeValues[placeholder] = value
}

func (w putItemRequestWrapper) PrimaryExpression() *string {
	return w.req.ConditionExpression
}

func (w putItemRequestWrapper) SetPrimaryExpression(expr *string) {
	w.req.ConditionExpression = expr
}

func (w putItemRequestWrapper) FilterExpression() *string { return nil }

func (w putItemRequestWrapper) SetFilterExpression(expr *string) {}

func (w putItemRequestWrapper) IndexName() (*string, error) {
	return nil, errNotApplicable("indexName", "PutItem")
}

func (w putItemRequestWrapper) SetIndexName(indexName *string) error {
	return errNotApplicable("indexName", "PutItem")
}

func (w putItemRequestWrapper) LegacyExpression() (map[string]*dynamodb.Condition, error) {
	return nil, errNotApplicable("legacy conditions", "PutItem")
}

func (w putItemRequestWrapper) SetLegacyExpression(map[string]*dynamodb.Condition) error {
	return errNotApplicable("legacy conditions", "PutItem")
}

func (w putItemRequestWrapper) ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error) {
	return nil, errNotApplicable("exclusiveStartKey", "PutItem")
}

func (w putItemRequestWrapper) SetExclusiveStartKey(map[string]*dynamodb.AttributeValue) error {
	return errNotApplicable("exclusiveStartKey", "PutItem")
}

type updateItemRequestWrapper struct {
	req *dynamodb.UpdateItemInput
}

func (w updateItemRequestWrapper) ExpressionAttributeNames() map[string]*string {
	return w.req.ExpressionAttributeNames
}

func (w updateItemRequestWrapper) PutExpressionAttributeName(placeholder, name string) {
	if w.req.ExpressionAttributeNames == nil {
		w.req.ExpressionAttributeNames = map[string]*string{}
	}
	w.req.ExpressionAttributeNames[placeholder] = &name
}

func (w updateItemRequestWrapper) ExpressionAttributeValues() map[string]*dynamodb.AttributeValue {
	return w.req.ExpressionAttributeValues
}

func (w updateItemRequestWrapper) PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue) {
	if w.req.ExpressionAttributeValues == nil {
		w.req.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{}
	}
	w.req.ExpressionAttributeValues[placeholder] = value
}

func (w updateItemRequestWrapper) PrimaryExpression() *string {
	return w.req.UpdateExpression
}

func (w updateItemRequestWrapper) SetPrimaryExpression(expr *string) {
	w.req.UpdateExpression = expr
}

func (w updateItemRequestWrapper) FilterExpression() *string {
	return w.req.ConditionExpression
}

func (w updateItemRequestWrapper) SetFilterExpression(expr *string) {
	w.req.ConditionExpression = expr
}

func (w updateItemRequestWrapper) IndexName() (*string, error) {
	return nil, errNotApplicable("indexName", "UpdateItem")
}

func (w updateItemRequestWrapper) SetIndexName(indexName *string) error {
	return errNotApplicable("indexName", "UpdateItem")
}

func (w updateItemRequestWrapper) LegacyExpression() (map[string]*dynamodb.Condition, error) {
	return nil, errNotApplicable("legacy conditions", "UpdateItem")
}

func (w updateItemRequestWrapper) SetLegacyExpression(map[string]*dynamodb.Condition) error {
	return errNotApplicable("legacy conditions", "UpdateItem")
}

func (w updateItemRequestWrapper) ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error) {
	return nil, errNotApplicable("exclusiveStartKey", "UpdateItem")
}

func (w updateItemRequestWrapper) SetExclusiveStartKey(map[string]*dynamodb.AttributeValue) error {
	return errNotApplicable("exclusiveStartKey", "UpdateItem")
}

type deleteItemRequestWrapper struct {
	req *dynamodb.DeleteItemInput
}

func (w deleteItemRequestWrapper) ExpressionAttributeNames() map[string]*string {
	return w.req.ExpressionAttributeNames
}

func (w deleteItemRequestWrapper) PutExpressionAttributeName(placeholder, name string) {
	if w.req.ExpressionAttributeNames == nil {
		w.req.ExpressionAttributeNames = map[string]*string{}
	}
	w.req.ExpressionAttributeNames[placeholder] = &name
}

func (w deleteItemRequestWrapper) ExpressionAttributeValues() map[string]*dynamodb.AttributeValue {
	return w.req.ExpressionAttributeValues
}

func (w deleteItemRequestWrapper) PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue) {
	if w.req.ExpressionAttributeValues == nil {
		w.req.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{}
	}
	w.req.ExpressionAttributeValues[placeholder] = value
}

func (w deleteItemRequestWrapper) PrimaryExpression() *string {
	return w.req.ConditionExpression
}

func (w deleteItemRequestWrapper) SetPrimaryExpression(expr *string) {
	w.req.ConditionExpression = expr
}

// DeleteItem has no filter expression.
func (w deleteItemRequestWrapper) FilterExpression() *string { return nil }

func (w deleteItemRequestWrapper) SetFilterExpression(expr *string) {}

func (w deleteItemRequestWrapper) IndexName() (*string, error) {
	return nil, errNotApplicable("indexName", "DeleteItem")
}

func (w deleteItemRequestWrapper) SetIndexName(indexName *string) error {
	return errNotApplicable("indexName", "DeleteItem")
}

func (w deleteItemRequestWrapper) LegacyExpression() (map[string]*dynamodb.Condition, error) {
	return nil, errNotApplicable("legacy conditions", "DeleteItem")
}

func (w deleteItemRequestWrapper) SetLegacyExpression(map[string]*dynamodb.Condition) error {
	return errNotApplicable("legacy conditions", "DeleteItem")
}

func (w deleteItemRequestWrapper) ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error) {
	return nil, errNotApplicable("exclusiveStartKey", "DeleteItem")
}

func (w deleteItemRequestWrapper) SetExclusiveStartKey(map[string]*dynamodb.AttributeValue) error {
	return errNotApplicable("exclusiveStartKey", "DeleteItem")
}

type queryRequestWrapper struct {
	req *dynamodb.QueryInput
}

func (w queryRequestWrapper) ExpressionAttributeNames() map[string]*string {
	return w.req.ExpressionAttributeNames
}

func (w queryRequestWrapper) PutExpressionAttributeName(placeholder, name string) {
	if w.req.ExpressionAttributeNames == nil {
		w.req.ExpressionAttributeNames = map[string]*string{}
	}
	w.req.ExpressionAttributeNames[placeholder] = &name
}

func (w queryRequestWrapper) ExpressionAttributeValues() map[string]*dynamodb.AttributeValue {
	return w.req.ExpressionAttributeValues
}

func (w queryRequestWrapper) PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue) {
	if w.req.ExpressionAttributeValues == nil {
		w.req.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{}
	}
	w.req.ExpressionAttributeValues[placeholder] = value
}

func (w queryRequestWrapper) PrimaryExpression() *string {
	return w.req.KeyConditionExpression
}

func (w queryRequestWrapper) SetPrimaryExpression(expr *string) {
	w.req.KeyConditionExpression = expr
}

func (w queryRequestWrapper) FilterExpression() *string {
	return w.req.FilterExpression
}

func (w queryRequestWrapper) SetFilterExpression(expr *string) {
	w.req.FilterExpression = expr
}

func (w queryRequestWrapper) IndexName() (*string, error) {
	return w.req.IndexName, nil
}

func (w queryRequestWrapper) SetIndexName(indexName *string) error {
	w.req.IndexName = indexName
	return nil
}

func (w queryRequestWrapper) LegacyExpression() (map[string]*dynamodb.Condition, error) {
	return w.req.KeyConditions, nil
}

func (w queryRequestWrapper) SetLegacyExpression(conditions map[string]*dynamodb.Condition) error {
	w.req.KeyConditions = conditions
	return nil
}

func (w queryRequestWrapper) ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error) {
	return w.req.ExclusiveStartKey, nil
}

func (w queryRequestWrapper) SetExclusiveStartKey(key map[string]*dynamodb.AttributeValue) error {
	w.req.ExclusiveStartKey = key
	return nil
}

type scanRequestWrapper struct {
	req *dynamodb.ScanInput
}

func (w scanRequestWrapper) ExpressionAttributeNames() map[string]*string {
	return w.req.ExpressionAttributeNames
}

func (w scanRequestWrapper) PutExpressionAttributeName(placeholder, name string) {
	if w.req.ExpressionAttributeNames == nil {
		w.req.ExpressionAttributeNames = map[string]*string{}
	}
	w.req.ExpressionAttributeNames[placeholder] = &name
}

func (w scanRequestWrapper) ExpressionAttributeValues() map[string]*dynamodb.AttributeValue {
	return w.req.ExpressionAttributeValues
}

func (w scanRequestWrapper) PutExpressionAttributeValue(placeholder string, value *dynamodb.AttributeValue) {
	if w.req.ExpressionAttributeValues == nil {
		w.req.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{}
	}
	w.req.ExpressionAttributeValues[placeholder] = value
}

// Scan has no key condition; its only condition is the filter.
func (w scanRequestWrapper) PrimaryExpression() *string { return nil }

func (w scanRequestWrapper) SetPrimaryExpression(expr *string) {}

func (w scanRequestWrapper) FilterExpression() *string {
	return w.req.FilterExpression
}

func (w scanRequestWrapper) SetFilterExpression(expr *string) {
	w.req.FilterExpression = expr
}

func (w scanRequestWrapper) IndexName() (*string, error) {
	return w.req.IndexName, nil
}

func (w scanRequestWrapper) SetIndexName(indexName *string) error {
	w.req.IndexName = indexName
	return nil
}

func (w scanRequestWrapper) LegacyExpression() (map[string]*dynamodb.Condition, error) {
	return w.req.ScanFilter, nil
}

func (w scanRequestWrapper) SetLegacyExpression(conditions map[string]*dynamodb.Condition) error {
	w.req.ScanFilter = conditions
	return nil
}

func (w scanRequestWrapper) ExclusiveStartKey() (map[string]*dynamodb.AttributeValue, error) {
	return w.req.ExclusiveStartKey, nil
}

func (w scanRequestWrapper) SetExclusiveStartKey(key map[string]*dynamodb.AttributeValue) error {
	w.req.ExclusiveStartKey = key
	return nil
}
