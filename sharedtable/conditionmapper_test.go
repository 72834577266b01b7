package sharedtable

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionMapperRenamesAliasedField(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String("id"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	assert.Equal(t, "attribute_exists(#k)", aws.StringValue(req.ConditionExpression))
	assert.Equal(t, "hk", aws.StringValue(req.ExpressionAttributeNames["#k"]))
}

func TestConditionMapperEncodesEqualityValue(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("#k = :v"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String("id"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":v": stringVal("dune"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	assert.Equal(t, "hk", aws.StringValue(req.ExpressionAttributeNames["#k"]))
	assert.Equal(t, "t1.books.dune", aws.StringValue(req.ExpressionAttributeValues[":v"].S))
}

func TestConditionMapperRewritesLiteralFieldName(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("id = :v AND seq = :s"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":v": stringVal("dune"),
			":s": numberVal("1"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	expr := aws.StringValue(req.ConditionExpression)
	assert.NotContains(t, expr, "id =")
	assert.NotContains(t, expr, "seq =")
	assert.Contains(t, expr, "#field_mapping_0 = :v")
	assert.Contains(t, expr, "#field_mapping_1 = :s")
	assert.Equal(t, "hk", aws.StringValue(req.ExpressionAttributeNames["#field_mapping_0"]))
	assert.Equal(t, "rk", aws.StringValue(req.ExpressionAttributeNames["#field_mapping_1"]))

	// only the hash key is tenant-encoded
	assert.Equal(t, "t1.books.dune", aws.StringValue(req.ExpressionAttributeValues[":v"].S))
	assert.Equal(t, "1", aws.StringValue(req.ExpressionAttributeValues[":s"].N))
}

func TestConditionMapperLeavesUnmappedFieldsAlone(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("title = :t"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":t": stringVal("Dune"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	assert.Equal(t, "title = :t", aws.StringValue(req.ConditionExpression))
	assert.Equal(t, "Dune", aws.StringValue(req.ExpressionAttributeValues[":t"].S))
}

func TestConditionMapperDoesNotTouchLongerIdentifiers(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	// "ident" contains "id" but is a different attribute
	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("ident = :v"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":v": stringVal("x"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)
	assert.Equal(t, "ident = :v", aws.StringValue(req.ConditionExpression))
	assert.Equal(t, "x", aws.StringValue(req.ExpressionAttributeValues[":v"].S))
}

func TestConditionMapperUpdateExpression(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("SET title = :t"),
		ConditionExpression: aws.String("#k = :v"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String("id"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":t": stringVal("Dune"),
			":v": stringVal("dune"),
		},
	}

	err := tm.conditionMapper().apply(ctx, updateItemRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	assert.Equal(t, "SET title = :t", aws.StringValue(req.UpdateExpression))
	assert.Equal(t, "hk", aws.StringValue(req.ExpressionAttributeNames["#k"]))
	assert.Equal(t, "t1.books.dune", aws.StringValue(req.ExpressionAttributeValues[":v"].S))
	assert.Equal(t, "Dune", aws.StringValue(req.ExpressionAttributeValues[":t"].S))
}

func TestConditionMapperRewritesLegacyScanFilter(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.ScanInput{
		ScanFilter: map[string]*dynamodb.Condition{
			"id": {
				ComparisonOperator: aws.String(dynamodb.ComparisonOperatorEq),
				AttributeValueList: []*dynamodb.AttributeValue{stringVal("dune")},
			},
			"title": {
				ComparisonOperator: aws.String(dynamodb.ComparisonOperatorEq),
				AttributeValueList: []*dynamodb.AttributeValue{stringVal("Dune")},
			},
		},
	}

	err := tm.conditionMapper().apply(ctx, scanRequestWrapper{req: req}, tm.tableKeyMappings)
	require.NoError(t, err)

	require.Contains(t, req.ScanFilter, "hk")
	assert.NotContains(t, req.ScanFilter, "id")
	assert.Equal(t, "t1.books.dune", aws.StringValue(req.ScanFilter["hk"].AttributeValueList[0].S))
	assert.Equal(t, "Dune", aws.StringValue(req.ScanFilter["title"].AttributeValueList[0].S))
}

func TestConditionMapperRejectsLegacyAndExpressionCollision(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.ScanInput{
		FilterExpression: aws.String("#k = :v"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String("id"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":v": stringVal("dune"),
		},
		ScanFilter: map[string]*dynamodb.Condition{
			"id": {
				ComparisonOperator: aws.String(dynamodb.ComparisonOperatorEq),
				AttributeValueList: []*dynamodb.AttributeValue{stringVal("dune")},
			},
		},
	}

	err := tm.conditionMapper().apply(ctx, scanRequestWrapper{req: req}, tm.tableKeyMappings)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestConditionMapperUndefinedValuePlaceholder(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	req := &dynamodb.PutItemInput{
		ConditionExpression: aws.String("#k = :missing"),
		ExpressionAttributeNames: map[string]*string{
			"#k": aws.String("id"),
		},
	}

	err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: req}, tm.tableKeyMappings)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
