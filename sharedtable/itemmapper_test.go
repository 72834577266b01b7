package sharedtable

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedtable/mtdynamo/metadata"
)

func booksMapping(t *testing.T) *TableMapping {
	t.Helper()
	tm, err := testFactory().TableMapping(virtualTable("books", metadata.PrimaryKey{
		HashKey: "id", HashKeyType: dynamodb.ScalarAttributeTypeS,
		RangeKey: "seq", RangeKeyType: dynamodb.ScalarAttributeTypeN,
	}))
	require.NoError(t, err)
	return tm
}

func TestItemMapperRoundTrip(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	item := map[string]*dynamodb.AttributeValue{
		"id":    stringVal("dune"),
		"seq":   numberVal("1"),
		"title": stringVal("Dune"),
	}

	physical, err := tm.itemMapper().apply(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, "t1.books.dune", aws.StringValue(physical["hk"].S))
	assert.Equal(t, "1", aws.StringValue(physical["rk"].N))
	assert.Equal(t, "Dune", aws.StringValue(physical["title"].S))
	assert.NotContains(t, physical, "id")
	assert.NotContains(t, physical, "seq")

	virtual, err := tm.itemMapper().reverse(ctx, physical)
	require.NoError(t, err)
	assert.Equal(t, item, virtual)
}

func TestItemMapperMapsIndexFields(t *testing.T) {
	tm, err := testFactory().TableMapping(virtualTable("books", stringKey("id"),
		metadata.SecondaryIndex{
			Name:           "by-isbn",
			Key:            metadata.PrimaryKey{HashKey: "isbn", HashKeyType: dynamodb.ScalarAttributeTypeS},
			ProjectionType: dynamodb.ProjectionTypeAll,
		},
	))
	require.NoError(t, err)
	ctx := tenantCtx("t1")

	physical, err := tm.itemMapper().apply(ctx, map[string]*dynamodb.AttributeValue{
		"id":   stringVal("dune"),
		"isbn": stringVal("0441013597"),
	})
	require.NoError(t, err)
	// index fields carry the table-name qualifier too
	assert.Equal(t, "t1.books.0441013597", aws.StringValue(physical["gsi_s_hk"].S))
}

func TestKeyMapperRoundTrip(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	key := map[string]*dynamodb.AttributeValue{
		"id":  stringVal("dune"),
		"seq": numberVal("1"),
	}

	physical, err := tm.keyMapper().apply(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "t1.books.dune", aws.StringValue(physical["hk"].S))
	assert.Equal(t, "1", aws.StringValue(physical["rk"].N))

	virtual, err := tm.keyMapper().reverse(ctx, physical)
	require.NoError(t, err)
	assert.Equal(t, key, virtual)
}

func TestKeyMapperRequiresAllKeyAttributes(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	_, err := tm.keyMapper().apply(ctx, map[string]*dynamodb.AttributeValue{
		"id": stringVal("dune"),
	})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestKeyMapperIgnoresNonKeyAttributes(t *testing.T) {
	tm := booksMapping(t)
	ctx := tenantCtx("t1")

	physical, err := tm.keyMapper().apply(ctx, map[string]*dynamodb.AttributeValue{
		"id":    stringVal("dune"),
		"seq":   numberVal("1"),
		"title": stringVal("Dune"),
	})
	require.NoError(t, err)
	assert.Len(t, physical, 2)
}

func TestItemMapperReverseRejectsForeignTenantRow(t *testing.T) {
	tm := booksMapping(t)

	physical, err := tm.itemMapper().apply(tenantCtx("t1"), map[string]*dynamodb.AttributeValue{
		"id":  stringVal("dune"),
		"seq": numberVal("1"),
	})
	require.NoError(t, err)

	_, err = tm.itemMapper().reverse(tenantCtx("t2"), physical)
	assert.True(t, errors.Is(err, ErrCorrupt))
}
