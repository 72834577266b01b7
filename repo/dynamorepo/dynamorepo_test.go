package dynamorepo

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo"
)

// fakeDDB is a single-table fake of the metadata store. Put honors the
// attribute_not_exists condition the repo relies on.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]*dynamodb.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: map[string]map[string]*dynamodb.AttributeValue{}}
}

func itemKey(item map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(item[tableKeyAttr].S)
}

func (d *fakeDDB) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: d.items[itemKey(input.Key)]}, nil
}

func (d *fakeDDB) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := itemKey(input.Item)
	if aws.StringValue(input.ConditionExpression) == keyExistsExpression {
		if _, ok := d.items[key]; ok {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional check failed", nil)
		}
	}
	d.items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (d *fakeDDB) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, itemKey(input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func booksDesc() *metadata.TableDescription {
	return &metadata.TableDescription{
		Name: "books",
		Key: metadata.PrimaryKey{
			HashKey:     "id",
			HashKeyType: dynamodb.ScalarAttributeTypeS,
		},
	}
}

func TestCreateGetDelete(t *testing.T) {
	ddb := newFakeDDB()
	r := New("mt_table_descriptions", ddb)
	ctx := mtcontext.WithTenant(context.Background(), "t1")

	created, err := r.CreateTable(ctx, booksDesc())
	require.NoError(t, err)

	// the metadata row is keyed by tenant and table name
	assert.Contains(t, ddb.items, "t1/books")

	got, err := r.GetTableDescription(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = r.DeleteTable(ctx, "books")
	require.NoError(t, err)
	_, err = r.GetTableDescription(ctx, "books")
	assert.True(t, errors.Is(err, repo.ErrTableNotFound))
}

func TestCreateDuplicate(t *testing.T) {
	ddb := newFakeDDB()
	r := New("mt_table_descriptions", ddb)
	ctx := mtcontext.WithTenant(context.Background(), "t1")

	_, err := r.CreateTable(ctx, booksDesc())
	require.NoError(t, err)
	_, err = r.CreateTable(ctx, booksDesc())
	assert.True(t, errors.Is(err, repo.ErrTableExists))
}

func TestTenantsAreIsolated(t *testing.T) {
	ddb := newFakeDDB()
	r := New("mt_table_descriptions", ddb)
	ctx1 := mtcontext.WithTenant(context.Background(), "t1")
	ctx2 := mtcontext.WithTenant(context.Background(), "t2")

	_, err := r.CreateTable(ctx1, booksDesc())
	require.NoError(t, err)

	_, err = r.GetTableDescription(ctx2, "books")
	assert.True(t, errors.Is(err, repo.ErrTableNotFound))

	_, err = r.CreateTable(ctx2, booksDesc())
	require.NoError(t, err)
}

func TestRequiresTenant(t *testing.T) {
	r := New("mt_table_descriptions", newFakeDDB())

	_, err := r.GetTableDescription(context.Background(), "books")
	assert.True(t, errors.Is(err, mtcontext.ErrNoTenant))
}

func TestDeleteMissing(t *testing.T) {
	r := New("mt_table_descriptions", newFakeDDB())
	ctx := mtcontext.WithTenant(context.Background(), "t1")

	_, err := r.DeleteTable(ctx, "books")
	assert.True(t, errors.Is(err, repo.ErrTableNotFound))
}

func TestSchemaSurvivesRoundTrip(t *testing.T) {
	ddb := newFakeDDB()
	r := New("mt_table_descriptions", ddb)
	ctx := mtcontext.WithTenant(context.Background(), "t1")

	desc := &metadata.TableDescription{
		Name: "books",
		Key: metadata.PrimaryKey{
			HashKey: "id", HashKeyType: dynamodb.ScalarAttributeTypeS,
			RangeKey: "seq", RangeKeyType: dynamodb.ScalarAttributeTypeN,
		},
		SecondaryIndexes: []metadata.SecondaryIndex{{
			Name: "by-isbn",
			Key: metadata.PrimaryKey{
				HashKey: "isbn", HashKeyType: dynamodb.ScalarAttributeTypeS,
			},
			ProjectionType: dynamodb.ProjectionTypeAll,
			Local:          false,
		}},
		StreamEnabled: true,
	}
	_, err := r.CreateTable(ctx, desc)
	require.NoError(t, err)

	got, err := r.GetTableDescription(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}
