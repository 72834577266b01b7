// Package sharedtable multiplexes many tenants' virtual tables onto a
// small fixed set of shared physical DynamoDB tables. Keys are rewritten
// with a tenant prefix on the way down and stripped on the way back up, so
// every tenant sees a private namespace while rows from all tenants share
// physical storage.
package sharedtable

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo"
)

// DynamoClient is the slice of the DynamoDB data-plane surface the layer
// uses. *dynamodb.DynamoDB satisfies it.
type DynamoClient interface {
	GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error)
	UpdateItemWithContext(ctx aws.Context, input *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error)
	DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error)
	BatchGetItemWithContext(ctx aws.Context, input *dynamodb.BatchGetItemInput, opts ...request.Option) (*dynamodb.BatchGetItemOutput, error)
	QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error)
	ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error)
	DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error)
}

// Config carries the recognized options.
type Config struct {
	// Name identifies this instance in diagnostics only.
	Name string

	// DeleteTableAsync makes DeleteTable return immediately and hand
	// truncation plus schema deletion to a background worker.
	DeleteTableAsync bool

	// TruncateOnDeleteTable deletes the tenant's rows from the physical
	// table on DeleteTable. When false the rows are orphaned under the old
	// prefix.
	TruncateOnDeleteTable bool

	// GetRecordsTimeLimit is the soft wall-clock budget for Scan's
	// empty-page loop. Zero means the default of ten seconds.
	GetRecordsTimeLimit time.Duration

	// CacheTTL bounds the age of cached table mappings. Zero disables
	// TTL eviction.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the mapping cache size. Zero means the
	// default of 4096.
	CacheMaxEntries int

	Clock  Clock
	Logger *logrus.Logger
}

const (
	defaultGetRecordsTimeLimit = 10 * time.Second
	defaultCacheMaxEntries     = 4096
)

// Client is the multitenant façade over the backing store. All operations
// require a tenant on ctx (mtcontext.WithTenant); they rewrite the request
// into physical form, invoke the backing store, and reverse-map the
// response.
type Client struct {
	name    string
	ddb     DynamoClient
	repo    repo.TableDescriptionRepo
	factory *TableMappingFactory
	cache   *mappingCache

	deleteTableAsync      bool
	truncateOnDeleteTable bool
	getRecordsTimeLimit   time.Duration
	clock                 Clock
	log                   *logrus.Logger

	mu             sync.Mutex
	physicalTables map[string]*metadata.TableDescription

	deleteJobs chan deleteJob
	workerDone chan struct{}
	closeOnce  sync.Once

	closeMu sync.Mutex
	closed  bool
}

// New builds a Client over the given backing store, description repo, and
// table-mapping factory.
func New(ddb DynamoClient, descRepo repo.TableDescriptionRepo, factory *TableMappingFactory, cfg Config) (*Client, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.GetRecordsTimeLimit <= 0 {
		cfg.GetRecordsTimeLimit = defaultGetRecordsTimeLimit
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = defaultCacheMaxEntries
	}

	physicalTables := map[string]*metadata.TableDescription{}
	for _, req := range factory.CreateTableRequestFactory().PhysicalTables() {
		desc, err := metadata.FromCreateTableRequest(req)
		if err != nil {
			return nil, err
		}
		physicalTables[desc.Name] = desc
	}

	c := &Client{
		name:                  cfg.Name,
		ddb:                   ddb,
		repo:                  descRepo,
		factory:               factory,
		cache:                 newMappingCache(descRepo, factory, cfg.Clock, cfg.CacheTTL, cfg.CacheMaxEntries),
		deleteTableAsync:      cfg.DeleteTableAsync,
		truncateOnDeleteTable: cfg.TruncateOnDeleteTable,
		getRecordsTimeLimit:   cfg.GetRecordsTimeLimit,
		clock:                 cfg.Clock,
		log:                   cfg.Logger,
		physicalTables:        physicalTables,
		deleteJobs:            make(chan deleteJob, 16),
		workerDone:            make(chan struct{}),
	}
	go c.deleteWorker()
	return c, nil
}

func (c *Client) String() string { return c.name }

// Close stops the background delete worker after it drains queued jobs.
// Once closed, async DeleteTable returns ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()
		close(c.deleteJobs)
	})
	<-c.workerDone
	return nil
}

// IsPhysicalTable reports whether tableName is one of the shared physical
// tables this instance multiplexes onto.
func (c *Client) IsPhysicalTable(tableName string) bool {
	_, ok := c.physicalTables[tableName]
	return ok
}

func (c *Client) tableMapping(ctx context.Context, virtualTableName string) (*TableMapping, error) {
	return c.cache.get(ctx, virtualTableName)
}

// GetItem retrieves one item by primary key.
func (c *Client) GetItem(ctx context.Context, input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	if err := validateGetItem(input); err != nil {
		return nil, err
	}

	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	if req.Key, err = tm.keyMapper().apply(ctx, input.Key); err != nil {
		return nil, err
	}

	out, err := c.ddb.GetItemWithContext(ctx, &req)
	if err != nil {
		return nil, err
	}

	if out.Item != nil {
		if out.Item, err = tm.itemMapper().reverse(ctx, out.Item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func validateGetItem(input *dynamodb.GetItemInput) error {
	switch {
	case input.ConsistentRead != nil:
		return errors.Wrap(ErrUnsupported, "consistentRead is not supported on GetItem")
	case input.AttributesToGet != nil:
		return errors.Wrap(ErrUnsupported, "attributesToGet is not supported on GetItem")
	case input.ProjectionExpression != nil:
		return errors.Wrap(ErrUnsupported, "projectionExpression is not supported on GetItem")
	case input.ExpressionAttributeNames != nil:
		return errors.Wrap(ErrUnsupported, "expressionAttributeNames is not supported on GetItem")
	}
	return nil
}

// PutItem writes one item. The response passes through untouched.
func (c *Client) PutItem(ctx context.Context, input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	req.ExpressionAttributeNames = copyNameMap(input.ExpressionAttributeNames)
	req.ExpressionAttributeValues = copyValueMap(input.ExpressionAttributeValues)

	if err := tm.conditionMapper().apply(ctx, putItemRequestWrapper{req: &req}, tm.tableKeyMappings); err != nil {
		return nil, err
	}
	if req.Item, err = tm.itemMapper().apply(ctx, input.Item); err != nil {
		return nil, err
	}

	return c.ddb.PutItemWithContext(ctx, &req)
}

// UpdateItem rewrites the key, update expression, and condition expression.
func (c *Client) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
	if input.AttributeUpdates != nil {
		return nil, errors.Wrap(ErrUnsupported, "attributeUpdates is not supported on UpdateItem; use an update expression")
	}

	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	req.ExpressionAttributeNames = copyNameMap(input.ExpressionAttributeNames)
	req.ExpressionAttributeValues = copyValueMap(input.ExpressionAttributeValues)

	if req.Key, err = tm.keyMapper().apply(ctx, input.Key); err != nil {
		return nil, err
	}
	if err := tm.conditionMapper().apply(ctx, updateItemRequestWrapper{req: &req}, tm.tableKeyMappings); err != nil {
		return nil, err
	}

	return c.ddb.UpdateItemWithContext(ctx, &req)
}

// DeleteItem rewrites the key and condition expression.
func (c *Client) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	req.ExpressionAttributeNames = copyNameMap(input.ExpressionAttributeNames)
	req.ExpressionAttributeValues = copyValueMap(input.ExpressionAttributeValues)

	if req.Key, err = tm.keyMapper().apply(ctx, input.Key); err != nil {
		return nil, err
	}
	if err := tm.conditionMapper().apply(ctx, deleteItemRequestWrapper{req: &req}, tm.tableKeyMappings); err != nil {
		return nil, err
	}

	return c.ddb.DeleteItemWithContext(ctx, &req)
}

// BatchGetItem retrieves batches of items by primary key across several
// virtual tables. Unprocessed keys come back under the virtual table name
// with virtual key values, so callers can retry as-is.
func (c *Client) BatchGetItem(ctx context.Context, input *dynamodb.BatchGetItemInput) (*dynamodb.BatchGetItemOutput, error) {
	for table, keysAndAttributes := range input.RequestItems {
		if err := validateKeysAndAttributes(table, keysAndAttributes); err != nil {
			return nil, err
		}
	}

	// several virtual tables may share one physical table, so keep every
	// candidate mapping per physical table and demux results by decoding
	req := &dynamodb.BatchGetItemInput{
		ReturnConsumedCapacity: input.ReturnConsumedCapacity,
		RequestItems:           map[string]*dynamodb.KeysAndAttributes{},
	}
	mappingsByPhysical := map[string][]*TableMapping{}

	for table, keysAndAttributes := range input.RequestItems {
		tm, err := c.tableMapping(ctx, table)
		if err != nil {
			return nil, err
		}
		physicalName := tm.PhysicalTable().Name
		mappingsByPhysical[physicalName] = append(mappingsByPhysical[physicalName], tm)

		entry := req.RequestItems[physicalName]
		if entry == nil {
			entry = &dynamodb.KeysAndAttributes{}
			req.RequestItems[physicalName] = entry
		}
		for _, key := range keysAndAttributes.Keys {
			mapped, err := tm.keyMapper().apply(ctx, key)
			if err != nil {
				return nil, err
			}
			entry.Keys = append(entry.Keys, mapped)
		}
	}

	out, err := c.ddb.BatchGetItemWithContext(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &dynamodb.BatchGetItemOutput{
		ConsumedCapacity: out.ConsumedCapacity,
		Responses:        map[string][]map[string]*dynamodb.AttributeValue{},
		UnprocessedKeys:  map[string]*dynamodb.KeysAndAttributes{},
	}

	for physicalName, items := range out.Responses {
		candidates := mappingsByPhysical[physicalName]
		for _, item := range items {
			tm, virtualItem, err := reverseWithCandidates(ctx, candidates, item, func(tm *TableMapping, item map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
				return tm.itemMapper().reverse(ctx, item)
			})
			if err != nil {
				return nil, err
			}
			virtualName := tm.VirtualTable().Name
			result.Responses[virtualName] = append(result.Responses[virtualName], virtualItem)
		}
	}

	for physicalName, unprocessed := range out.UnprocessedKeys {
		candidates := mappingsByPhysical[physicalName]
		for _, key := range unprocessed.Keys {
			tm, virtualKey, err := reverseWithCandidates(ctx, candidates, key, func(tm *TableMapping, key map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
				return tm.keyMapper().reverse(ctx, key)
			})
			if err != nil {
				return nil, err
			}
			virtualName := tm.VirtualTable().Name
			entry := result.UnprocessedKeys[virtualName]
			if entry == nil {
				entry = &dynamodb.KeysAndAttributes{}
				result.UnprocessedKeys[virtualName] = entry
			}
			entry.Keys = append(entry.Keys, virtualKey)
		}
	}

	return result, nil
}

// reverseWithCandidates finds which virtual table a physical row belongs to
// by attempting each candidate mapping; the prefix qualifier check rejects
// the wrong ones.
func reverseWithCandidates(ctx context.Context, candidates []*TableMapping, item map[string]*dynamodb.AttributeValue,
	reverse func(*TableMapping, map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error)) (*TableMapping, map[string]*dynamodb.AttributeValue, error) {
	var lastErr error
	for _, tm := range candidates {
		virtualItem, err := reverse(tm, item)
		if err == nil {
			return tm, virtualItem, nil
		}
		if !errors.Is(err, ErrCorrupt) {
			return nil, nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Wrap(ErrCorrupt, "item does not belong to any requested table")
	}
	return nil, nil, lastErr
}

func validateKeysAndAttributes(table string, keysAndAttributes *dynamodb.KeysAndAttributes) error {
	switch {
	case keysAndAttributes.ConsistentRead != nil:
		return errors.Wrapf(ErrUnsupported, "consistentRead is not supported on BatchGetItem (table %s)", table)
	case keysAndAttributes.AttributesToGet != nil:
		return errors.Wrapf(ErrUnsupported, "attributesToGet is not supported on BatchGetItem (table %s)", table)
	case keysAndAttributes.ProjectionExpression != nil:
		return errors.Wrapf(ErrUnsupported, "projectionExpression is not supported on BatchGetItem (table %s)", table)
	case keysAndAttributes.ExpressionAttributeNames != nil:
		return errors.Wrapf(ErrUnsupported, "expressionAttributeNames is not supported on BatchGetItem (table %s)", table)
	}
	return nil
}

// Query rewrites the key condition and filter, runs the query, and
// reverse-maps items and the lastEvaluatedKey.
func (c *Client) Query(ctx context.Context, input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	req.ExpressionAttributeNames = copyNameMap(input.ExpressionAttributeNames)
	req.ExpressionAttributeValues = copyValueMap(input.ExpressionAttributeValues)
	req.KeyConditions = copyConditionMap(input.KeyConditions)

	if err := tm.queryAndScanMapper().applyToQuery(ctx, &req); err != nil {
		return nil, err
	}

	out, err := c.ddb.QueryWithContext(ctx, &req)
	if err != nil {
		return nil, err
	}

	im := tm.itemMapper()
	for i, item := range out.Items {
		if out.Items[i], err = im.reverse(ctx, item); err != nil {
			return nil, err
		}
	}
	if out.LastEvaluatedKey != nil {
		if out.LastEvaluatedKey, err = im.reverse(ctx, out.LastEvaluatedKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Scan runs the paging loop: because many tenants share one physical
// table, the tenant filter may eliminate every row of a physical page, so
// the loop keeps fetching until it has at least one tenant-visible item or
// the cursor (or the soft time budget) runs out.
func (c *Client) Scan(ctx context.Context, input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	tm, err := c.tableMapping(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	virtualKey, _, _, ok := tm.indexFor(input.IndexName)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "table %s has no index %s", tm.VirtualTable().Name, aws.StringValue(input.IndexName))
	}

	// the key is needed for paging, so the projection must include it
	if !projectionContainsKey(input, virtualKey) {
		return nil, errors.Wrap(ErrInvalidArgument, "multitenant scans must include the key in the projection expression")
	}

	req := *input
	req.TableName = aws.String(tm.PhysicalTable().Name)
	req.ExpressionAttributeNames = copyNameMap(input.ExpressionAttributeNames)
	req.ExpressionAttributeValues = copyValueMap(input.ExpressionAttributeValues)
	req.ScanFilter = copyConditionMap(input.ScanFilter)

	if err := tm.queryAndScanMapper().applyToScan(ctx, &req); err != nil {
		return nil, err
	}

	deadline := c.clock.Now().Add(c.getRecordsTimeLimit)
	var out *dynamodb.ScanOutput
	for {
		if out, err = c.ddb.ScanWithContext(ctx, &req); err != nil {
			return nil, err
		}
		if len(out.Items) > 0 || out.LastEvaluatedKey == nil {
			break
		}
		if c.clock.Now().After(deadline) {
			// soft budget exhausted: hand back the physical cursor so the
			// caller can resume; it round-trips opaquely through the
			// exclusiveStartKey mapping
			return out, nil
		}
		req.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if len(out.Items) == 0 {
		// loop invariant: lastEvaluatedKey is nil here
		return out, nil
	}

	im := tm.itemMapper()
	for i, item := range out.Items {
		if out.Items[i], err = im.reverse(ctx, item); err != nil {
			return nil, err
		}
	}
	if out.LastEvaluatedKey != nil {
		// the raw cursor is physical-scope; derive the virtual cursor from
		// the last item instead
		out.LastEvaluatedKey = keyFromItem(out.Items[len(out.Items)-1], virtualKey)
	}
	return out, nil
}

// CreateTable registers a virtual table with the description repo. No
// physical table is created; the schema only has to fit one of the fixed
// physical tables.
func (c *Client) CreateTable(ctx context.Context, input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	desc, err := metadata.FromCreateTableRequest(input)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	// fail fast when no physical table can host the schema
	if _, err := c.factory.TableMapping(desc); err != nil {
		return nil, err
	}

	created, err := c.repo.CreateTable(ctx, desc)
	if err != nil {
		return nil, err
	}

	table := created.ToTableDescription()
	table.TableStatus = aws.String(dynamodb.TableStatusActive)
	if err := c.withTenantStreamArn(ctx, created, table); err != nil {
		return nil, err
	}
	return &dynamodb.CreateTableOutput{TableDescription: table}, nil
}

// DescribeTable reads the schema from the description repo. Virtual tables
// are always ACTIVE: there is no backing provisioning to wait for.
func (c *Client) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	desc, err := c.repo.GetTableDescription(ctx, aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	table := desc.ToTableDescription()
	table.TableStatus = aws.String(dynamodb.TableStatusActive)
	if err := c.withTenantStreamArn(ctx, desc, table); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: table}, nil
}

// withTenantStreamArn rewrites the latest stream ARN into the composite
// tenant-qualified form when the virtual table has streams enabled.
func (c *Client) withTenantStreamArn(ctx context.Context, desc *metadata.TableDescription, table *dynamodb.TableDescription) error {
	if !desc.StreamEnabled {
		return nil
	}
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return err
	}
	tm, err := c.tableMapping(ctx, desc.Name)
	if err != nil {
		return err
	}
	physicalArn, err := c.physicalStreamArn(ctx, tm.PhysicalTable().Name)
	if err != nil {
		return err
	}
	table.LatestStreamArn = aws.String(StreamArn{
		PhysicalArn:      physicalArn,
		Tenant:           tenant,
		VirtualTableName: desc.Name,
	}.String())
	return nil
}

// physicalStreamArn lazily resolves and caches the stream ARN of a physical
// table from the backing store.
func (c *Client) physicalStreamArn(ctx context.Context, physicalTableName string) (string, error) {
	c.mu.Lock()
	desc := c.physicalTables[physicalTableName]
	if desc != nil && desc.LatestStreamArn != "" {
		arn := desc.LatestStreamArn
		c.mu.Unlock()
		return arn, nil
	}
	c.mu.Unlock()

	out, err := c.ddb.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(physicalTableName),
	})
	if err != nil {
		return "", err
	}
	arn := aws.StringValue(out.Table.LatestStreamArn)

	c.mu.Lock()
	if desc := c.physicalTables[physicalTableName]; desc != nil {
		desc.LatestStreamArn = arn
	}
	c.mu.Unlock()
	return arn, nil
}

// DeleteTable removes the virtual table's schema and, when configured,
// truncates its rows. The async path returns the last-known description
// immediately and hands the work to the background worker.
func (c *Client) DeleteTable(ctx context.Context, input *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error) {
	tableName := aws.StringValue(input.TableName)
	if c.deleteTableAsync {
		desc, err := c.repo.GetTableDescription(ctx, tableName)
		if err != nil {
			return nil, err
		}
		if err := c.enqueueDelete(ctx, tableName); err != nil {
			return nil, err
		}
		return &dynamodb.DeleteTableOutput{TableDescription: desc.ToTableDescription()}, nil
	}

	desc, err := c.deleteTableSync(ctx, tableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.DeleteTableOutput{TableDescription: desc.ToTableDescription()}, nil
}

func copyNameMap(in map[string]*string) map[string]*string {
	if in == nil {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyValueMap(in map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	if in == nil {
		return nil
	}
	out := make(map[string]*dynamodb.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyConditionMap(in map[string]*dynamodb.Condition) map[string]*dynamodb.Condition {
	if in == nil {
		return nil
	}
	out := make(map[string]*dynamodb.Condition, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
