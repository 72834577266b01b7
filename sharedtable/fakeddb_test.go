package sharedtable

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
)

// fakeDDB is an in-memory stand-in for the DynamoDB data plane, covering
// the slice of behavior the shared-table layer exercises. Rows are held per
// physical table in key order; Scan pages by pageSize and, like the real
// service, applies the filter after cutting the page.
type fakeDDB struct {
	mu   sync.Mutex
	keys map[string]metadata.PrimaryKey
	rows map[string]map[string]map[string]*dynamodb.AttributeValue

	streamArns map[string]string

	pageSize   int // rows per scan page, 0 = all
	batchLimit int // keys served per batch get, 0 = all

	scanCalls     int
	lastIndexName string
}

func newFakeDDB(f CreateTableRequestFactory) (*fakeDDB, error) {
	ddb := &fakeDDB{
		keys:       map[string]metadata.PrimaryKey{},
		rows:       map[string]map[string]map[string]*dynamodb.AttributeValue{},
		streamArns: map[string]string{},
	}
	for _, req := range f.PhysicalTables() {
		desc, err := metadata.FromCreateTableRequest(req)
		if err != nil {
			return nil, err
		}
		ddb.keys[desc.Name] = desc.Key
		ddb.rows[desc.Name] = map[string]map[string]*dynamodb.AttributeValue{}
		ddb.streamArns[desc.Name] = "arn:aws:dynamodb:local:000000000000:table/" + desc.Name + "/stream/1"
	}
	return ddb, nil
}

func (d *fakeDDB) table(name *string) (metadata.PrimaryKey, map[string]map[string]*dynamodb.AttributeValue, error) {
	key, ok := d.keys[aws.StringValue(name)]
	if !ok {
		return metadata.PrimaryKey{}, nil, errors.Errorf("fake: unknown table %s", aws.StringValue(name))
	}
	return key, d.rows[aws.StringValue(name)], nil
}

func attrString(v *dynamodb.AttributeValue) string {
	switch {
	case v == nil:
		return "<nil>"
	case v.S != nil:
		return "S:" + *v.S
	case v.N != nil:
		return "N:" + *v.N
	case v.B != nil:
		return "B:" + string(v.B)
	}
	return v.String()
}

func (d *fakeDDB) rowKey(key metadata.PrimaryKey, item map[string]*dynamodb.AttributeValue) string {
	s := attrString(item[key.HashKey])
	if key.HasRangeKey() {
		s += "\x00" + attrString(item[key.RangeKey])
	}
	return s
}

func copyItem(item map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]*dynamodb.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (d *fakeDDB) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(rows[d.rowKey(key, input.Key)])}, nil
}

func (d *fakeDDB) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}
	rows[d.rowKey(key, input.Item)] = copyItem(input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

var setExpressionRe = regexp.MustCompile(`^SET\s+(\S+)\s*=\s*(:[A-Za-z0-9_]+)$`)

func (d *fakeDDB) UpdateItemWithContext(ctx aws.Context, input *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}

	m := setExpressionRe.FindStringSubmatch(aws.StringValue(input.UpdateExpression))
	if m == nil {
		return nil, errors.Errorf("fake: unsupported update expression %q", aws.StringValue(input.UpdateExpression))
	}
	attr := m[1]
	if strings.HasPrefix(attr, "#") {
		bound, ok := input.ExpressionAttributeNames[attr]
		if !ok {
			return nil, errors.Errorf("fake: unbound name %s", attr)
		}
		attr = *bound
	}
	value, ok := input.ExpressionAttributeValues[m[2]]
	if !ok {
		return nil, errors.Errorf("fake: unbound value %s", m[2])
	}

	rk := d.rowKey(key, input.Key)
	item := rows[rk]
	if item == nil {
		item = copyItem(input.Key)
	}
	item[attr] = value
	rows[rk] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (d *fakeDDB) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}
	delete(rows, d.rowKey(key, input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *fakeDDB) BatchGetItemWithContext(ctx aws.Context, input *dynamodb.BatchGetItemInput, opts ...request.Option) (*dynamodb.BatchGetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]*dynamodb.AttributeValue{},
		UnprocessedKeys: map[string]*dynamodb.KeysAndAttributes{},
	}
	served := 0
	for tableName, keysAndAttributes := range input.RequestItems {
		key, rows, err := d.table(&tableName)
		if err != nil {
			return nil, err
		}
		for _, k := range keysAndAttributes.Keys {
			if d.batchLimit > 0 && served >= d.batchLimit {
				entry := out.UnprocessedKeys[tableName]
				if entry == nil {
					entry = &dynamodb.KeysAndAttributes{}
					out.UnprocessedKeys[tableName] = entry
				}
				entry.Keys = append(entry.Keys, k)
				continue
			}
			served++
			if item := rows[d.rowKey(key, k)]; item != nil {
				out.Responses[tableName] = append(out.Responses[tableName], copyItem(item))
			}
		}
	}
	if len(out.UnprocessedKeys) == 0 {
		out.UnprocessedKeys = nil
	}
	return out, nil
}

var equalityRe = regexp.MustCompile(`^(\S+)\s*=\s*(:[A-Za-z0-9_]+)$`)

func (d *fakeDDB) QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}
	d.lastIndexName = aws.StringValue(input.IndexName)

	m := equalityRe.FindStringSubmatch(aws.StringValue(input.KeyConditionExpression))
	if m == nil {
		return nil, errors.Errorf("fake: unsupported key condition %q", aws.StringValue(input.KeyConditionExpression))
	}
	attr := m[1]
	if strings.HasPrefix(attr, "#") {
		bound, ok := input.ExpressionAttributeNames[attr]
		if !ok {
			return nil, errors.Errorf("fake: unbound name %s", attr)
		}
		attr = *bound
	}
	want, ok := input.ExpressionAttributeValues[m[2]]
	if !ok {
		return nil, errors.Errorf("fake: unbound value %s", m[2])
	}

	out := &dynamodb.QueryOutput{}
	for _, rk := range sortedKeys(rows) {
		item := rows[rk]
		if attrString(item[attr]) == attrString(want) {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	return out, nil
}

var beginsWithRe = regexp.MustCompile(`begins_with\((#[A-Za-z0-9_]+), (:[A-Za-z0-9_]+)\)$`)

func (d *fakeDDB) ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, rows, err := d.table(input.TableName)
	if err != nil {
		return nil, err
	}
	d.scanCalls++

	ordered := sortedKeys(rows)

	start := 0
	if input.ExclusiveStartKey != nil {
		after := d.rowKey(key, input.ExclusiveStartKey)
		for i, rk := range ordered {
			if rk == after {
				start = i + 1
				break
			}
		}
	}

	end := len(ordered)
	if d.pageSize > 0 && start+d.pageSize < end {
		end = start + d.pageSize
	}
	page := ordered[start:end]

	out := &dynamodb.ScanOutput{}
	if end < len(ordered) && len(page) > 0 {
		last := rows[page[len(page)-1]]
		out.LastEvaluatedKey = map[string]*dynamodb.AttributeValue{
			key.HashKey: last[key.HashKey],
		}
		if key.HasRangeKey() {
			out.LastEvaluatedKey[key.RangeKey] = last[key.RangeKey]
		}
	}

	match, err := filterMatcher(input)
	if err != nil {
		return nil, err
	}
	for _, rk := range page {
		if match(rows[rk]) {
			out.Items = append(out.Items, copyItem(rows[rk]))
		}
	}
	return out, nil
}

// filterMatcher evaluates the tenant filter the layer injects, in either
// dialect; anything fancier is unsupported and fails loudly.
func filterMatcher(input *dynamodb.ScanInput) (func(map[string]*dynamodb.AttributeValue) bool, error) {
	if len(input.ScanFilter) > 0 {
		if input.FilterExpression != nil {
			return nil, errors.New("fake: scanFilter and filterExpression on one request")
		}
		return legacyFilterMatcher(input.ScanFilter)
	}
	expr := aws.StringValue(input.FilterExpression)
	if expr == "" {
		return func(map[string]*dynamodb.AttributeValue) bool { return true }, nil
	}
	m := beginsWithRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, errors.Errorf("fake: unsupported filter expression %q", expr)
	}
	bound, ok := input.ExpressionAttributeNames[m[1]]
	if !ok {
		return nil, errors.Errorf("fake: unbound name %s", m[1])
	}
	attr := *bound
	prefix, ok := input.ExpressionAttributeValues[m[2]]
	if !ok {
		return nil, errors.Errorf("fake: unbound value %s", m[2])
	}

	return func(item map[string]*dynamodb.AttributeValue) bool {
		v := item[attr]
		switch {
		case v == nil:
			return false
		case prefix.S != nil:
			return v.S != nil && strings.HasPrefix(*v.S, *prefix.S)
		case prefix.B != nil:
			return v.B != nil && bytes.HasPrefix(v.B, prefix.B)
		}
		return false
	}, nil
}

func legacyFilterMatcher(conditions map[string]*dynamodb.Condition) (func(map[string]*dynamodb.AttributeValue) bool, error) {
	for attr, cond := range conditions {
		switch aws.StringValue(cond.ComparisonOperator) {
		case dynamodb.ComparisonOperatorEq, dynamodb.ComparisonOperatorBeginsWith:
		default:
			return nil, errors.Errorf("fake: unsupported scanFilter operator %s on %s", aws.StringValue(cond.ComparisonOperator), attr)
		}
		if len(cond.AttributeValueList) != 1 {
			return nil, errors.Errorf("fake: scanFilter on %s needs one value", attr)
		}
	}
	return func(item map[string]*dynamodb.AttributeValue) bool {
		for attr, cond := range conditions {
			v := item[attr]
			want := cond.AttributeValueList[0]
			switch aws.StringValue(cond.ComparisonOperator) {
			case dynamodb.ComparisonOperatorEq:
				if v == nil || attrString(v) != attrString(want) {
					return false
				}
			case dynamodb.ComparisonOperatorBeginsWith:
				switch {
				case v == nil:
					return false
				case want.S != nil:
					if v.S == nil || !strings.HasPrefix(*v.S, *want.S) {
						return false
					}
				case want.B != nil:
					if v.B == nil || !bytes.HasPrefix(v.B, want.B) {
						return false
					}
				default:
					return false
				}
			}
		}
		return true
	}, nil
}

func (d *fakeDDB) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := aws.StringValue(input.TableName)
	if _, ok := d.keys[name]; !ok {
		return nil, errors.Errorf("fake: unknown table %s", name)
	}
	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{
			TableName:       input.TableName,
			LatestStreamArn: aws.String(d.streamArns[name]),
		},
	}, nil
}

func sortedKeys(rows map[string]map[string]*dynamodb.AttributeValue) []string {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rowCount reports how many rows of the physical table carry the given
// string prefix on the hash key, for asserting on raw storage.
func (d *fakeDDB) rowCount(table, hashPrefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.keys[table]
	n := 0
	for _, item := range d.rows[table] {
		if v := item[key.HashKey]; v != nil && v.S != nil && strings.HasPrefix(*v.S, hashPrefix) {
			n++
		}
	}
	return n
}
