package sharedtable

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
)

// queryAndScanMapper rewrites Query and Scan requests: resolves the target
// index, maps the key-condition and filter expressions, substitutes the
// physical index name, rewrites the exclusive start key, and (for Scan)
// adds the tenant filter that keeps other tenants' rows out of results.
type queryAndScanMapper struct {
	mapping *TableMapping
}

func (qm queryAndScanMapper) applyToQuery(ctx context.Context, req *dynamodb.QueryInput) error {
	rw := queryRequestWrapper{req: req}

	mappings, err := qm.resolveIndex(rw)
	if err != nil {
		return err
	}

	if req.KeyConditionExpression != nil && len(req.KeyConditions) > 0 {
		return errors.Wrap(ErrInvalidArgument, "query carries both keyConditionExpression and legacy keyConditions")
	}

	if err := qm.mapping.conditionMapper().apply(ctx, rw, mappings); err != nil {
		return err
	}

	return qm.mapExclusiveStartKey(ctx, rw)
}

func (qm queryAndScanMapper) applyToScan(ctx context.Context, req *dynamodb.ScanInput) error {
	rw := scanRequestWrapper{req: req}

	if req.AttributesToGet != nil && (req.FilterExpression != nil || req.ProjectionExpression != nil) {
		return errors.Wrap(ErrInvalidArgument, "scan carries both attributesToGet and expression parameters")
	}

	mappings, err := qm.resolveIndex(rw)
	if err != nil {
		return err
	}

	if err := qm.mapping.conditionMapper().apply(ctx, rw, mappings); err != nil {
		return err
	}

	if err := qm.mapExclusiveStartKey(ctx, rw); err != nil {
		return err
	}

	// requests in the legacy dialect (scanFilter or attributesToGet) get the
	// tenant predicate as a legacy condition; the backing store rejects a
	// request mixing legacy and expression parameters
	legacyDialect := len(req.ScanFilter) > 0 || req.AttributesToGet != nil

	// hashKeyMapping is always first
	return qm.addTenantFilter(ctx, rw, mappings[0], legacyDialect)
}

// resolveIndex swaps the virtual index name for the physical one and
// returns the key mappings of the target index (the table's primary key
// when no index is named).
func (qm queryAndScanMapper) resolveIndex(rw RequestWrapper) ([]FieldMapping, error) {
	indexName, err := rw.IndexName()
	if err != nil {
		return nil, err
	}
	_, physicalName, mappings, ok := qm.mapping.indexFor(indexName)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "table %s has no index %s", qm.mapping.virtualTable.Name, aws.StringValue(indexName))
	}
	if indexName != nil {
		if err := rw.SetIndexName(aws.String(physicalName)); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}

func (qm queryAndScanMapper) mapExclusiveStartKey(ctx context.Context, rw RequestWrapper) error {
	key, err := rw.ExclusiveStartKey()
	if err != nil || key == nil {
		return err
	}
	// a cursor that already carries the physical hash attribute is the raw
	// backing-store cursor handed back by a time-capped scan; it resumes
	// where the physical iteration stopped and needs no mapping
	if _, virtual := key[qm.mapping.virtualTable.Key.HashKey]; !virtual {
		if _, physical := key[qm.mapping.physicalTable.Key.HashKey]; physical {
			return nil
		}
	}
	mapped, err := qm.mapping.itemMapper().apply(ctx, key)
	if err != nil {
		return errors.Wrap(err, "mapping exclusiveStartKey")
	}
	return rw.SetExclusiveStartKey(mapped)
}

// addTenantFilter adds a begins_with predicate on the target hash key so a
// physical scan only surfaces rows of the current tenant, in whichever
// dialect the request speaks.
func (qm queryAndScanMapper) addTenantFilter(ctx context.Context, rw RequestWrapper, hashKeyMapping FieldMapping, legacyDialect bool) error {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return err
	}

	var prefixValue *dynamodb.AttributeValue
	switch hashKeyMapping.Target.Type {
	case dynamodb.ScalarAttributeTypeS:
		encoded, err := prefixString(tenant, qm.mapping.virtualTable.Name, "")
		if err != nil {
			return err
		}
		prefixValue = &dynamodb.AttributeValue{S: aws.String(encoded)}
	case dynamodb.ScalarAttributeTypeB:
		encoded, err := prefixBinary(tenant, qm.mapping.virtualTable.Name, nil)
		if err != nil {
			return err
		}
		prefixValue = &dynamodb.AttributeValue{B: encoded}
	default:
		return errors.Wrapf(ErrUnsupported, "physical hash key type %s", hashKeyMapping.Target.Type)
	}

	if legacyDialect {
		legacy, err := rw.LegacyExpression()
		if err != nil {
			return err
		}
		if legacy == nil {
			legacy = map[string]*dynamodb.Condition{}
		}
		return qm.addLegacyTenantFilter(rw, legacy, hashKeyMapping, prefixValue)
	}

	namePlaceholder := freshNamePlaceholder(rw, "#mt_tenant_hk")
	valuePlaceholder := freshValuePlaceholder(rw, ":mt_tenant_prefix")

	predicate := "begins_with(" + namePlaceholder + ", " + valuePlaceholder + ")"
	if existing := rw.FilterExpression(); existing != nil && *existing != "" {
		predicate = "(" + *existing + ") AND " + predicate
	}

	rw.PutExpressionAttributeName(namePlaceholder, hashKeyMapping.Target.Name)
	rw.PutExpressionAttributeValue(valuePlaceholder, prefixValue)
	rw.SetFilterExpression(&predicate)
	return nil
}

// addLegacyTenantFilter puts the tenant predicate into the legacy condition
// map. A rewritten equality on the hash key already carries the full
// tenant-encoded value and needs no extra predicate; any other operator on
// the hash key cannot coexist with the tenant condition, because the legacy
// dialect allows one condition per attribute.
func (qm queryAndScanMapper) addLegacyTenantFilter(rw RequestWrapper, legacy map[string]*dynamodb.Condition, hashKeyMapping FieldMapping, prefixValue *dynamodb.AttributeValue) error {
	if existing, ok := legacy[hashKeyMapping.Target.Name]; ok {
		op := aws.StringValue(existing.ComparisonOperator)
		if op == dynamodb.ComparisonOperatorEq || op == dynamodb.ComparisonOperatorBeginsWith {
			return nil
		}
		return errors.Wrapf(ErrUnsupported, "scanFilter operator %s on key attribute %s", op, hashKeyMapping.Source.Name)
	}
	legacy[hashKeyMapping.Target.Name] = &dynamodb.Condition{
		ComparisonOperator: aws.String(dynamodb.ComparisonOperatorBeginsWith),
		AttributeValueList: []*dynamodb.AttributeValue{prefixValue},
	}
	return rw.SetLegacyExpression(legacy)
}

// keyFromItem restricts a virtual item to the key attributes of the active
// index, for recomputing a scan's lastEvaluatedKey.
func keyFromItem(item map[string]*dynamodb.AttributeValue, key metadata.PrimaryKey) map[string]*dynamodb.AttributeValue {
	out := map[string]*dynamodb.AttributeValue{
		key.HashKey: item[key.HashKey],
	}
	if key.HasRangeKey() {
		out[key.RangeKey] = item[key.RangeKey]
	}
	return out
}
