// Package metadata models virtual and physical table schemas independently of
// the wire types, plus conversions to and from the aws-sdk-go request and
// description shapes.
package metadata

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
)

// PrimaryKey is a hash attribute and an optional range attribute, each with a
// declared scalar type (dynamodb.ScalarAttributeTypeS, N or B).
type PrimaryKey struct {
	HashKey      string
	HashKeyType  string
	RangeKey     string
	RangeKeyType string
}

// HasRangeKey reports whether a range attribute is declared.
func (pk PrimaryKey) HasRangeKey() bool {
	return pk.RangeKey != ""
}

// SecondaryIndex is a named index with its own primary key and projection.
type SecondaryIndex struct {
	Name           string
	Key            PrimaryKey
	ProjectionType string
	Local          bool
}

// TableDescription is the schema of one table, virtual or physical. For
// physical tables LatestStreamArn may be populated lazily from the backing
// store.
type TableDescription struct {
	Name             string
	Key              PrimaryKey
	SecondaryIndexes []SecondaryIndex
	StreamEnabled    bool
	LatestStreamArn  string
}

// SecondaryIndex returns the index with the given name.
func (t *TableDescription) SecondaryIndex(name string) (*SecondaryIndex, bool) {
	for i := range t.SecondaryIndexes {
		if t.SecondaryIndexes[i].Name == name {
			return &t.SecondaryIndexes[i], true
		}
	}
	return nil, false
}

// FromCreateTableRequest converts a CreateTableInput into a TableDescription.
// Global indexes precede local ones, each in declaration order.
func FromCreateTableRequest(req *dynamodb.CreateTableInput) (*TableDescription, error) {
	if req == nil || req.TableName == nil || *req.TableName == "" {
		return nil, errors.New("create table request has no table name")
	}

	attrTypes := map[string]string{}
	for _, def := range req.AttributeDefinitions {
		attrTypes[aws.StringValue(def.AttributeName)] = aws.StringValue(def.AttributeType)
	}

	key, err := keyFromSchema(req.KeySchema, attrTypes)
	if err != nil {
		return nil, errors.Wrapf(err, "table %s", *req.TableName)
	}

	desc := &TableDescription{
		Name: *req.TableName,
		Key:  key,
	}

	for _, gsi := range req.GlobalSecondaryIndexes {
		siKey, err := keyFromSchema(gsi.KeySchema, attrTypes)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s", aws.StringValue(gsi.IndexName))
		}
		desc.SecondaryIndexes = append(desc.SecondaryIndexes, SecondaryIndex{
			Name:           aws.StringValue(gsi.IndexName),
			Key:            siKey,
			ProjectionType: projectionType(gsi.Projection),
		})
	}
	for _, lsi := range req.LocalSecondaryIndexes {
		siKey, err := keyFromSchema(lsi.KeySchema, attrTypes)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s", aws.StringValue(lsi.IndexName))
		}
		desc.SecondaryIndexes = append(desc.SecondaryIndexes, SecondaryIndex{
			Name:           aws.StringValue(lsi.IndexName),
			Key:            siKey,
			ProjectionType: projectionType(lsi.Projection),
			Local:          true,
		})
	}

	if req.StreamSpecification != nil {
		desc.StreamEnabled = aws.BoolValue(req.StreamSpecification.StreamEnabled)
	}

	return desc, nil
}

func projectionType(p *dynamodb.Projection) string {
	if p == nil {
		return dynamodb.ProjectionTypeAll
	}
	return aws.StringValue(p.ProjectionType)
}

func keyFromSchema(schema []*dynamodb.KeySchemaElement, attrTypes map[string]string) (PrimaryKey, error) {
	var key PrimaryKey
	for _, elem := range schema {
		name := aws.StringValue(elem.AttributeName)
		attrType, ok := attrTypes[name]
		if !ok {
			return PrimaryKey{}, errors.Errorf("key attribute %s has no attribute definition", name)
		}
		switch aws.StringValue(elem.KeyType) {
		case dynamodb.KeyTypeHash:
			key.HashKey, key.HashKeyType = name, attrType
		case dynamodb.KeyTypeRange:
			key.RangeKey, key.RangeKeyType = name, attrType
		default:
			return PrimaryKey{}, errors.Errorf("unknown key type %s", aws.StringValue(elem.KeyType))
		}
	}
	if key.HashKey == "" {
		return PrimaryKey{}, errors.New("key schema has no hash key")
	}
	return key, nil
}

// ToTableDescription converts back into the wire description shape.
func (t *TableDescription) ToTableDescription() *dynamodb.TableDescription {
	out := &dynamodb.TableDescription{
		TableName:            aws.String(t.Name),
		KeySchema:            keySchema(t.Key),
		AttributeDefinitions: t.attributeDefinitions(),
	}
	for _, si := range t.SecondaryIndexes {
		if si.Local {
			out.LocalSecondaryIndexes = append(out.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndexDescription{
				IndexName:  aws.String(si.Name),
				KeySchema:  keySchema(si.Key),
				Projection: &dynamodb.Projection{ProjectionType: aws.String(si.ProjectionType)},
			})
		} else {
			out.GlobalSecondaryIndexes = append(out.GlobalSecondaryIndexes, &dynamodb.GlobalSecondaryIndexDescription{
				IndexName:  aws.String(si.Name),
				KeySchema:  keySchema(si.Key),
				Projection: &dynamodb.Projection{ProjectionType: aws.String(si.ProjectionType)},
			})
		}
	}
	if t.StreamEnabled {
		out.StreamSpecification = &dynamodb.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: aws.String(dynamodb.StreamViewTypeNewAndOldImages),
		}
		if t.LatestStreamArn != "" {
			out.LatestStreamArn = aws.String(t.LatestStreamArn)
		}
	}
	return out
}

func keySchema(key PrimaryKey) []*dynamodb.KeySchemaElement {
	schema := []*dynamodb.KeySchemaElement{{
		AttributeName: aws.String(key.HashKey),
		KeyType:       aws.String(dynamodb.KeyTypeHash),
	}}
	if key.HasRangeKey() {
		schema = append(schema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(key.RangeKey),
			KeyType:       aws.String(dynamodb.KeyTypeRange),
		})
	}
	return schema
}

func (t *TableDescription) attributeDefinitions() []*dynamodb.AttributeDefinition {
	seen := map[string]bool{}
	var defs []*dynamodb.AttributeDefinition
	add := func(name, attrType string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		defs = append(defs, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: aws.String(attrType),
		})
	}
	add(t.Key.HashKey, t.Key.HashKeyType)
	add(t.Key.RangeKey, t.Key.RangeKeyType)
	for _, si := range t.SecondaryIndexes {
		add(si.Key.HashKey, si.Key.HashKeyType)
		add(si.Key.RangeKey, si.Key.RangeKeyType)
	}
	return defs
}
