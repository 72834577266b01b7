package sharedtable

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
)

// CreateTableRequestFactory enumerates the fixed set of physical tables and
// picks one for each virtual schema. The set is decided at startup; the
// layer never creates or destroys physical tables.
type CreateTableRequestFactory interface {
	// PhysicalTables lists every physical table, in selection order.
	PhysicalTables() []*dynamodb.CreateTableInput
	// CreateTableRequest returns the physical table chosen for the virtual
	// schema, or an error wrapping ErrNoPhysicalTable.
	CreateTableRequest(virtual *metadata.TableDescription) (*dynamodb.CreateTableInput, error)
}

// TableMappingFactory builds TableMappings: it selects the physical table
// via the CreateTableRequestFactory and lays out the field mappings for the
// primary key and every secondary index.
type TableMappingFactory struct {
	createTableRequestFactory CreateTableRequestFactory
}

func NewTableMappingFactory(f CreateTableRequestFactory) *TableMappingFactory {
	return &TableMappingFactory{createTableRequestFactory: f}
}

// CreateTableRequestFactory exposes the physical table set for callers that
// need to enumerate it (provisioning, diagnostics).
func (f *TableMappingFactory) CreateTableRequestFactory() CreateTableRequestFactory {
	return f.createTableRequestFactory
}

// TableMapping builds the mapping for one virtual schema. The result depends
// only on the schema, never on the tenant.
func (f *TableMappingFactory) TableMapping(virtual *metadata.TableDescription) (*TableMapping, error) {
	req, err := f.createTableRequestFactory.CreateTableRequest(virtual)
	if err != nil {
		return nil, err
	}
	physical, err := metadata.FromCreateTableRequest(req)
	if err != nil {
		return nil, err
	}

	assignment, ok := assignSecondaryIndexes(virtual, physical)
	if !ok {
		return nil, errors.Wrapf(ErrNoPhysicalTable, "physical table %s cannot host the secondary indexes of %s", physical.Name, virtual.Name)
	}

	tm := &TableMapping{
		virtualTable:      virtual,
		physicalTable:     physical,
		virtualToPhysical: map[string][]FieldMapping{},
		physicalToVirtual: map[string]FieldMapping{},
		secondaryIndexes:  map[string]secondaryIndexMapping{},
		fm:                fieldMapper{virtualTableName: virtual.Name},
	}

	tm.tableKeyMappings = keyFieldMappings(virtual.Key, physical.Key, virtual.Name, physical.Name, TableIndex)
	for _, m := range tm.tableKeyMappings {
		tm.addMapping(m)
	}

	for vi, pi := range assignment {
		vsi := virtual.SecondaryIndexes[vi]
		psi := physical.SecondaryIndexes[pi]
		mappings := keyFieldMappings(vsi.Key, psi.Key, vsi.Name, psi.Name, SecondaryIndexType)
		for _, m := range mappings {
			tm.addMapping(m)
		}
		tm.secondaryIndexes[vsi.Name] = secondaryIndexMapping{
			virtualName:  vsi.Name,
			physicalName: psi.Name,
			virtualKey:   vsi.Key,
			keyMappings:  mappings,
		}
	}

	return tm, nil
}

func keyFieldMappings(virtual, physical metadata.PrimaryKey, virtualIndexName, physicalIndexName string, indexType IndexType) []FieldMapping {
	mappings := []FieldMapping{{
		Source:            Field{Name: virtual.HashKey, Type: virtual.HashKeyType},
		Target:            Field{Name: physical.HashKey, Type: physical.HashKeyType},
		VirtualIndexName:  virtualIndexName,
		PhysicalIndexName: physicalIndexName,
		IndexType:         indexType,
		ContextAware:      true,
	}}
	if virtual.HasRangeKey() {
		mappings = append(mappings, FieldMapping{
			Source:            Field{Name: virtual.RangeKey, Type: virtual.RangeKeyType},
			Target:            Field{Name: physical.RangeKey, Type: physical.RangeKeyType},
			VirtualIndexName:  virtualIndexName,
			PhysicalIndexName: physicalIndexName,
			IndexType:         indexType,
			ContextAware:      false,
		})
	}
	return mappings
}

// compatibleKey says whether a virtual key can live on a physical key. Hash
// keys are string- or byte-coerced into the physical hash attribute (a
// physical S hash accepts virtual S and N; a physical B hash accepts any
// scalar). Range keys are carried as-is, so the types must match exactly.
func compatibleKey(virtual, physical metadata.PrimaryKey) bool {
	switch physical.HashKeyType {
	case dynamodb.ScalarAttributeTypeS:
		if virtual.HashKeyType == dynamodb.ScalarAttributeTypeB {
			return false
		}
	case dynamodb.ScalarAttributeTypeB:
		// any scalar coerces to bytes
	default:
		return false
	}
	if virtual.HasRangeKey() != physical.HasRangeKey() {
		return false
	}
	if virtual.HasRangeKey() && virtual.RangeKeyType != physical.RangeKeyType {
		return false
	}
	return true
}

func compatibleIndex(virtual, physical metadata.SecondaryIndex) bool {
	if virtual.Local != physical.Local {
		return false
	}
	if physical.ProjectionType != dynamodb.ProjectionTypeAll && physical.ProjectionType != virtual.ProjectionType {
		return false
	}
	return compatibleKey(virtual.Key, physical.Key)
}

// assignSecondaryIndexes maps each virtual secondary index, in declaration
// order, to the first still-unassigned compatible physical index.
func assignSecondaryIndexes(virtual, physical *metadata.TableDescription) (map[int]int, bool) {
	assignment := map[int]int{}
	used := map[int]bool{}
	for vi, vsi := range virtual.SecondaryIndexes {
		found := false
		for pi, psi := range physical.SecondaryIndexes {
			if used[pi] || !compatibleIndex(vsi, psi) {
				continue
			}
			assignment[vi] = pi
			used[pi] = true
			found = true
			break
		}
		if !found {
			return nil, false
		}
	}
	return assignment, true
}

// compatible reports whether the physical table can host the virtual schema.
func compatible(virtual, physical *metadata.TableDescription) bool {
	if !compatibleKey(virtual.Key, physical.Key) {
		return false
	}
	_, ok := assignSecondaryIndexes(virtual, physical)
	return ok
}

// defaultCreateTableRequestFactory selects from a fixed ordered table set.
type defaultCreateTableRequestFactory struct {
	tables []*dynamodb.CreateTableInput
	descs  []*metadata.TableDescription
}

// NewCreateTableRequestFactory wraps an explicit physical table set.
func NewCreateTableRequestFactory(tables []*dynamodb.CreateTableInput) (CreateTableRequestFactory, error) {
	f := &defaultCreateTableRequestFactory{tables: tables}
	for _, req := range tables {
		desc, err := metadata.FromCreateTableRequest(req)
		if err != nil {
			return nil, err
		}
		f.descs = append(f.descs, desc)
	}
	return f, nil
}

// DefaultCreateTableRequestFactory returns the stock physical table set,
// named with the given prefix: string-hash tables with range variants
// (none, S, N, B) carrying a spread of secondary indexes, then binary-hash
// variants for virtual tables with binary range or hash keys.
func DefaultCreateTableRequestFactory(tablePrefix string) CreateTableRequestFactory {
	f, err := NewCreateTableRequestFactory(defaultPhysicalTables(tablePrefix))
	if err != nil {
		// the stock set is static; a conversion failure is a programming error
		panic(err)
	}
	return f
}

func (f *defaultCreateTableRequestFactory) PhysicalTables() []*dynamodb.CreateTableInput {
	return f.tables
}

func (f *defaultCreateTableRequestFactory) CreateTableRequest(virtual *metadata.TableDescription) (*dynamodb.CreateTableInput, error) {
	for i, desc := range f.descs {
		if compatible(virtual, desc) {
			return f.tables[i], nil
		}
	}
	return nil, errors.Wrap(ErrNoPhysicalTable, virtual.Name)
}

const (
	physicalHashKey  = "hk"
	physicalRangeKey = "rk"
)

func defaultPhysicalTables(prefix string) []*dynamodb.CreateTableInput {
	s := dynamodb.ScalarAttributeTypeS
	n := dynamodb.ScalarAttributeTypeN
	b := dynamodb.ScalarAttributeTypeB
	return []*dynamodb.CreateTableInput{
		physicalTable(prefix+"mt_shared_s", s, "", stringIndexes(s)),
		physicalTable(prefix+"mt_shared_s_s", s, s, append(stringIndexes(s), localIndexes(s)...)),
		physicalTable(prefix+"mt_shared_s_n", s, n, append(stringIndexes(s), localIndexes(s)...)),
		physicalTable(prefix+"mt_shared_s_b", s, b, append(stringIndexes(s), localIndexes(s)...)),
		physicalTable(prefix+"mt_shared_b", b, "", stringIndexes(b)),
		physicalTable(prefix+"mt_shared_b_s", b, s, append(stringIndexes(b), localIndexes(b)...)),
		physicalTable(prefix+"mt_shared_b_b", b, b, append(stringIndexes(b), localIndexes(b)...)),
	}
}

type physicalIndex struct {
	name      string
	hashType  string
	rangeType string
	local     bool
}

// stringIndexes is the GSI spread on every physical table: a hash-only
// index plus one ranged index per scalar range type, with the given hash
// type.
func stringIndexes(hashType string) []physicalIndex {
	h := strings.ToLower(hashType)
	return []physicalIndex{
		{name: "gsi_" + h, hashType: hashType},
		{name: "gsi_" + h + "_s", hashType: hashType, rangeType: dynamodb.ScalarAttributeTypeS},
		{name: "gsi_" + h + "_n", hashType: hashType, rangeType: dynamodb.ScalarAttributeTypeN},
		{name: "gsi_" + h + "_b", hashType: hashType, rangeType: dynamodb.ScalarAttributeTypeB},
	}
}

func localIndexes(tableHashType string) []physicalIndex {
	return []physicalIndex{
		{name: "lsi_s", hashType: tableHashType, rangeType: dynamodb.ScalarAttributeTypeS, local: true},
		{name: "lsi_n", hashType: tableHashType, rangeType: dynamodb.ScalarAttributeTypeN, local: true},
		{name: "lsi_b", hashType: tableHashType, rangeType: dynamodb.ScalarAttributeTypeB, local: true},
	}
}

func physicalTable(name, hashType, rangeType string, indexes []physicalIndex) *dynamodb.CreateTableInput {
	req := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String(physicalHashKey),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
		StreamSpecification: &dynamodb.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: aws.String(dynamodb.StreamViewTypeNewAndOldImages),
		},
	}

	attrs := map[string]string{physicalHashKey: hashType}
	if rangeType != "" {
		attrs[physicalRangeKey] = rangeType
		req.KeySchema = append(req.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(physicalRangeKey),
			KeyType:       aws.String(dynamodb.KeyTypeRange),
		})
	}

	for _, idx := range indexes {
		hashAttr := idx.name + "_hk"
		if idx.local {
			// local indexes share the table hash key
			hashAttr = physicalHashKey
		} else {
			attrs[hashAttr] = idx.hashType
		}
		schema := []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String(hashAttr),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}}
		if idx.rangeType != "" {
			rangeAttr := idx.name + "_rk"
			attrs[rangeAttr] = idx.rangeType
			schema = append(schema, &dynamodb.KeySchemaElement{
				AttributeName: aws.String(rangeAttr),
				KeyType:       aws.String(dynamodb.KeyTypeRange),
			})
		}
		projection := &dynamodb.Projection{ProjectionType: aws.String(dynamodb.ProjectionTypeAll)}
		if idx.local {
			req.LocalSecondaryIndexes = append(req.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndex{
				IndexName:  aws.String(idx.name),
				KeySchema:  schema,
				Projection: projection,
			})
		} else {
			req.GlobalSecondaryIndexes = append(req.GlobalSecondaryIndexes, &dynamodb.GlobalSecondaryIndex{
				IndexName:  aws.String(idx.name),
				KeySchema:  schema,
				Projection: projection,
			})
		}
	}

	for name, attrType := range attrs {
		req.AttributeDefinitions = append(req.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: aws.String(attrType),
		})
	}
	return req
}
