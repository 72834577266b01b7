package sharedtable

// IndexType says whether a field mapping serves the table's own primary key
// or a secondary index's.
type IndexType int

const (
	TableIndex IndexType = iota
	SecondaryIndexType
)

// Field is an attribute name plus its scalar type
// (dynamodb.ScalarAttributeTypeS, N or B).
type Field struct {
	Name string
	Type string
}

// FieldMapping ties one virtual attribute to one physical attribute.
// Context-aware mappings carry the tenant prefix on the value; mappings that
// are not context-aware (range keys) only rename and type-coerce.
type FieldMapping struct {
	Source            Field
	Target            Field
	VirtualIndexName  string
	PhysicalIndexName string
	IndexType         IndexType
	ContextAware      bool
}

// reverse swaps source and target, for the read path.
func (m FieldMapping) reverse() FieldMapping {
	m.Source, m.Target = m.Target, m.Source
	return m
}
