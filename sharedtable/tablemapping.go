package sharedtable

import (
	"github.com/sharedtable/mtdynamo/metadata"
)

// TableMapping binds one virtual table to its chosen physical table and
// holds the per-field mappings. It is built once per virtual table, is
// immutable after construction, and is safe to share across requests; the
// tenant is resolved from the request context at apply time, never baked in.
type TableMapping struct {
	virtualTable  *metadata.TableDescription
	physicalTable *metadata.TableDescription

	// write-time: virtual field name -> mappings (a field may serve the
	// table key and one or more secondary indexes at once)
	virtualToPhysical map[string][]FieldMapping
	// read-time: physical field name -> reversed mapping
	physicalToVirtual map[string]FieldMapping

	tableKeyMappings []FieldMapping // table primary key, hash first
	secondaryIndexes map[string]secondaryIndexMapping

	fm fieldMapper
}

type secondaryIndexMapping struct {
	virtualName  string
	physicalName string
	virtualKey   metadata.PrimaryKey
	keyMappings  []FieldMapping // hash first
}

// VirtualTable returns the virtual schema this mapping was built from.
func (tm *TableMapping) VirtualTable() *metadata.TableDescription {
	return tm.virtualTable
}

// PhysicalTable returns the physical table chosen for the virtual schema.
func (tm *TableMapping) PhysicalTable() *metadata.TableDescription {
	return tm.physicalTable
}

func (tm *TableMapping) itemMapper() itemMapper {
	return itemMapper{mapping: tm}
}

func (tm *TableMapping) keyMapper() keyMapper {
	return keyMapper{mapping: tm}
}

func (tm *TableMapping) conditionMapper() conditionMapper {
	return conditionMapper{mapping: tm}
}

func (tm *TableMapping) queryAndScanMapper() queryAndScanMapper {
	return queryAndScanMapper{mapping: tm}
}

// indexFor resolves the key mappings in play for a request: the table's
// primary key when no index is named, otherwise the named virtual secondary
// index.
func (tm *TableMapping) indexFor(indexName *string) (virtualKey metadata.PrimaryKey, physicalIndexName string, mappings []FieldMapping, ok bool) {
	if indexName == nil {
		return tm.virtualTable.Key, "", tm.tableKeyMappings, true
	}
	si, found := tm.secondaryIndexes[*indexName]
	if !found {
		return metadata.PrimaryKey{}, "", nil, false
	}
	return si.virtualKey, si.physicalName, si.keyMappings, true
}

func (tm *TableMapping) addMapping(m FieldMapping) {
	tm.virtualToPhysical[m.Source.Name] = append(tm.virtualToPhysical[m.Source.Name], m)
	tm.physicalToVirtual[m.Target.Name] = m.reverse()
}
