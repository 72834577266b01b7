// Package repo persists virtual-table schemas per tenant. Implementations
// live in the dynamorepo and badgerrepo subpackages.
package repo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
)

var (
	// ErrTableNotFound is returned for a virtual table the repo has never
	// seen (or whose schema was deleted).
	ErrTableNotFound = errors.New("virtual table not found")

	// ErrTableExists is returned by CreateTable when the tenant already has
	// a table of that name.
	ErrTableExists = errors.New("virtual table already exists")
)

// TableDescriptionRepo stores virtual-table schemas keyed by (tenant, table
// name). The tenant is taken from ctx via mtcontext.
type TableDescriptionRepo interface {
	CreateTable(ctx context.Context, desc *metadata.TableDescription) (*metadata.TableDescription, error)
	GetTableDescription(ctx context.Context, tableName string) (*metadata.TableDescription, error)
	DeleteTable(ctx context.Context, tableName string) (*metadata.TableDescription, error)
}
