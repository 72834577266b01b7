// Package badgerrepo keeps virtual-table schemas in an embedded BadgerDB,
// for local development and tests that should not touch a real backing
// store.
package badgerrepo

import (
	"context"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo"
)

const keyDelimiter = "/"

// Repo implements repo.TableDescriptionRepo on BadgerDB.
type Repo struct {
	db *badger.DB
}

// Open opens (or creates) a badger-backed repo at path.
func Open(path string) (*Repo, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger repo")
	}
	return &Repo{db: db}, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) CreateTable(ctx context.Context, desc *metadata.TableDescription) (*metadata.TableDescription, error) {
	key, err := tableKey(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing schema of %s", desc.Name)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return errors.Wrap(repo.ErrTableExists, desc.Name)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, blob)
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

func (r *Repo) GetTableDescription(ctx context.Context, tableName string) (*metadata.TableDescription, error) {
	key, err := tableKey(ctx, tableName)
	if err != nil {
		return nil, err
	}

	var desc metadata.TableDescription
	err = r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errors.Wrap(repo.ErrTableNotFound, tableName)
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &desc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func (r *Repo) DeleteTable(ctx context.Context, tableName string) (*metadata.TableDescription, error) {
	desc, err := r.GetTableDescription(ctx, tableName)
	if err != nil {
		return nil, err
	}

	key, err := tableKey(ctx, tableName)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

func tableKey(ctx context.Context, tableName string) ([]byte, error) {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(tenant + keyDelimiter + tableName), nil
}
