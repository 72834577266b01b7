package sharedtable

import (
	"context"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
)

// itemMapper rewrites whole items: key attributes are renamed to their
// physical names and tenant-prefixed, everything else passes through
// untouched.
type itemMapper struct {
	mapping *TableMapping
}

func (im itemMapper) apply(ctx context.Context, item map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
	out := make(map[string]*dynamodb.AttributeValue, len(item))
	for name, v := range item {
		mappings, ok := im.mapping.virtualToPhysical[name]
		if !ok {
			out[name] = v
			continue
		}
		for _, m := range mappings {
			mapped, err := im.mapping.fm.apply(ctx, m, v)
			if err != nil {
				return nil, errors.Wrapf(err, "mapping attribute %s", name)
			}
			out[m.Target.Name] = mapped
		}
	}
	return out, nil
}

func (im itemMapper) reverse(ctx context.Context, item map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
	out := make(map[string]*dynamodb.AttributeValue, len(item))
	for name, v := range item {
		m, ok := im.mapping.physicalToVirtual[name]
		if !ok {
			out[name] = v
			continue
		}
		unmapped, err := im.mapping.fm.reverse(ctx, m, v)
		if err != nil {
			return nil, errors.Wrapf(err, "unmapping attribute %s", name)
		}
		out[m.Target.Name] = unmapped
	}
	return out, nil
}

// keyMapper is the itemMapper restricted to the table's primary-key
// attributes, used where a payload is a bare key (GetItem, unprocessed-keys
// fan-out on batch get).
type keyMapper struct {
	mapping *TableMapping
}

func (km keyMapper) apply(ctx context.Context, key map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
	out := make(map[string]*dynamodb.AttributeValue, len(key))
	for _, m := range km.mapping.tableKeyMappings {
		v, ok := key[m.Source.Name]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidArgument, "key is missing required attribute %s", m.Source.Name)
		}
		mapped, err := km.mapping.fm.apply(ctx, m, v)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping key attribute %s", m.Source.Name)
		}
		out[m.Target.Name] = mapped
	}
	return out, nil
}

func (km keyMapper) reverse(ctx context.Context, key map[string]*dynamodb.AttributeValue) (map[string]*dynamodb.AttributeValue, error) {
	out := make(map[string]*dynamodb.AttributeValue, len(key))
	for _, m := range km.mapping.tableKeyMappings {
		reversed := m.reverse()
		v, ok := key[reversed.Source.Name]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidArgument, "key is missing required attribute %s", reversed.Source.Name)
		}
		unmapped, err := km.mapping.fm.reverse(ctx, reversed, v)
		if err != nil {
			return nil, errors.Wrapf(err, "unmapping key attribute %s", reversed.Source.Name)
		}
		out[reversed.Target.Name] = unmapped
	}
	return out, nil
}
