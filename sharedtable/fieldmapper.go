package sharedtable

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/sharedtable/mtdynamo/mtcontext"
)

// fieldMapper applies and reverses a single FieldMapping on one attribute
// value. The prefix qualifier is always the virtual table name, regardless
// of whether the mapping serves the table or a secondary index, so the read
// path can decode without knowing which index produced a value.
type fieldMapper struct {
	virtualTableName string
}

// apply coerces the value from the source type to the target type and, for
// context-aware mappings, prepends the tenant prefix.
func (f fieldMapper) apply(ctx context.Context, m FieldMapping, v *dynamodb.AttributeValue) (*dynamodb.AttributeValue, error) {
	raw, err := scalarBytes(m.Source.Type, v)
	if err != nil {
		return nil, err
	}

	if !m.ContextAware {
		return scalarValue(m.Target.Type, raw)
	}

	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return nil, err
	}

	switch m.Target.Type {
	case dynamodb.ScalarAttributeTypeS:
		encoded, err := prefixString(tenant, f.virtualTableName, string(raw))
		if err != nil {
			return nil, err
		}
		return &dynamodb.AttributeValue{S: aws.String(encoded)}, nil
	case dynamodb.ScalarAttributeTypeB:
		encoded, err := prefixBinary(tenant, f.virtualTableName, raw)
		if err != nil {
			return nil, err
		}
		return &dynamodb.AttributeValue{B: encoded}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupported, "cannot prefix a value of physical type %s", m.Target.Type)
	}
}

// reverse undoes apply. The mapping passed in is the reversed one (source is
// the physical field). Fails with ErrCorrupt when the encoded value does not
// carry the expected delimiters or belongs to another tenant.
func (f fieldMapper) reverse(ctx context.Context, m FieldMapping, v *dynamodb.AttributeValue) (*dynamodb.AttributeValue, error) {
	raw, err := scalarBytes(m.Source.Type, v)
	if err != nil {
		return nil, err
	}

	if !m.ContextAware {
		return scalarValue(m.Target.Type, raw)
	}

	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return nil, err
	}

	var decodedTenant, qualifier string
	var value []byte
	switch m.Source.Type {
	case dynamodb.ScalarAttributeTypeS:
		var s string
		decodedTenant, qualifier, s, err = unprefixString(string(raw))
		value = []byte(s)
	case dynamodb.ScalarAttributeTypeB:
		decodedTenant, qualifier, value, err = unprefixBinary(raw)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "cannot strip prefix from a value of physical type %s", m.Source.Type)
	}
	if err != nil {
		return nil, err
	}

	if decodedTenant != tenant {
		return nil, errors.Wrapf(ErrCorrupt, "value belongs to tenant %q, current tenant is %q", decodedTenant, tenant)
	}
	if qualifier != f.virtualTableName {
		return nil, errors.Wrapf(ErrCorrupt, "value belongs to table %q, expected %q", qualifier, f.virtualTableName)
	}

	return scalarValue(m.Target.Type, value)
}

// scalarBytes extracts the scalar payload of v according to the declared
// type. Numbers are their canonical decimal strings.
func scalarBytes(attrType string, v *dynamodb.AttributeValue) ([]byte, error) {
	if v == nil {
		return nil, errors.Wrapf(ErrUnsupported, "nil attribute value for type %s", attrType)
	}
	switch attrType {
	case dynamodb.ScalarAttributeTypeS:
		if v.S != nil {
			return []byte(*v.S), nil
		}
	case dynamodb.ScalarAttributeTypeN:
		if v.N != nil {
			return []byte(*v.N), nil
		}
	case dynamodb.ScalarAttributeTypeB:
		if v.B != nil {
			return v.B, nil
		}
	default:
		return nil, errors.Wrapf(ErrUnsupported, "unknown scalar type %q", attrType)
	}
	return nil, errors.Wrapf(ErrUnsupported, "attribute value %s could not be converted to type %s", v.String(), attrType)
}

func scalarValue(attrType string, raw []byte) (*dynamodb.AttributeValue, error) {
	switch attrType {
	case dynamodb.ScalarAttributeTypeS:
		return &dynamodb.AttributeValue{S: aws.String(string(raw))}, nil
	case dynamodb.ScalarAttributeTypeN:
		return &dynamodb.AttributeValue{N: aws.String(string(raw))}, nil
	case dynamodb.ScalarAttributeTypeB:
		return &dynamodb.AttributeValue{B: raw}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupported, "unknown scalar type %q", attrType)
	}
}
