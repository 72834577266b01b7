package sharedtable

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Every hash key value written to a physical table is prefixed with
// `<tenant><delim><qualifier><delim>`, where the qualifier is the virtual
// table name. The delimiter is '.' for string keys and byte 0x2E for binary
// keys; the original value bytes follow the second delimiter verbatim, so
// values may themselves contain the delimiter.
const delimiter = "."

var delimiterByte = []byte(delimiter)

func prefixString(tenant, qualifier, value string) (string, error) {
	if err := checkPrefixParts(tenant, qualifier); err != nil {
		return "", err
	}
	return tenant + delimiter + qualifier + delimiter + value, nil
}

func unprefixString(encoded string) (tenant, qualifier, value string, err error) {
	i := strings.Index(encoded, delimiter)
	if i < 0 {
		return "", "", "", errors.Wrapf(ErrCorrupt, "value %q has no tenant delimiter", encoded)
	}
	j := strings.Index(encoded[i+1:], delimiter)
	if j < 0 {
		return "", "", "", errors.Wrapf(ErrCorrupt, "value %q has no qualifier delimiter", encoded)
	}
	j += i + 1
	return encoded[:i], encoded[i+1 : j], encoded[j+1:], nil
}

func prefixBinary(tenant, qualifier string, value []byte) ([]byte, error) {
	if err := checkPrefixParts(tenant, qualifier); err != nil {
		return nil, err
	}
	prefix := []byte(tenant + delimiter + qualifier + delimiter)
	encoded := make([]byte, 0, len(prefix)+len(value))
	encoded = append(encoded, prefix...)
	return append(encoded, value...), nil
}

func unprefixBinary(encoded []byte) (tenant, qualifier string, value []byte, err error) {
	i := bytes.Index(encoded, delimiterByte)
	if i < 0 {
		return "", "", nil, errors.Wrap(ErrCorrupt, "binary value has no tenant delimiter")
	}
	j := bytes.Index(encoded[i+1:], delimiterByte)
	if j < 0 {
		return "", "", nil, errors.Wrap(ErrCorrupt, "binary value has no qualifier delimiter")
	}
	j += i + 1
	return string(encoded[:i]), string(encoded[i+1 : j]), encoded[j+1:], nil
}

func checkPrefixParts(tenant, qualifier string) error {
	if tenant == "" {
		return errors.Wrap(ErrInvalidArgument, "empty tenant")
	}
	if qualifier == "" {
		return errors.Wrap(ErrInvalidArgument, "empty table name")
	}
	if strings.Contains(tenant, delimiter) {
		return errors.Wrapf(ErrInvalidArgument, "tenant %q contains delimiter %q", tenant, delimiter)
	}
	if strings.Contains(qualifier, delimiter) {
		return errors.Wrapf(ErrInvalidArgument, "table name %q contains delimiter %q", qualifier, delimiter)
	}
	return nil
}
