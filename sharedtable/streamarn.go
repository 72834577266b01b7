package sharedtable

import (
	"strings"

	"github.com/pkg/errors"
)

const streamArnSeparator = "::"

// StreamArn is the composite ARN handed to stream consumers of a virtual
// table: the physical stream ARN qualified with the tenant and the virtual
// table name, so downstream readers can demultiplex shared-stream events.
type StreamArn struct {
	PhysicalArn      string
	Tenant           string
	VirtualTableName string
}

func (a StreamArn) String() string {
	return a.PhysicalArn + streamArnSeparator + a.Tenant + streamArnSeparator + a.VirtualTableName
}

// ParseStreamArn splits a composite stream ARN back into its parts.
func ParseStreamArn(s string) (StreamArn, error) {
	i := strings.LastIndex(s, streamArnSeparator)
	if i < 0 {
		return StreamArn{}, errors.Wrapf(ErrInvalidArgument, "stream arn %q has no virtual table qualifier", s)
	}
	rest, virtualTable := s[:i], s[i+len(streamArnSeparator):]
	j := strings.LastIndex(rest, streamArnSeparator)
	if j < 0 {
		return StreamArn{}, errors.Wrapf(ErrInvalidArgument, "stream arn %q has no tenant qualifier", s)
	}
	return StreamArn{
		PhysicalArn:      rest[:j],
		Tenant:           rest[j+len(streamArnSeparator):],
		VirtualTableName: virtualTable,
	}, nil
}
