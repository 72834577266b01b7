package sharedtable

import "github.com/pkg/errors"

// Error kinds surfaced by the layer. Callers match with errors.Is; the
// concrete messages wrap these sentinels with request detail. Backing-store
// errors pass through unwrapped.
var (
	// ErrInvalidArgument covers malformed keys, a disallowed delimiter in a
	// tenant or index name, and missing required key attributes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported covers rejected request options and request-wrapper
	// methods that do not apply to their carrier.
	ErrUnsupported = errors.New("unsupported")

	// ErrNoPhysicalTable means no physical table in the fixed set is
	// compatible with a virtual schema.
	ErrNoPhysicalTable = errors.New("no physical table matches virtual schema")

	// ErrCorrupt means a decoded key prefix lacks the expected delimiters or
	// does not belong to the current tenant.
	ErrCorrupt = errors.New("corrupt key prefix")

	// ErrClosed means the client has been closed and can no longer accept
	// background work.
	ErrClosed = errors.New("client closed")
)
