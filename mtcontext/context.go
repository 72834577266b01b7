// Package mtcontext carries the tenant identity of the calling request on a
// context.Context. Every operation of the shared-table layer resolves the
// tenant through this package; an absent tenant is an error, never a
// fall-through to some default namespace.
package mtcontext

import (
	"context"

	"github.com/pkg/errors"
)

type contextKey int

const tenantKey contextKey = iota

// ErrNoTenant is returned when an operation runs without a tenant scope.
var ErrNoTenant = errors.New("no tenant in context")

// WithTenant returns a child context scoped to the given tenant. Background
// work (e.g. async table deletes) uses this to re-establish the scope of the
// request that enqueued it.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// FromContext reports the tenant on ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantKey).(string)
	return tenant, ok && tenant != ""
}

// Tenant returns the tenant on ctx or ErrNoTenant.
func Tenant(ctx context.Context) (string, error) {
	tenant, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoTenant
	}
	return tenant, nil
}
