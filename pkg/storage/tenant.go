package storage

import "context"

type tenantKey struct{}

// SetTenant scopes storage calls made with the returned context to the
// given owner, usually the authenticated subject.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenant returns the owner set on ctx, or "" when running without
// authentication.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// SameTenant reports whether a thread stored for owner is visible to ctx.
// Calls without an owner see every thread.
func SameTenant(ctx context.Context, owner string) bool {
	t := GetTenant(ctx)
	return t == "" || t == owner
}
