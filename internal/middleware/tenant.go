package middleware

import (
	"context"
	"net/http"
	"strings"
)

// DefaultTenantID is used when no X-Tenant-ID header is set. Its limits are
// the configured defaults.
const DefaultTenantID = "default"

const (
	headerTenantID    = "X-Tenant-ID"
	maxTenantIDLength = 64
)

type tenantCtxKey struct{}

// TenantID stores the caller's tenant in the request context. Tenant ids
// end up in ledger scope and cache keys, so only letters, digits, '-' and
// '_' are accepted; anything else is rejected with 400.
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := strings.TrimSpace(r.Header.Get(headerTenantID))
		if tid == "" {
			tid = DefaultTenantID
		}
		if !ValidTenantID(tid) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid X-Tenant-ID"}`))
			return
		}
		ctx := context.WithValue(r.Context(), tenantCtxKey{}, tid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidTenantID reports whether id can be used as a ledger tenant.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > maxTenantIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// TenantIDFromContext returns the tenant ID stored in ctx, or DefaultTenantID if absent.
func TenantIDFromContext(ctx context.Context) string {
	if tid, ok := ctx.Value(tenantCtxKey{}).(string); ok {
		return tid
	}
	return DefaultTenantID
}
