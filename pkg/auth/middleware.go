package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/storage"
)

// DefaultBypassEndpoints lists paths served without authentication. A
// trailing slash matches every path below it.
var DefaultBypassEndpoints = []string{"/healthz", "/metrics", "/static/"}

// Middleware authenticates every request not on the bypass list, applies
// the optional rate limiter, and stores the identity in the context. The
// identity's subject becomes the storage tenant, so sessions and
// transcripts are only visible to their owner.
func Middleware(chain *AuthChain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool, len(bypassEndpoints))
	var prefixes []string
	for _, ep := range bypassEndpoints {
		if strings.HasSuffix(ep, "/") {
			prefixes = append(prefixes, ep)
			continue
		}
		exact[ep] = true
	}
	bypassed := func(path string) bool {
		if exact[path] {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="datachat"`)
				api.WriteError(w, api.NewUnauthorizedError("authentication required"))
				return
			}

			id := result.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				api.WriteError(w, api.NewServerError("internal authentication error"))
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.ServiceTier)
					observability.RateLimitRejectedTotal.WithLabelValues(tierOf(id)).Inc()
					api.WriteError(w, api.NewTooManyRequestsError("rate limit exceeded"))
					return
				}
			}

			slog.Debug("authenticated", "subject", id.Subject, "path", r.URL.Path)

			ctx := SetIdentity(r.Context(), id)
			ctx = storage.SetTenant(ctx, id.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tierOf(id *Identity) string {
	if id.ServiceTier == "" {
		return "default"
	}
	return id.ServiceTier
}
