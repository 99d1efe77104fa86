package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/keygate-io/keygate"
)

type authContextKey struct{}

// AuthFromContext returns the authenticated identity attached by
// Guard, if any.
func AuthFromContext(ctx context.Context) (*keygate.AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(*keygate.AuthContext)
	return auth, ok
}

// Guard verifies the bearer token on every request and attaches the
// resulting identity to the request context. The client IP and
// User-Agent are attached too, so downstream engine calls carry them
// into sessions and audit entries.
func Guard(engine *keygate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := withClientMeta(r.Context(), r)
			auth, err := engine.Authenticate(ctx, token)
			if err != nil {
				http.Error(w, "unauthorized", keygate.KindOf(err).HTTPStatus())
				return
			}

			ctx = context.WithValue(ctx, authContextKey{}, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require wraps a handler that must already be behind Guard and
// enforces a permission list in the given match mode.
func Require(required []string, mode keygate.MatchMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, _ := AuthFromContext(r.Context())
			if err := keygate.Check(auth, required, mode); err != nil {
				http.Error(w, "forbidden", keygate.KindOf(err).HTTPStatus())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withClientMeta(ctx context.Context, r *http.Request) context.Context {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ctx = keygate.WithClientIP(ctx, host)
	return keygate.WithUserAgent(ctx, r.UserAgent())
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
