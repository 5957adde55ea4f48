package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/warp/invoice-engine/billing"
)

type ctxKey int

const userKey ctxKey = iota

// StaticAuth resolves bearer tokens from configuration. Session management
// is out of scope; whoever holds a token acts as its user.
type StaticAuth struct {
	users  map[string]billing.UserID
	admins []string
}

func NewStaticAuth(tokens map[string]string, adminTokens []string) *StaticAuth {
	users := make(map[string]billing.UserID, len(tokens))
	for tok, user := range tokens {
		users[tok] = billing.UserID(user)
	}
	return &StaticAuth{users: users, admins: adminTokens}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireUser rejects requests without a known user token.
func (a *StaticAuth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.users[bearer(r)]
		if !ok || user == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or unknown bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// RequireAdmin rejects requests without an admin token.
func (a *StaticAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		for _, admin := range a.admins {
			if tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(admin)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "admin token required")
	})
}

// UserFrom returns the authenticated user set by RequireUser.
func UserFrom(ctx context.Context) billing.UserID {
	u, _ := ctx.Value(userKey).(billing.UserID)
	return u
}
