package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/queue-keeper/queue-keeper/pkg/api"
)

// adminClaims is the minimal claim set the admin surface requires: a
// standard expiry plus an explicit role list, without multi-tenant
// fields this service has no use for.
type adminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func (c adminClaims) isAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// AdminAuth wraps next, requiring a bearer JWT signed with secret and
// carrying the "admin" role. It gates POST /admin/circuit/{dependency}/reset
// reset is an admin-only operation.
func AdminAuth(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || tokenString == "" {
			api.WriteUnauthorized(w, "missing bearer token")
			return
		}

		var claims adminClaims
		_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			api.WriteUnauthorized(w, "invalid or expired token")
			return
		}
		if !claims.isAdmin() {
			api.WriteForbidden(w, "admin role required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
