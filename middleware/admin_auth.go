// middleware/admin_auth.go
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const RoleAdmin = "admin"

// AdminID returns the admin identity set by AdminAuth.
func AdminID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminIDKey).(string)
	return id, ok && id != ""
}

// AdminKey checks the shared admin key against its bcrypt hash.
type AdminKey struct {
	hash []byte
}

func NewAdminKey(hash string) *AdminKey {
	return &AdminKey{hash: []byte(hash)}
}

// Check reports whether key matches. An unset hash matches nothing.
func (k *AdminKey) Check(key string) bool {
	if k == nil || len(k.hash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(k.hash, []byte(key)) == nil
}

// AdminAuth accepts an admin session or a bearer token carrying the admin
// role.
func AdminAuth(store sessions.Store, tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var adminID string

			session, _ := store.Get(r, AdminSession)
			if auth, ok := session.Values["authenticated"].(bool); ok && auth {
				if role, _ := session.Values["role"].(string); role != RoleAdmin {
					writeError(w, http.StatusForbidden, "admin role required")
					return
				}
				adminID = fmt.Sprintf("%v", session.Values["admin_id"])
			} else {
				raw, err := bearer(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				sub, role, err := tokens.Parse(raw)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "invalid token")
					return
				}
				if role != RoleAdmin {
					writeError(w, http.StatusForbidden, "admin role required")
					return
				}
				adminID = sub
			}

			ctx := context.WithValue(r.Context(), adminIDKey, adminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
