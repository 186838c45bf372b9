package api

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/Bucher-Unipektin/s7connector/config"
)

type ctxKey int

const userKey ctxKey = 0

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// HashPassword generates a bcrypt hash suitable for api.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// userFrom returns the authenticated user, or nil when auth is disabled.
func userFrom(ctx context.Context) *config.APIUser {
	u, _ := ctx.Value(userKey).(*config.APIUser)
	return u
}

// basicAuth checks HTTP basic credentials against users. With no users
// configured every request is let through.
func basicAuth(users []config.APIUser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(users) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, password, ok := r.BasicAuth()
			if ok {
				for i := range users {
					if users[i].Username == name && checkPassword(password, users[i].PasswordHash) {
						ctx := context.WithValue(r.Context(), userKey, &users[i])
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="s7connector"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
		})
	}
}

// requireWrite rejects read-only users.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := userFrom(r.Context()); u != nil && u.ReadOnly {
			writeError(w, http.StatusForbidden, "user "+u.Username+" is read-only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
