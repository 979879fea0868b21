package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/oauth2-credentials/internal/db"
	"gorm.io/gorm"
)

// AdminAuth accepts the stored API key (Authorization: Bearer or
// X-API-Key) or, when adminPassword is set, HTTP Basic credentials.
// With neither configured every request passes (first-run scenario).
func AdminAuth(database *gorm.DB, adminPassword string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" && adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}

			if expectedKey != "" {
				if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
					if equal(strings.TrimPrefix(authHeader, "Bearer "), expectedKey) {
						next.ServeHTTP(w, r)
						return
					}
				}
				if equal(r.Header.Get("X-API-Key"), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if adminPassword != "" {
				if _, pass, ok := r.BasicAuth(); ok && equal(pass, adminPassword) {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="oauth2cred"`)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "kind": "unauthorized"}}`))
		})
	}
}

func equal(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
