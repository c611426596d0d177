package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const secretHeader = "X-Connector-Secret"

// AuthMiddleware checks the pre-shared admin secret. An empty secret
// disables authentication.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, problem := presentedSecret(r)
			if problem != "" {
				writeErrorResponse(w, http.StatusUnauthorized, problem)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// presentedSecret returns the secret a request carries, either in the
// connector header or as a bearer token, or why it carries none
func presentedSecret(r *http.Request) (secret, problem string) {
	if s := r.Header.Get(secretHeader); s != "" {
		return s, ""
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "missing authentication header"
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", "invalid authorization header format"
	}
	return token, ""
}
