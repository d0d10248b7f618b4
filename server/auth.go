package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths are served without credentials for health checks and scrapers.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware guards the index and file routes when AuthToken is set.
// pip and uv only send credentials embedded in the index URL, which arrive
// as Basic auth, so the token is accepted as the Basic password with any
// username as well as a Bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	token := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || authorized(r, token) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("WWW-Authenticate", `Basic realm="simple-mirror"`)
		w.Header().Add("WWW-Authenticate", "Bearer")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}

func authorized(r *http.Request, token []byte) bool {
	if _, password, ok := r.BasicAuth(); ok {
		return subtle.ConstantTimeCompare([]byte(password), token) == 1
	}
	provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(provided), token) == 1
}
