package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyHeader carries the API key, bare or as a Bearer token
const apiKeyHeader = "Authorization"

var authBypassPaths = map[string]struct{}{
	"/api/health": {},
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthRequired(r) {
			next.ServeHTTP(w, r)
			return
		}

		if who, ok := s.authorizeRequest(r); ok {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, who)))
			return
		}

		if s.hasBasicCredentials() {
			w.Header().Set("WWW-Authenticate", `Basic realm="irc-dnsbl", charset="UTF-8"`)
		}
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

func (s *Server) isAuthRequired(r *http.Request) bool {
	s.authMu.RLock()
	enabled := s.authEnabled
	s.authMu.RUnlock()

	if !enabled {
		return false
	}

	if r.Method == http.MethodOptions {
		return false
	}

	if _, ok := authBypassPaths[r.URL.Path]; ok {
		return false
	}

	return true
}

func (s *Server) hasBasicCredentials() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.basicUser != "" && s.passwordHash != ""
}

// authorizeRequest checks the credentials of r and names the caller
func (s *Server) authorizeRequest(r *http.Request) (string, bool) {
	s.authMu.RLock()
	apiKey := s.apiKey
	username := s.basicUser
	passwordHash := s.passwordHash
	s.authMu.RUnlock()

	if apiKey != "" {
		if token := extractAPIKey(r, apiKeyHeader); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				return "api:key", true
			}
		}
	}

	if username != "" && passwordHash != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
				return "", false
			}
			if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) != nil {
				return "", false
			}
			return "api:" + user, true
		}
	}

	return "", false
}

// actor names the caller for the audit log: the authenticated identity,
// or the remote address when the API runs without authentication.
func actor(r *http.Request) string {
	if who, ok := r.Context().Value(actorKey).(string); ok {
		return who
	}
	return "api:" + r.RemoteAddr
}

func extractAPIKey(r *http.Request, header string) string {
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" {
		return ""
	}

	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}
