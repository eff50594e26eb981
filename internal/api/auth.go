package api

import (
	"context"
	"net/http"
	"strings"
)

// Permissions granted to admin tokens.
const (
	PermRead  = "ranking:read"
	PermWrite = "ranking:write"
)

type contextKey string

const (
	permissionsKey contextKey = "permissions"
	tokenKey       contextKey = "token"
)

// TokenSet maps bearer tokens to the permissions they grant.
type TokenSet map[string][]string

// NewTokenSet grants read to readToken and read+write to writeToken. Empty tokens are skipped.
func NewTokenSet(readToken, writeToken string) TokenSet {
	ts := TokenSet{}
	if readToken != "" {
		ts[readToken] = []string{PermRead}
	}
	if writeToken != "" {
		ts[writeToken] = []string{PermRead, PermWrite}
	}
	return ts
}

// auth resolves the bearer token into permissions. Unknown tokens are rejected.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authorization header format")
			return
		}
		perms, ok := s.tokens[parts[1]]
		if !ok {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), permissionsKey, perms)
		ctx = context.WithValue(ctx, tokenKey, parts[1])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects callers whose token lacks perm.
func requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			perms, _ := r.Context().Value(permissionsKey).([]string)
			for _, p := range perms {
				if p == perm {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", "missing permission "+perm)
		})
	}
}

func tokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}
