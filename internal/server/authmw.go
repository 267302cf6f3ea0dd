package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"opsdesk/backend/opsdeskd/internal/changes"
	"opsdesk/backend/opsdeskd/pkg/httpx"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// requireActor extracts the caller identity set by the platform
// gateway (authentication itself happens upstream). Requests without
// an identity are rejected.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			httpx.WriteTypedError(w, http.StatusUnauthorized, "auth.missing_identity", "Missing user identity")
			return
		}
		var roles []string
		for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		actor := changes.Actor{ID: id, Roles: roles}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActor, actor)))
	})
}

func actorFrom(r *http.Request) changes.Actor {
	a, _ := r.Context().Value(ctxActor).(changes.Actor)
	return a
}

// requireSweepToken guards the automation endpoints with the shared
// secret handed to the external scheduler trigger.
func requireSweepToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httpx.WriteTypedError(w, http.StatusServiceUnavailable, "automation.disabled", "Sweep token not configured")
				return
			}
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpx.WriteTypedError(w, http.StatusUnauthorized, "automation.bad_token", "Invalid or missing sweep token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return ""
}
