package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid bearer token and attaches the
// caller's authorization context to the request context.
func Middleware(service *JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			a, err := service.Validate(token)
			if err != nil {
				logger.Warn("jwt validation failed", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), a)))
		})
	}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if value == "" {
		// Browsers cannot set headers on WebSocket upgrades.
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}
