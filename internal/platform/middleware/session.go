package middleware

import (
	"log/slog"
	"net/http"

	"entralink/internal/session"
	id "entralink/pkg/domain"
	"entralink/pkg/requestcontext"
)

// SessionValidator resolves a session token to a local user.
type SessionValidator interface {
	Validate(token string) (id.UserID, error)
}

// OptionalSession attaches the session user to the context when a valid
// session cookie is present. Anonymous requests pass through unchanged.
func OptionalSession(validator SessionValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(session.CookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			userID, err := validator.Validate(cookie.Value)
			if err != nil {
				logger.DebugContext(ctx, "ignoring invalid session cookie",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithUserID(ctx, userID)))
		})
	}
}

// RequireSession rejects requests without an authenticated user. It must run
// after OptionalSession.
func RequireSession(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestcontext.UserID(ctx).IsNil() {
				logger.WarnContext(ctx, "unauthorized access - missing session",
					"request_id", requestcontext.RequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
