package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/raisetracker/internal/auth"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/session"
)

// SessionCookieName is the cookie that carries the signed session token.
const SessionCookieName = "AuthSession"

// SetSessionCookie writes token as the session cookie, expiring with s.
func SetSessionCookie(w http.ResponseWriter, token string, s model.Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookie expires the session cookie in the browser.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// UserLookup reloads the account behind a session when it is refreshed.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// RequireSession verifies the session cookie and stores the session in the
// request context. Every failure gets the same 401 so callers cannot tell a
// forged token from an expired one.
//
// Sessions close to expiry are reissued from the current account record,
// so a changed name or admin flag is picked up and a deleted account is
// signed out. If the lookup fails the request proceeds on the old token.
func RequireSession(codec *session.Codec, users UserLookup, secure bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				unauthorized(w)
				return
			}

			s, err := codec.Verify(cookie.Value)
			if err != nil {
				logger.Debug("session rejected", "remote", PeerIP(r))
				unauthorized(w)
				return
			}

			if codec.NeedsRefresh(s) {
				user, err := users.GetByID(r.Context(), s.UserID)
				switch {
				case err != nil:
					logger.Warn("session refresh lookup failed", "user_id", s.UserID, "error", err)
				case user == nil:
					logger.Info("session dropped for deleted user", "user_id", s.UserID)
					ClearSessionCookie(w, secure)
					unauthorized(w)
					return
				default:
					s.DisplayName, s.IsAdmin = user.DisplayName, user.IsAdmin
					if refreshed, token, ok := codec.Refresh(s); ok {
						SetSessionCookie(w, token, refreshed, secure)
						s = refreshed
						logger.Debug("session refreshed", "user_id", s.UserID, "expires_at", s.ExpiresAt)
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), s)))
		})
	}
}

// RequireAdmin checks that the session belongs to an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
