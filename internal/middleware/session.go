package middleware

import (
	"net/http"

	"github.com/gorilla/sessions"

	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
)

// SessionName is the cookie holding the dashboard session.
const SessionName = "deploy_session"

// authenticatedKey marks a session as logged in. The value is set by
// whatever fronts the dashboard (SSO proxy or the dashboard's own backend
// sharing the session secret); this service only verifies it.
const authenticatedKey = "authenticated"

// NewSessionStore builds the cookie store used to verify dashboard
// sessions. Returns nil when no secret is configured, which disables the
// session gate.
func NewSessionStore(secret string, secure bool) sessions.Store {
	if secret == "" {
		return nil
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Session returns a middleware that rejects requests without an
// authenticated session cookie. A nil store disables the gate entirely;
// that is the development default.
func Session(store sessions.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := store.Get(r, SessionName)
			if err != nil || session.IsNew {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			if ok, _ := session.Values[authenticatedKey].(bool); !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
