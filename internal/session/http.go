package session

import (
	"net/http"
	"strings"
)

// CookieName is the cookie carrying the session token.
const CookieName = "session"

// FromRequest extracts a session token from the session cookie or an
// "Authorization: Bearer" header. With allowQuery the "token" query parameter
// is also accepted, for WebSocket clients that cannot set headers.
func FromRequest(r *http.Request, allowQuery bool) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// SetCookie writes the session cookie.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
