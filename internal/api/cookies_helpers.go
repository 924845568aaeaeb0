package api

import (
	"net/http"
	"strings"
	"time"
)

const sessionCookieName = "vidgate_session"

type SessionCookieSecureMode int

const (
	SessionCookieSecureAuto SessionCookieSecureMode = iota
	SessionCookieSecureAlways
)

// SessionCookiePolicy controls the SameSite and Secure attributes of the admin
// session cookie.
type SessionCookiePolicy struct {
	SameSite   http.SameSite
	SecureMode SessionCookieSecureMode
}

func DefaultSessionCookiePolicy() SessionCookiePolicy {
	return SessionCookiePolicy{
		SameSite:   http.SameSiteStrictMode,
		SecureMode: SessionCookieSecureAuto,
	}
}

func (p SessionCookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == SessionCookieSecureAlways {
		return true
	}
	return isSecureRequest(r)
}

func (h *Handler) sessionCookiePolicy() SessionCookiePolicy {
	policy := h.SessionCookiePolicy
	if policy.SameSite == 0 {
		policy.SameSite = http.SameSiteStrictMode
	}
	if policy.SecureMode == 0 {
		policy.SecureMode = SessionCookieSecureAuto
	}
	return policy
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if token == "" {
		return
	}
	policy := h.sessionCookiePolicy()
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   policy.secure(r),
		SameSite: policy.SameSite,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	policy := h.sessionCookiePolicy()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   policy.secure(r),
		SameSite: policy.SameSite,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	if r.URL != nil && strings.EqualFold(r.URL.Scheme, "https") {
		return true
	}
	return false
}
