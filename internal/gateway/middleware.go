package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"authgate/internal/audit"
	"authgate/internal/policy"
	"authgate/internal/session"
	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/requestcontext"
)

type sessionCtxKey struct{}

// sessionFromContext returns the session resolved by requireSession.
func sessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionCtxKey{}).(session.Session)
	return sess, ok
}

// requireSession resolves the session cookie and guarantees downstream
// handlers a usable access token, refreshing it if necessary. Requests
// without a live session are bounced: browser navigations 302 into /login
// with the original URL as returnUrl, API calls get a plain 401.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.cookie.Name)
		if err != nil || cookie.Value == "" {
			h.rejectUnauthenticated(w, r, dErrors.New(dErrors.CodeNoSession, "no session cookie"))
			return
		}

		sess, err := h.sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			switch dErrors.CodeOf(err) {
			case dErrors.CodeNoSession, dErrors.CodeSessionExpired:
				// The cookie references a dead session; remove it so the
				// browser stops sending it.
				h.clearSessionCookie(w)
				h.rejectUnauthenticated(w, r, err)
			default:
				// Transient faults (provider unreachable mid-refresh)
				// keep the session and the cookie; the browser retries.
				writeError(w, err)
			}
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey{}, sess)
		ctx = requestcontext.WithSessionID(ctx, sess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	if isBrowserNavigation(r) {
		target := "/login?returnUrl=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeError(w, err)
}

// isBrowserNavigation distinguishes a user following a link from an XHR or
// API client. Fetch metadata is authoritative where present; the Accept
// header covers older clients.
func isBrowserNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// requirePolicy evaluates the named authorization policy against the
// session's claims before letting the request through. Deny means 403 and
// no forwarding; an unregistered policy name is a deployment error and
// surfaces as 500.
func (h *Handler) requirePolicy(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFromContext(r.Context())
			if !ok {
				writeError(w, dErrors.New(dErrors.CodeInternal, "policy check before session resolution"))
				return
			}

			decision, err := h.policies.Evaluate(name, sess.Claims)
			if err != nil {
				writeError(w, err)
				return
			}
			h.metrics.PolicyDecisions.WithLabelValues(name, decision.String()).Inc()

			if decision != policy.Allow {
				h.publishAudit(r.Context(), audit.Event{
					Action:    audit.ActionPolicyDenied,
					SessionID: sessionPrefix(sess.ID),
					Subject:   sess.Subject,
					Detail:    map[string]string{"policy": name, "path": r.URL.Path},
				})
				writeError(w, dErrors.Newf(dErrors.CodePolicyDenied, "policy %s denied request", name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
