package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"authgate/internal/audit"
	"authgate/internal/oidc"
	"authgate/internal/platform/config"
	"authgate/internal/platform/logger"
	"authgate/internal/platform/metrics"
	"authgate/internal/policy"
	"authgate/internal/session"
	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/requestcontext"
)

// OIDCClient is the slice of the relying-party client the handlers use.
// Satisfied by *oidc.Client.
type OIDCClient interface {
	BeginLogin(ctx context.Context, returnURL string) (string, error)
	CompleteLogin(ctx context.Context, state, code string) (*oidc.LoginResult, error)
	EndSessionURL(idTokenHint string) string
	VerifyLogoutToken(ctx context.Context, raw string) (sid, sub string, err error)
}

// Handler serves the session management endpoints and mounts the proxy.
type Handler struct {
	logger   *slog.Logger
	oidc     OIDCClient
	sessions *session.Manager
	policies *policy.Engine
	proxy    *Proxy
	auditor  audit.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	cookie      config.Cookie
	proxyPolicy string
}

func NewHandler(
	oidcClient OIDCClient,
	sessions *session.Manager,
	policies *policy.Engine,
	proxy *Proxy,
	auditor audit.Publisher,
	m *metrics.Metrics,
	log *slog.Logger,
	cookie config.Cookie,
	proxyPolicy string,
) *Handler {
	return &Handler{
		logger:      log,
		oidc:        oidcClient,
		sessions:    sessions,
		policies:    policies,
		proxy:       proxy,
		auditor:     auditor,
		metrics:     m,
		tracer:      otel.Tracer("authgate/gateway"),
		cookie:      cookie,
		proxyPolicy: proxyPolicy,
	}
}

// Register wires the gateway routes onto the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/login", h.handleLogin)
	r.Get("/callback", h.handleCallback)
	r.Get("/logout", h.handleLogout)
	r.Post("/logout", h.handleLogout)
	r.Post("/backchannel-logout", h.handleBackchannelLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/user", h.handleUser)

		r.Group(func(r chi.Router) {
			r.Use(h.requirePolicy(h.proxyPolicy))
			r.Handle("/api/*", http.HandlerFunc(h.handleProxy))
		})
	})
}

// handleLogin starts the authorization code flow: generate and persist the
// per-attempt state, then send the browser to the identity provider.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.login")
	defer span.End()

	returnURL := sanitizeReturnURL(r.URL.Query().Get("returnUrl"))
	authURL, err := h.oidc.BeginLogin(ctx, returnURL)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	h.metrics.LoginsStarted.Inc()
	h.publishAudit(ctx, audit.Event{
		Action: audit.ActionLoginStarted,
		Detail: map[string]string{"return_url": returnURL},
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the flow: exchange the code, create the session,
// hand the browser its cookie and send it to where it wanted to go. Tokens
// never appear in the response.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.callback")
	defer span.End()

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.loginFailed(ctx, span, w, dErrors.Newf(dErrors.CodeInvalidInput, "provider returned error %q", errCode), "provider_error")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		h.loginFailed(ctx, span, w, dErrors.New(dErrors.CodeInvalidInput, "callback missing state or code"), "missing_params")
		return
	}

	res, err := h.oidc.CompleteLogin(ctx, state, code)
	if err != nil {
		h.loginFailed(ctx, span, w, err, string(dErrors.CodeOf(err)))
		return
	}

	sess, err := h.sessions.Start(ctx, res, requestcontext.UserAgent(ctx))
	if err != nil {
		h.loginFailed(ctx, span, w, err, string(dErrors.CodeOf(err)))
		return
	}

	h.setSessionCookie(w, sess.ID)
	h.metrics.LoginsCompleted.Inc()
	h.publishAudit(ctx, audit.Event{
		Action:    audit.ActionLoginCompleted,
		SessionID: sessionPrefix(sess.ID),
		Subject:   sess.Subject,
		Detail:    map[string]string{"device": sess.Device},
	})

	target := res.ReturnURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) loginFailed(ctx context.Context, span trace.Span, w http.ResponseWriter, err error, reason string) {
	span.RecordError(err)
	h.metrics.LoginsFailed.WithLabelValues(reason).Inc()
	h.publishAudit(ctx, audit.Event{
		Action: audit.ActionLoginFailed,
		Detail: map[string]string{"reason": reason},
	})
	h.logger.WarnContext(ctx, "login failed",
		"request_id", requestcontext.RequestID(ctx),
		"reason", reason,
		"error", err,
	)
	writeError(w, err)
}

// handleLogout ends the local session and, when the provider supports
// RP-initiated logout, sends the browser on to end the provider session
// too. A request without a live session still clears the cookie.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.logout")
	defer span.End()

	var idTokenHint string
	if cookie, err := r.Cookie(h.cookie.Name); err == nil && cookie.Value != "" {
		sess, err := h.sessions.End(ctx, cookie.Value)
		switch {
		case err == nil:
			idTokenHint = sess.IDToken
		case !dErrors.HasCode(err, dErrors.CodeNoSession):
			span.RecordError(err)
			writeError(w, err)
			return
		}
	}

	h.clearSessionCookie(w)
	if end := h.oidc.EndSessionURL(idTokenHint); end != "" && idTokenHint != "" {
		http.Redirect(w, r, end, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleUser returns the session's claims as [{type,value}] for the
// frontend to render. Authentication status is exactly "does this return
// 200 or 401".
func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, dErrors.New(dErrors.CodeInternal, "user endpoint reached without session"))
		return
	}
	writeJSON(w, http.StatusOK, sess.Claims)
}

// handleBackchannelLogout accepts the provider's server-to-server logout
// notification (OIDC Back-Channel Logout 1.0): a signed logout_token posted
// as a form field. Affected sessions are destroyed immediately; the browser
// finds out on its next request.
func (h *Handler) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.backchannel_logout")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "malformed form body"))
		return
	}
	raw := r.PostFormValue("logout_token")
	if raw == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "missing logout_token"))
		return
	}

	sid, sub, err := h.oidc.VerifyLogoutToken(ctx, raw)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	n, err := h.sessions.EndByProvider(ctx, sid, sub)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "back-channel logout processed",
		"provider_sid", sid,
		"subject", sub,
		"sessions_removed", n,
	)
	w.WriteHeader(http.StatusOK)
}

// handleProxy relays the request with the session's access token. The
// session middleware has already guaranteed the token is fresh.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, dErrors.New(dErrors.CodeInternal, "proxy reached without session"))
		return
	}
	h.proxy.Forward(w, r, sess.AccessToken)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (h *Handler) publishAudit(ctx context.Context, event audit.Event) {
	if h.auditor == nil {
		return
	}
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.UserAgent = requestcontext.UserAgent(ctx)
	if err := h.auditor.Publish(ctx, event); err != nil {
		h.logger.WarnContext(ctx, "audit publish failed", "action", event.Action, "error", err)
	}
}

// sanitizeReturnURL admits only same-origin paths, never absolute URLs or
// scheme-relative ones, so login cannot become an open redirect.
func sanitizeReturnURL(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.RequestURI()
}

func sessionPrefix(id string) string {
	return logger.SessionPrefix(id)
}
