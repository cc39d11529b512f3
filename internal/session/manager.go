package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"authgate/internal/audit"
	"authgate/internal/oidc"
	"authgate/internal/platform/logger"
	"authgate/internal/platform/metrics"
	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/platform/sentinel"
)

// defaultRefreshSkew triggers a refresh slightly before the recorded expiry
// so the access token cannot die between the gateway and the resource API.
const defaultRefreshSkew = 30 * time.Second

// refreshTimeout bounds one refresh exchange against the provider. The
// exchange runs detached from the triggering request's context, so it needs
// its own deadline.
const refreshTimeout = 10 * time.Second

// Manager drives the session lifecycle: creation after login, resolution
// with transparent refresh on every proxied request, and the three flavors
// of termination (logout, expiry, back-channel).
type Manager struct {
	store    Store
	tokens   TokenRefresher
	enricher Enricher
	auditor  audit.Publisher
	logger   *slog.Logger

	ttl         time.Duration
	refreshSkew time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics

	// group collapses concurrent refreshes per session ID so the provider
	// sees at most one refresh exchange in flight per session. Essential
	// under refresh token rotation, where a second concurrent exchange
	// would consume an already-rotated token and kill the session.
	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock function for testability.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshSkew overrides how early before expiry a refresh triggers.
func WithRefreshSkew(skew time.Duration) Option {
	return func(m *Manager) {
		if skew >= 0 {
			m.refreshSkew = skew
		}
	}
}

// WithMetrics attaches refresh and session-end counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

func NewManager(store Store, tokens TokenRefresher, enricher Enricher, auditor audit.Publisher, log *slog.Logger, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		tokens:      tokens,
		enricher:    enricher,
		auditor:     auditor,
		logger:      log,
		ttl:         ttl,
		refreshSkew: defaultRefreshSkew,
		now:         time.Now,
	}
	if m.enricher == nil {
		m.enricher = NopEnricher{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a session from a completed login. Enrichment runs before the
// session exists and fails the login entirely on error.
func (m *Manager) Start(ctx context.Context, login *oidc.LoginResult, rawUserAgent string) (Session, error) {
	enriched, err := m.enricher.Enrich(ctx, login.Subject, login.Claims)
	if err != nil {
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "claims enrichment failed")
	}

	id, err := NewID()
	if err != nil {
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "generate session id")
	}

	now := m.now()
	sess := Session{
		ID:                id,
		Subject:           login.Subject,
		Claims:            enriched,
		AccessToken:       login.Tokens.AccessToken,
		RefreshToken:      login.Tokens.RefreshToken,
		IDToken:           login.Tokens.IDToken,
		AccessTokenExpiry: login.Tokens.Expiry,
		ProviderSessionID: login.ProviderSessionID,
		Device:            DeviceSummary(rawUserAgent),
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist session")
	}

	m.logger.Info("session started",
		"session_id", logger.SessionPrefix(sess.ID),
		"subject", sess.Subject,
		"device", sess.Device,
	)
	return sess, nil
}

// Resolve loads the session and guarantees its access token is usable,
// refreshing it if needed. Concurrent calls for the same session share a
// single refresh. A provider-rejected refresh destroys the session and
// fails with CodeSessionExpired; the caller must send the browser back
// through login. Transient provider faults surface as-is and leave the
// session intact.
func (m *Manager) Resolve(ctx context.Context, id string) (Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.AccessTokenFresh(m.now(), m.refreshSkew) {
		return sess, nil
	}

	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// load fetches a session and enforces its absolute TTL.
func (m *Manager) load(ctx context.Context, id string) (Session, error) {
	sess, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Session{}, dErrors.New(dErrors.CodeNoSession, "no such session")
		}
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
	}
	if sess.Expired(m.now()) {
		m.destroy(ctx, sess, "ttl_exceeded")
		return Session{}, dErrors.New(dErrors.CodeSessionExpired, "session exceeded its lifetime")
	}
	return sess, nil
}

// refresh runs inside the singleflight group. It re-reads the session first:
// a caller that queued behind a completed refresh must not trigger another.
//
// The exchange runs under a context detached from the triggering request.
// Other requests join the flight with healthy contexts of their own; the
// flight owner closing its tab must not cancel the refresh out from under
// them, and must never look like a provider rejection.
func (m *Manager) refresh(ctx context.Context, id string) (Session, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	sess, err := m.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	now := m.now()
	if sess.AccessTokenFresh(now, m.refreshSkew) {
		return sess, nil
	}

	set, err := m.tokens.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeRefreshFailed) {
			// Transient provider or network fault: the refresh token is
			// still presumed valid, so the session survives and the next
			// request retries.
			m.countRefresh("error")
			return Session{}, err
		}
		m.countRefresh("failure")
		m.destroy(ctx, sess, "refresh_failed")
		return Session{}, dErrors.Wrap(err, dErrors.CodeSessionExpired, "session ended: provider rejected refresh token")
	}

	sess.AccessToken = set.AccessToken
	sess.AccessTokenExpiry = set.Expiry
	if set.RefreshToken != "" {
		sess.RefreshToken = set.RefreshToken
	}
	if set.IDToken != "" {
		sess.IDToken = set.IDToken
	}
	sess.LastRefreshedAt = now

	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist refreshed session")
	}

	m.countRefresh("success")
	m.logger.Debug("access token refreshed",
		"session_id", logger.SessionPrefix(sess.ID),
		"subject", sess.Subject,
		"rotated", set.RefreshToken != "",
	)
	m.publish(ctx, audit.Event{
		Action:    audit.ActionTokenRefreshed,
		SessionID: logger.SessionPrefix(sess.ID),
		Subject:   sess.Subject,
	})
	return sess, nil
}

// End terminates a session on user-initiated logout and returns the final
// record so the caller can build the provider's end-session redirect.
func (m *Manager) End(ctx context.Context, id string) (Session, error) {
	sess, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Session{}, dErrors.New(dErrors.CodeNoSession, "no such session")
		}
		return Session{}, dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
	}
	m.destroy(ctx, sess, "logout")
	return sess, nil
}

// EndByProvider terminates sessions named by a back-channel logout token:
// by provider session ID when present, otherwise every session of the
// subject. Returns how many sessions were removed; zero is not an error,
// the provider may notify about sessions already gone.
func (m *Manager) EndByProvider(ctx context.Context, sid, subject string) (int, error) {
	var (
		removed []Session
		err     error
	)
	if sid != "" {
		removed, err = m.store.DeleteByProviderSession(ctx, sid)
	} else {
		removed, err = m.store.DeleteBySubject(ctx, subject)
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "back-channel session removal failed")
	}

	for _, sess := range removed {
		if m.metrics != nil {
			m.metrics.SessionsEnded.WithLabelValues("backchannel").Inc()
		}
		m.logger.Info("session ended by provider",
			"session_id", logger.SessionPrefix(sess.ID),
			"subject", sess.Subject,
		)
		m.publish(ctx, audit.Event{
			Action:    audit.ActionBackchannelLogout,
			SessionID: logger.SessionPrefix(sess.ID),
			Subject:   sess.Subject,
		})
	}
	return len(removed), nil
}

func (m *Manager) countRefresh(outcome string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) destroy(ctx context.Context, sess Session, reason string) {
	if m.metrics != nil {
		m.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	}
	if err := m.store.Delete(ctx, sess.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		m.logger.Error("session delete failed",
			"session_id", logger.SessionPrefix(sess.ID),
			"error", err,
		)
	}
	m.logger.Info("session ended",
		"session_id", logger.SessionPrefix(sess.ID),
		"subject", sess.Subject,
		"reason", reason,
	)
	m.publish(ctx, audit.Event{
		Action:    audit.ActionSessionEnded,
		SessionID: logger.SessionPrefix(sess.ID),
		Subject:   sess.Subject,
		Detail:    map[string]string{"reason": reason},
	})
}

func (m *Manager) publish(ctx context.Context, event audit.Event) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.Publish(ctx, event); err != nil {
		m.logger.Warn("audit publish failed", "action", event.Action, "error", err)
	}
}
