package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"authgate/internal/audit"
	"authgate/internal/claims"
	"authgate/internal/oidc"
	"authgate/internal/session"
	"authgate/internal/session/mocks"
	"authgate/internal/session/store"
	dErrors "authgate/pkg/domain-errors"
)

const sessionTTL = 24 * time.Hour

type ManagerSuite struct {
	suite.Suite

	ctx       context.Context
	ctrl      *gomock.Controller
	store     *store.InMemoryStore
	refresher *mocks.MockTokenRefresher
	auditor   *audit.MemoryPublisher
	logger    *slog.Logger
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewInMemoryStore()
	s.refresher = mocks.NewMockTokenRefresher(s.ctrl)
	s.auditor = audit.NewMemoryPublisher()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ManagerSuite) newManager(enricher session.Enricher, opts ...session.Option) *session.Manager {
	return session.NewManager(s.store, s.refresher, enricher, s.auditor, s.logger, sessionTTL, opts...)
}

func (s *ManagerSuite) login(subject string) *oidc.LoginResult {
	return &oidc.LoginResult{
		Tokens: oidc.TokenSet{
			AccessToken:  "at-initial",
			RefreshToken: "rt-initial",
			IDToken:      "idt-initial",
			Expiry:       time.Now().Add(time.Hour),
		},
		Subject:           subject,
		Claims:            claims.New(claims.Claim{Type: claims.TypeSubject, Value: subject}),
		ProviderSessionID: "idp-" + subject,
	}
}

func (s *ManagerSuite) TestStartCreatesSession() {
	mgr := s.newManager(session.NewStaticEnricher(map[string][]string{"alice": {"Admin"}}))

	sess, err := mgr.Start(s.ctx, s.login("alice"), "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	s.Require().NoError(err)

	s.NotEmpty(sess.ID)
	s.Equal("alice", sess.Subject)
	s.True(sess.Claims.Has(claims.TypeRole, "Admin"))
	s.Equal("rt-initial", sess.RefreshToken)
	s.Equal("idp-alice", sess.ProviderSessionID)
	s.Contains(sess.Device, "Chrome")
	s.WithinDuration(time.Now().Add(sessionTTL), sess.ExpiresAt, time.Minute)

	stored, err := s.store.FindByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(sess.ID, stored.ID)
}

func (s *ManagerSuite) TestStartSessionIDsAreUnique() {
	mgr := s.newManager(nil)
	first, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)
	second, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)
	s.NotEqual(first.ID, second.ID)
}

func (s *ManagerSuite) TestStartEnrichmentFailureAbortsLogin() {
	enricher := mocks.NewMockEnricher(s.ctrl)
	enricher.EXPECT().
		Enrich(gomock.Any(), "alice", gomock.Any()).
		Return(nil, errors.New("role directory unreachable"))
	mgr := s.newManager(enricher)

	_, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Zero(s.store.Len())
}

func (s *ManagerSuite) TestResolveFreshTokenSkipsRefresh() {
	mgr := s.newManager(nil)
	sess, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)

	// No Refresh expectation registered: any call would fail the test.
	resolved, err := mgr.Resolve(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-initial", resolved.AccessToken)
}

func (s *ManagerSuite) TestResolveUnknownSession() {
	mgr := s.newManager(nil)
	_, err := mgr.Resolve(s.ctx, "never-issued")
	s.True(dErrors.HasCode(err, dErrors.CodeNoSession))
}

// startExpiredToken creates a session whose access token is already stale.
func (s *ManagerSuite) startExpiredToken(mgr *session.Manager, subject string) session.Session {
	login := s.login(subject)
	login.Tokens.Expiry = time.Now().Add(-time.Minute)
	sess, err := mgr.Start(s.ctx, login, "")
	s.Require().NoError(err)
	return sess
}

func (s *ManagerSuite) TestResolveRefreshesExpiredToken() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		Return(oidc.TokenSet{AccessToken: "at-new", Expiry: time.Now().Add(time.Hour)}, nil)

	resolved, err := mgr.Resolve(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-new", resolved.AccessToken)
	// Provider did not rotate: the original refresh token stays.
	s.Equal("rt-initial", resolved.RefreshToken)
	s.False(resolved.LastRefreshedAt.IsZero())

	stored, err := s.store.FindByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-new", stored.AccessToken)
	s.Contains(s.auditor.Actions(), audit.ActionTokenRefreshed)
}

func (s *ManagerSuite) TestResolvePersistsRotatedRefreshToken() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		Return(oidc.TokenSet{
			AccessToken:  "at-new",
			RefreshToken: "rt-rotated",
			Expiry:       time.Now().Add(time.Hour),
		}, nil)

	resolved, err := mgr.Resolve(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("rt-rotated", resolved.RefreshToken)

	stored, err := s.store.FindByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("rt-rotated", stored.RefreshToken)
}

func (s *ManagerSuite) TestResolveConcurrentRequestsShareOneRefresh() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		DoAndReturn(func(context.Context, string) (oidc.TokenSet, error) {
			// Hold the exchange open long enough for the other callers to
			// pile up behind it.
			time.Sleep(50 * time.Millisecond)
			return oidc.TokenSet{AccessToken: "at-new", Expiry: time.Now().Add(time.Hour)}, nil
		}).
		Times(1)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]session.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.Resolve(s.ctx, sess.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Equal("at-new", results[i].AccessToken)
	}
}

func (s *ManagerSuite) TestResolveRefreshRejectionDestroysSession() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		Return(oidc.TokenSet{}, dErrors.New(dErrors.CodeRefreshFailed, "provider rejected refresh token"))

	_, err := mgr.Resolve(s.ctx, sess.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeSessionExpired))

	// The session is gone; the next request must re-authenticate, not retry.
	_, err = mgr.Resolve(s.ctx, sess.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNoSession))

	events := s.auditor.Events()
	s.Require().NotEmpty(events)
	last := events[len(events)-1]
	s.Equal(audit.ActionSessionEnded, last.Action)
	s.Equal("refresh_failed", last.Detail["reason"])
}

func (s *ManagerSuite) TestResolveTransientRefreshFaultKeepsSession() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		Return(oidc.TokenSet{}, dErrors.New(dErrors.CodeDownstreamUnavailable, "refresh exchange failed"))

	_, err := mgr.Resolve(s.ctx, sess.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamUnavailable))

	// The refresh token is still presumed valid: the session survives and
	// the next request retries the exchange.
	_, err = s.store.FindByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.NotContains(s.auditor.Actions(), audit.ActionSessionEnded)

	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		Return(oidc.TokenSet{AccessToken: "at-new", Expiry: time.Now().Add(time.Hour)}, nil)

	resolved, err := mgr.Resolve(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-new", resolved.AccessToken)
}

func (s *ManagerSuite) TestResolveSurvivesTriggeringRequestCancellation() {
	mgr := s.newManager(nil)
	sess := s.startExpiredToken(mgr, "alice")

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	s.refresher.EXPECT().
		Refresh(gomock.Any(), "rt-initial").
		DoAndReturn(func(ctx context.Context, _ string) (oidc.TokenSet, error) {
			// The tab that triggered the refresh goes away mid-exchange.
			cancelOwner()
			s.NoError(ctx.Err(), "exchange context must not inherit the request's cancellation")
			return oidc.TokenSet{AccessToken: "at-new", Expiry: time.Now().Add(time.Hour)}, nil
		}).
		Times(1)

	resolved, err := mgr.Resolve(ownerCtx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-new", resolved.AccessToken)

	// Other tabs keep their session and the fresh token, with no second
	// exchange.
	resolved, err = mgr.Resolve(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("at-new", resolved.AccessToken)
}

func (s *ManagerSuite) TestResolveSessionPastAbsoluteTTL() {
	now := time.Now()
	clock := now
	mgr := s.newManager(nil, session.WithClock(func() time.Time { return clock }))

	sess, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)

	clock = now.Add(sessionTTL + time.Minute)
	_, err = mgr.Resolve(s.ctx, sess.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeSessionExpired))
	s.Zero(s.store.Len())
}

func (s *ManagerSuite) TestEndRemovesSessionAndReturnsIt() {
	mgr := s.newManager(nil)
	sess, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)

	ended, err := mgr.End(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal("idt-initial", ended.IDToken)
	s.Zero(s.store.Len())

	_, err = mgr.End(s.ctx, sess.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNoSession))
}

func (s *ManagerSuite) TestEndByProviderSessionID() {
	mgr := s.newManager(nil)
	alice, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)
	_, err = mgr.Start(s.ctx, s.login("bob"), "")
	s.Require().NoError(err)

	n, err := mgr.EndByProvider(s.ctx, "idp-alice", "")
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(1, s.store.Len())

	_, err = s.store.FindByID(s.ctx, alice.ID)
	s.Error(err)
	s.Contains(s.auditor.Actions(), audit.ActionBackchannelLogout)
}

func (s *ManagerSuite) TestEndByProviderSubjectFallback() {
	mgr := s.newManager(nil)
	// Two browser sessions, one subject.
	_, err := mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)
	_, err = mgr.Start(s.ctx, s.login("alice"), "")
	s.Require().NoError(err)

	n, err := mgr.EndByProvider(s.ctx, "", "alice")
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Zero(s.store.Len())
}

func (s *ManagerSuite) TestEndByProviderUnknownSessionIsNotAnError() {
	mgr := s.newManager(nil)
	n, err := mgr.EndByProvider(s.ctx, "idp-gone", "")
	s.Require().NoError(err)
	s.Zero(n)
}
