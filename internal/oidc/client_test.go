package oidc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"authgate/internal/claims"
	"authgate/internal/oidc"
	"authgate/internal/oidc/loginstate"
	"authgate/internal/platform/config"
	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/testutil/oidctest"
)

type ClientSuite struct {
	suite.Suite

	idp    *oidctest.Server
	states *loginstate.InMemoryStore
	client *oidc.Client
	cfg    config.OIDC
	ctx    context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.idp = oidctest.New(s.T())
	s.states = loginstate.NewInMemoryStore()

	s.cfg = config.OIDC{
		Issuer:                s.idp.Issuer(),
		ClientID:              oidctest.DefaultClientID,
		ClientSecret:          oidctest.DefaultClientSecret,
		RedirectURL:           "http://localhost:5003/callback",
		Scopes:                []string{"openid", "profile", "email", "movie_api"},
		PostLogoutRedirectURL: "http://localhost:5003/",
		LoginStateTTL:         10 * time.Minute,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := oidc.New(s.ctx, s.cfg, s.states, logger, oidc.WithHTTPClient(s.idp.Client()))
	s.Require().NoError(err)
	s.client = client
}

// authParams pulls the authorization request parameters out of the URL
// BeginLogin produced.
func (s *ClientSuite) authParams(authURL string) url.Values {
	u, err := url.Parse(authURL)
	s.Require().NoError(err)
	return u.Query()
}

func (s *ClientSuite) TestBeginLoginAuthorizationURL() {
	authURL, err := s.client.BeginLogin(s.ctx, "/movies")
	s.Require().NoError(err)

	q := s.authParams(authURL)
	s.Equal("code", q.Get("response_type"))
	s.Equal(oidctest.DefaultClientID, q.Get("client_id"))
	s.Equal("http://localhost:5003/callback", q.Get("redirect_uri"))
	s.Equal("openid profile email movie_api", q.Get("scope"))
	s.Equal("S256", q.Get("code_challenge_method"))
	s.NotEmpty(q.Get("state"))
	s.NotEmpty(q.Get("nonce"))
	s.NotEmpty(q.Get("code_challenge"))
	s.NotEqual(q.Get("state"), q.Get("nonce"))
}

func (s *ClientSuite) TestBeginLoginUniquePerAttempt() {
	first := s.authParams(s.mustBeginLogin("/"))
	second := s.authParams(s.mustBeginLogin("/"))

	s.NotEqual(first.Get("state"), second.Get("state"))
	s.NotEqual(first.Get("nonce"), second.Get("nonce"))
	s.NotEqual(first.Get("code_challenge"), second.Get("code_challenge"))
}

func (s *ClientSuite) mustBeginLogin(returnURL string) string {
	authURL, err := s.client.BeginLogin(s.ctx, returnURL)
	s.Require().NoError(err)
	return authURL
}

func (s *ClientSuite) TestCompleteLoginHappyPath() {
	q := s.authParams(s.mustBeginLogin("/movies?page=2"))
	code := s.idp.IssueCode("alice", q.Get("nonce"), q.Get("code_challenge"), map[string]any{
		"name":  "Alice Smith",
		"email": "alice@example.com",
		"role":  []any{"Admin", "Customer"},
		"sid":   "idp-session-1",
	})

	res, err := s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.Require().NoError(err)

	s.Equal("alice", res.Subject)
	s.Equal("/movies?page=2", res.ReturnURL)
	s.Equal("idp-session-1", res.ProviderSessionID)
	s.NotEmpty(res.Tokens.AccessToken)
	s.NotEmpty(res.Tokens.RefreshToken)
	s.NotEmpty(res.Tokens.IDToken)
	s.True(res.Tokens.Expiry.After(time.Now()))

	s.Equal("alice", res.Claims.Subject())
	s.True(res.Claims.Has(claims.TypeName, "Alice Smith"))
	s.True(res.Claims.Has(claims.TypeEmail, "alice@example.com"))
	s.Equal([]string{"Admin", "Customer"}, res.Claims.Values(claims.TypeRole))
}

func (s *ClientSuite) TestCompleteLoginScalarRoleClaim() {
	q := s.authParams(s.mustBeginLogin("/"))
	code := s.idp.IssueCode("bob", q.Get("nonce"), q.Get("code_challenge"), map[string]any{
		"role": "Customer",
	})

	res, err := s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.Require().NoError(err)
	s.Equal([]string{"Customer"}, res.Claims.Values(claims.TypeRole))
}

func (s *ClientSuite) TestCompleteLoginMergesUserInfo() {
	s.idp.UserInfo = map[string]any{
		"sub":   "alice",
		"name":  "Alice From Userinfo",
		"email": "alice@example.com",
	}

	q := s.authParams(s.mustBeginLogin("/"))
	code := s.idp.IssueCode("alice", q.Get("nonce"), q.Get("code_challenge"), nil)

	res, err := s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.Require().NoError(err)
	s.True(res.Claims.Has(claims.TypeName, "Alice From Userinfo"))
	s.True(res.Claims.Has(claims.TypeEmail, "alice@example.com"))
}

func (s *ClientSuite) TestCompleteLoginUnknownState() {
	_, err := s.client.CompleteLogin(s.ctx, "never-issued", "some-code")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *ClientSuite) TestCompleteLoginStateIsSingleUse() {
	q := s.authParams(s.mustBeginLogin("/"))
	code := s.idp.IssueCode("alice", q.Get("nonce"), q.Get("code_challenge"), nil)

	_, err := s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.Require().NoError(err)

	_, err = s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *ClientSuite) TestCompleteLoginNonceMismatch() {
	s.idp.NonceOverride = "attacker-chosen"

	q := s.authParams(s.mustBeginLogin("/"))
	code := s.idp.IssueCode("alice", q.Get("nonce"), q.Get("code_challenge"), nil)

	_, err := s.client.CompleteLogin(s.ctx, q.Get("state"), code)
	s.True(dErrors.HasCode(err, dErrors.CodeNonceMismatch))
}

func (s *ClientSuite) TestCompleteLoginBadCode() {
	q := s.authParams(s.mustBeginLogin("/"))

	_, err := s.client.CompleteLogin(s.ctx, q.Get("state"), "not-a-real-code")
	s.True(dErrors.HasCode(err, dErrors.CodeTokenExchange))
}

func (s *ClientSuite) TestRefreshWithoutRotation() {
	rt := s.idp.IssueRefreshToken("alice")

	set, err := s.client.Refresh(s.ctx, rt)
	s.Require().NoError(err)
	s.NotEmpty(set.AccessToken)
	s.True(set.Expiry.After(time.Now()))
	// Provider kept the old refresh token; empty means reuse it.
	s.Empty(set.RefreshToken)
}

func (s *ClientSuite) TestRefreshWithRotation() {
	s.idp.RotateRefresh = true
	rt := s.idp.IssueRefreshToken("alice")

	set, err := s.client.Refresh(s.ctx, rt)
	s.Require().NoError(err)
	s.NotEmpty(set.RefreshToken)
	s.NotEqual(rt, set.RefreshToken)

	// The rotated token works; the consumed one does not.
	_, err = s.client.Refresh(s.ctx, set.RefreshToken)
	s.NoError(err)
	_, err = s.client.Refresh(s.ctx, rt)
	s.True(dErrors.HasCode(err, dErrors.CodeRefreshFailed))
}

func (s *ClientSuite) TestRefreshProviderRejects() {
	s.idp.FailRefresh = true
	rt := s.idp.IssueRefreshToken("alice")

	_, err := s.client.Refresh(s.ctx, rt)
	s.True(dErrors.HasCode(err, dErrors.CodeRefreshFailed))
}

// faultTransport serves requests normally until err is set, then fails
// every request with it. Lets a test make the provider unreachable after
// discovery succeeded.
type faultTransport struct {
	base http.RoundTripper
	err  error
}

func (t *faultTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.base.RoundTrip(r)
}

func (s *ClientSuite) TestRefreshProviderUnreachable() {
	transport := &faultTransport{base: s.idp.Client().Transport}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := oidc.New(s.ctx, s.cfg, s.states, logger,
		oidc.WithHTTPClient(&http.Client{Transport: transport}))
	s.Require().NoError(err)
	rt := s.idp.IssueRefreshToken("alice")

	// A dead network path is a transient fault, not a token rejection.
	transport.err = errors.New("connection refused")
	_, err = client.Refresh(s.ctx, rt)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamUnavailable))
	s.False(dErrors.HasCode(err, dErrors.CodeRefreshFailed))

	transport.err = context.DeadlineExceeded
	_, err = client.Refresh(s.ctx, rt)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamTimeout))

	// The token itself was never consumed; it still refreshes fine.
	transport.err = nil
	set, err := client.Refresh(s.ctx, rt)
	s.Require().NoError(err)
	s.NotEmpty(set.AccessToken)
}

func (s *ClientSuite) TestEndSessionURL() {
	u, err := url.Parse(s.client.EndSessionURL("the-id-token"))
	s.Require().NoError(err)

	s.Equal("/endsession", u.Path)
	s.Equal("the-id-token", u.Query().Get("id_token_hint"))
	s.Equal("http://localhost:5003/", u.Query().Get("post_logout_redirect_uri"))
}

func (s *ClientSuite) TestVerifyLogoutToken() {
	sid, sub, err := s.client.VerifyLogoutToken(s.ctx, s.idp.SignLogoutToken("alice", "idp-session-1"))
	s.Require().NoError(err)
	s.Equal("idp-session-1", sid)
	s.Equal("alice", sub)
}

func (s *ClientSuite) TestVerifyLogoutTokenRejectsMissingEvents() {
	// A plain ID token must never be accepted as a logout token.
	raw := s.idp.SignIDToken(map[string]any{"sub": "alice", "sid": "idp-session-1"})
	_, _, err := s.client.VerifyLogoutToken(s.ctx, raw)
	s.Error(err)
}

func (s *ClientSuite) TestVerifyLogoutTokenRejectsNonce() {
	raw := s.idp.SignIDToken(map[string]any{
		"sub":    "alice",
		"nonce":  "n",
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	})
	_, _, err := s.client.VerifyLogoutToken(s.ctx, raw)
	s.Error(err)
}

func (s *ClientSuite) TestVerifyLogoutTokenRejectsEmptySidAndSub() {
	raw := s.idp.SignLogoutToken("", "")
	_, _, err := s.client.VerifyLogoutToken(s.ctx, raw)
	s.Error(err)
}
