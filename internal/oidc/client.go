// Package oidc implements the relying-party side of the OpenID Connect
// authorization code flow: discovery, the code exchange with PKCE, refresh
// exchanges, and logout token verification for back-channel logout.
//
// The identity provider is a network peer. Discovery metadata is fetched
// once at construction and cached for the process lifetime; everything else
// happens per call with bounded timeouts.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authgate/internal/claims"
	"authgate/internal/oidc/loginstate"
	"authgate/internal/platform/config"
	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/platform/sentinel"
)

// logoutTokenEvent is the event URI a back-channel logout token must carry.
const logoutTokenEvent = "http://schemas.openid.net/event/backchannel-logout"

// TokenSet is the token triple returned by the provider, plus the access
// token expiry. RefreshToken may be empty on refresh responses when the
// provider does not rotate.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// LoginResult is the outcome of a successful code exchange.
type LoginResult struct {
	Tokens  TokenSet
	Subject string
	Claims  claims.Claims
	// ProviderSessionID is the sid claim from the ID token, used to
	// correlate back-channel logout notifications. Empty if the provider
	// does not issue one.
	ProviderSessionID string
	// ReturnURL is the same-origin path the browser asked to land on
	// after login.
	ReturnURL string
}

// Client executes the three-legged authorization code flow and refresh
// exchanges against a single identity provider.
type Client struct {
	cfg        config.OIDC
	provider   *gooidc.Provider
	verifier   *gooidc.IDTokenVerifier
	oauth      *oauth2.Config
	states     loginstate.Store
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	// endSessionEndpoint comes from discovery metadata; empty when the
	// provider does not support RP-initiated logout.
	endSessionEndpoint string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New performs discovery against cfg.Issuer and constructs the client.
// A hung provider cannot block startup beyond the passed context.
func New(ctx context.Context, cfg config.OIDC, states loginstate.Store, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		states: states,
		logger: logger,
		now:    time.Now,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx = gooidc.ClientContext(ctx, c.httpClient)
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Issuer, err)
	}
	c.provider = provider
	c.verifier = provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID})

	// go-oidc exposes only the token/auth endpoints directly; the
	// end-session endpoint rides along in the raw discovery claims.
	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err == nil {
		c.endSessionEndpoint = extra.EndSessionEndpoint
	}

	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     provider.Endpoint(),
	}

	logger.Info("oidc provider configured",
		"issuer", cfg.Issuer,
		"client_id", cfg.ClientID,
		"end_session_supported", c.endSessionEndpoint != "",
	)
	return c, nil
}

// BeginLogin generates the state, nonce and PKCE verifier for a fresh
// authorization round trip, persists them keyed by state, and returns the
// provider authorization URL to redirect the browser to. No tokens exist
// at this point.
func (c *Client) BeginLogin(ctx context.Context, returnURL string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	now := c.now()
	rec := loginstate.Record{
		State:        state,
		CodeVerifier: verifier,
		Nonce:        nonce,
		RedirectURI:  c.cfg.RedirectURL,
		ReturnURL:    returnURL,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.LoginStateTTL),
	}
	if err := c.states.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}

	authURL := c.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	return authURL, nil
}

// CompleteLogin consumes the pending state and exchanges the code for the
// token triple. The state is single use: replaying a (state, code) pair
// after a successful exchange fails with CodeInvalidState. The ID token's
// nonce must equal the stored nonce or the login aborts with
// CodeNonceMismatch and no session material is returned.
func (c *Client) CompleteLogin(ctx context.Context, state, code string) (*LoginResult, error) {
	rec, err := c.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrExpired) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidState, "unknown or expired login state")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "login state lookup failed")
	}

	ctx = c.providerContext(ctx)
	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(rec.CodeVerifier))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTokenExchange, "authorization code exchange failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, dErrors.New(dErrors.CodeTokenExchange, "token response missing id_token")
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTokenExchange, "id token verification failed")
	}
	if idToken.Nonce != rec.Nonce {
		return nil, dErrors.New(dErrors.CodeNonceMismatch, "id token nonce does not match login state")
	}

	set, sid, err := c.claimSetFromIDToken(idToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTokenExchange, "decode id token claims")
	}
	set = c.mergeUserInfo(ctx, token, set)

	return &LoginResult{
		Tokens: TokenSet{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			Expiry:       token.Expiry,
		},
		Subject:           idToken.Subject,
		Claims:            set,
		ProviderSessionID: sid,
		ReturnURL:         rec.ReturnURL,
	}, nil
}

// Refresh exchanges a refresh token at the token endpoint. Only a provider
// rejection (revoked, expired, or already consumed under rotation) fails
// with CodeRefreshFailed, which tells the caller to force
// re-authentication. A timeout or unreachable provider is a transient
// fault, coded like any other downstream failure, and must not cost the
// caller its session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	ctx = c.providerContext(ctx)
	token, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return TokenSet{}, dErrors.Wrap(err, dErrors.CodeRefreshFailed, "provider rejected refresh token")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return TokenSet{}, dErrors.Wrap(err, dErrors.CodeDownstreamTimeout, "refresh exchange timed out")
		}
		return TokenSet{}, dErrors.Wrap(err, dErrors.CodeDownstreamUnavailable, "refresh exchange failed")
	}

	set := TokenSet{
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}
	// Rotation-dependent: absent refresh_token means keep using the old one.
	if token.RefreshToken != refreshToken {
		set.RefreshToken = token.RefreshToken
	}
	if raw, ok := token.Extra("id_token").(string); ok {
		set.IDToken = raw
	}
	return set, nil
}

// EndSessionURL builds the provider's RP-initiated logout URL with
// id_token_hint and post_logout_redirect_uri. Returns "" when the provider
// does not advertise an end-session endpoint; the caller then finishes with
// a local-only logout.
func (c *Client) EndSessionURL(idTokenHint string) string {
	if c.endSessionEndpoint == "" {
		return ""
	}
	u, err := url.Parse(c.endSessionEndpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if c.cfg.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", c.cfg.PostLogoutRedirectURL)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// VerifyLogoutToken validates a back-channel logout token per OIDC
// Back-Channel Logout 1.0: provider signature, issuer and audience via the
// regular verifier, the backchannel-logout event claim present, and no
// nonce. Returns the sid and sub claims; at least one is guaranteed
// non-empty on success.
func (c *Client) VerifyLogoutToken(ctx context.Context, raw string) (sid, sub string, err error) {
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	token, err := c.verifier.Verify(ctx, raw)
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "logout token verification failed")
	}

	var body struct {
		SID    string                 `json:"sid"`
		Events map[string]interface{} `json:"events"`
		Nonce  string                 `json:"nonce"`
	}
	if err := token.Claims(&body); err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode logout token claims")
	}
	if _, ok := body.Events[logoutTokenEvent]; !ok {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "logout token missing backchannel-logout event")
	}
	// OIDC Back-Channel Logout prohibits a nonce so a logout token can
	// never pass as an ID token.
	if body.Nonce != "" {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "logout token must not contain a nonce")
	}
	if body.SID == "" && token.Subject == "" {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "logout token carries neither sid nor sub")
	}
	return body.SID, token.Subject, nil
}

// claimSetFromIDToken flattens the verified ID token into the ordered claim
// set: subject first, then the profile claims the movie app displays, then
// roles. Role may be a single string or an array depending on provider.
func (c *Client) claimSetFromIDToken(idToken *gooidc.IDToken) (claims.Claims, string, error) {
	var raw struct {
		Subject string `json:"sub"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		SID     string `json:"sid"`
		Role    any    `json:"role"`
	}
	if err := idToken.Claims(&raw); err != nil {
		return nil, "", err
	}

	set := claims.New(claims.Claim{Type: claims.TypeSubject, Value: idToken.Subject})
	if raw.Name != "" {
		set = set.Add(claims.TypeName, raw.Name)
	}
	if raw.Email != "" {
		set = set.Add(claims.TypeEmail, raw.Email)
	}
	for _, role := range stringValues(raw.Role) {
		set = set.Add(claims.TypeRole, role)
	}
	return set, raw.SID, nil
}

// mergeUserInfo pulls the userinfo endpoint and merges claim types the ID
// token did not carry. Providers commonly keep ID tokens slim and put
// profile data behind userinfo. Failure here is not fatal: the verified ID
// token claims stand on their own.
func (c *Client) mergeUserInfo(ctx context.Context, token *oauth2.Token, set claims.Claims) claims.Claims {
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		c.logger.Debug("userinfo fetch skipped", "error", err)
		return set
	}

	var raw struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Role  any    `json:"role"`
	}
	if err := info.Claims(&raw); err != nil {
		return set
	}
	if raw.Name != "" && !set.HasType(claims.TypeName) {
		set = set.Add(claims.TypeName, raw.Name)
	}
	if raw.Email != "" && !set.HasType(claims.TypeEmail) {
		set = set.Add(claims.TypeEmail, raw.Email)
	}
	if !set.HasType(claims.TypeRole) {
		for _, role := range stringValues(raw.Role) {
			set = set.Add(claims.TypeRole, role)
		}
	}
	return set
}

// providerContext injects the client's HTTP client into ctx so both go-oidc
// and x/oauth2 use it, keeping provider call timeouts in one place.
func (c *Client) providerContext(ctx context.Context) context.Context {
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// randomToken returns a 256-bit random value, base64url-encoded.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
