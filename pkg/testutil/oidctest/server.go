// Package oidctest runs an in-process OpenID Connect provider for tests:
// discovery, JWKS, authorize, token, userinfo and end-session endpoints
// backed by a throwaway RSA key. Tests drive it either end to end (the
// authorize endpoint issues codes and redirects) or directly via IssueCode.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultClientID matches the gateway's default configuration.
	DefaultClientID     = "movie_client"
	DefaultClientSecret = "secret"
)

// issuedCode is a pending authorization code.
type issuedCode struct {
	subject   string
	nonce     string
	challenge string
	extra     map[string]any
}

// Server is a fake identity provider.
type Server struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string

	ClientID     string
	ClientSecret string
	TokenTTL     time.Duration

	// DefaultSubject and DefaultExtraClaims shape tokens issued through
	// the authorize endpoint.
	DefaultSubject     string
	DefaultExtraClaims map[string]any

	// UserInfo, when non-nil, is served from the userinfo endpoint.
	UserInfo map[string]any

	// FailRefresh makes the token endpoint reject refresh_token grants
	// with invalid_grant.
	FailRefresh bool
	// RotateRefresh issues a fresh refresh token on every refresh grant.
	RotateRefresh bool
	// NonceOverride, when set, replaces the nonce claim in issued ID
	// tokens to simulate a replayed or tampered token response.
	NonceOverride string

	mu            sync.Mutex
	codes         map[string]issuedCode
	refreshTokens map[string]string // refresh token -> subject
	refreshCount  int
	endSessions   []url.Values
}

// New starts a fake provider. It shuts down with the test.
func New(t *testing.T) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate provider key: %v", err)
	}

	s := &Server{
		t:              t,
		key:            key,
		kid:            uuid.NewString(),
		ClientID:       DefaultClientID,
		ClientSecret:   DefaultClientSecret,
		TokenTTL:       time.Hour,
		DefaultSubject: "alice",
		codes:          make(map[string]issuedCode),
		refreshTokens:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/endsession", s.handleEndSession)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// Issuer returns the provider base URL.
func (s *Server) Issuer() string { return s.srv.URL }

// Client returns an HTTP client for talking to the provider.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// RefreshCount reports how many refresh_token grants the provider served.
func (s *Server) RefreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCount
}

// EndSessionCalls returns the query parameters of each end-session request.
func (s *Server) EndSessionCalls() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.endSessions...)
}

// IssueCode registers an authorization code for subject, bound to the given
// nonce and PKCE challenge. Empty challenge skips PKCE verification.
func (s *Server) IssueCode(subject, nonce, challenge string, extra map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := uuid.NewString()
	s.codes[code] = issuedCode{subject: subject, nonce: nonce, challenge: challenge, extra: extra}
	return code
}

// IssueRefreshToken registers a refresh token for subject so tests can
// exercise the refresh grant without a preceding code exchange.
func (s *Server) IssueRefreshToken(subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := "rt-" + uuid.NewString()
	s.refreshTokens[rt] = subject
	return rt
}

// SignIDToken signs an ID token with the provider key, filling iss/aud/exp/
// iat when absent. Tests use it to craft logout tokens and tampered tokens.
func (s *Server) SignIDToken(claimSet map[string]any) string {
	s.t.Helper()
	now := time.Now()
	if _, ok := claimSet["iss"]; !ok {
		claimSet["iss"] = s.Issuer()
	}
	if _, ok := claimSet["aud"]; !ok {
		claimSet["aud"] = s.ClientID
	}
	if _, ok := claimSet["iat"]; !ok {
		claimSet["iat"] = now.Unix()
	}
	if _, ok := claimSet["exp"]; !ok {
		claimSet["exp"] = now.Add(s.TokenTTL).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claimSet))
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		s.t.Fatalf("sign id token: %v", err)
	}
	return signed
}

// SignLogoutToken builds a back-channel logout token for sid/sub.
func (s *Server) SignLogoutToken(subject, sid string) string {
	claimSet := map[string]any{
		"jti":    uuid.NewString(),
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	}
	if subject != "" {
		claimSet["sub"] = subject
	}
	if sid != "" {
		claimSet["sid"] = sid
	}
	return s.SignIDToken(claimSet)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.Issuer() + "/authorize",
		"token_endpoint":                        s.Issuer() + "/token",
		"userinfo_endpoint":                     s.Issuer() + "/userinfo",
		"jwks_uri":                              s.Issuer() + "/jwks",
		"end_session_endpoint":                  s.Issuer() + "/endsession",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &s.key.PublicKey
	writeJSON(w, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": s.kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// handleAuthorize plays the provider's login page: it immediately issues a
// code for DefaultSubject and redirects back to the client.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	code := s.IssueCode(s.DefaultSubject, q.Get("nonce"), q.Get("code_challenge"), s.DefaultExtraClaims)

	loc, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	lq := loc.Query()
	lq.Set("code", code)
	lq.Set("state", q.Get("state"))
	loc.RawQuery = lq.Encode()
	http.Redirect(w, r, loc.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		tokenError(w, "unsupported_grant_type")
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code, ok := s.codes[r.PostFormValue("code")]
	if ok {
		delete(s.codes, r.PostFormValue("code"))
	}
	s.mu.Unlock()
	if !ok {
		tokenError(w, "invalid_grant")
		return
	}

	if code.challenge != "" {
		verifier := r.PostFormValue("code_verifier")
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != code.challenge {
			tokenError(w, "invalid_grant")
			return
		}
	}

	nonce := code.nonce
	if s.NonceOverride != "" {
		nonce = s.NonceOverride
	}
	claimSet := map[string]any{"sub": code.subject}
	if nonce != "" {
		claimSet["nonce"] = nonce
	}
	for k, v := range code.extra {
		claimSet[k] = v
	}

	s.mu.Lock()
	rt := "rt-" + uuid.NewString()
	s.refreshTokens[rt] = code.subject
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"access_token":  "at-" + uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    int(s.TokenTTL.Seconds()),
		"refresh_token": rt,
		"id_token":      s.SignIDToken(claimSet),
	})
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCount++
	subject, ok := s.refreshTokens[r.PostFormValue("refresh_token")]
	fail := s.FailRefresh
	rotate := s.RotateRefresh
	s.mu.Unlock()

	if fail || !ok {
		tokenError(w, "invalid_grant")
		return
	}

	resp := map[string]any{
		"access_token": "at-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenTTL.Seconds()),
		"id_token":     s.SignIDToken(map[string]any{"sub": subject}),
	}
	if rotate {
		s.mu.Lock()
		delete(s.refreshTokens, r.PostFormValue("refresh_token"))
		rt := "rt-" + uuid.NewString()
		s.refreshTokens[rt] = subject
		s.mu.Unlock()
		resp["refresh_token"] = rt
	}
	writeJSON(w, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if s.UserInfo == nil {
		http.Error(w, "userinfo not configured", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.UserInfo)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.endSessions = append(s.endSessions, r.URL.Query())
	s.mu.Unlock()
	fmt.Fprint(w, "signed out")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
