// Package session owns the server-side session records that stand in for
// tokens at the browser. The browser only ever holds an opaque session ID;
// the token triple lives here and is swapped under the session transparently
// when the access token expires.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"authgate/internal/claims"
	"authgate/internal/oidc"
)

//go:generate mockgen -source=session.go -destination=mocks/session_mock.go -package=mocks

// Session is one authenticated browser's server-side state. The ID doubles
// as the cookie value and must stay out of logs beyond its prefix.
type Session struct {
	ID      string        `json:"id"`
	Subject string        `json:"subject"`
	Claims  claims.Claims `json:"claims"`

	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	IDToken           string    `json:"id_token"`
	AccessTokenExpiry time.Time `json:"access_token_expiry"`

	// ProviderSessionID is the provider's sid claim, used to match
	// back-channel logout notifications to this session.
	ProviderSessionID string `json:"provider_session_id,omitempty"`
	// Device is a human-readable browser/OS summary for audit trails.
	Device string `json:"device,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// AccessTokenFresh reports whether the access token is still usable at now,
// with skew subtracted so a token about to expire mid-flight counts as
// stale. A zero expiry is always stale.
func (s Session) AccessTokenFresh(now time.Time, skew time.Duration) bool {
	if s.AccessTokenExpiry.IsZero() {
		return false
	}
	return s.AccessTokenExpiry.After(now.Add(skew))
}

// Expired reports whether the session itself has outlived its absolute TTL.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store persists sessions keyed by ID. Implementations translate their
// backend's miss into sentinel.ErrNotFound. The delete-by variants return
// the sessions they removed so callers can audit each one.
type Store interface {
	Save(ctx context.Context, session Session) error
	FindByID(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByProviderSession(ctx context.Context, sid string) ([]Session, error)
	DeleteBySubject(ctx context.Context, subject string) ([]Session, error)
}

// TokenRefresher exchanges a refresh token for a new token set. Satisfied by
// *oidc.Client.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (oidc.TokenSet, error)
}

// Enricher augments the provider's claims with application-level ones after
// authentication, before the session exists. Enrichment failures abort the
// login: a session must never be created with partial claims.
type Enricher interface {
	Enrich(ctx context.Context, subject string, base claims.Claims) (claims.Claims, error)
}

// NewID returns a 256-bit random session identifier, base64url-encoded.
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
