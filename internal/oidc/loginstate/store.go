// Package loginstate stores the ephemeral state of an authorization-code
// round trip: the state nonce, the PKCE verifier, and the OIDC nonce live
// here between the redirect to the provider and the callback.
//
// Entries are strictly single use. Consuming one removes it, so a replayed
// callback with the same state parameter fails lookup. Entries also expire
// after a short, bounded window to close the replay window and cap memory
// growth from abandoned logins.
package loginstate

import (
	"context"
	"time"
)

// Record is one pending authorization-code exchange, keyed by State.
type Record struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	Nonce        string    `json:"nonce"`
	RedirectURI  string    `json:"redirect_uri"`
	ReturnURL    string    `json:"return_url"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store persists pending login state.
//
// Error contract: Consume returns sentinel.ErrNotFound when the state is
// absent (never created, already consumed, or evicted) and sentinel.ErrExpired
// when it exists but the window has passed. Either way the entry is gone
// afterwards.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Consume(ctx context.Context, state string) (Record, error)
}
