package session

import (
	"context"

	"authgate/internal/claims"
)

// StaticEnricher maps subjects to extra role claims from configuration. It
// mirrors deployments where the identity provider authenticates but the
// application assigns roles.
type StaticEnricher struct {
	roles map[string][]string
}

func NewStaticEnricher(roles map[string][]string) *StaticEnricher {
	return &StaticEnricher{roles: roles}
}

// Enrich appends the configured roles for subject, skipping roles the
// provider already asserted. Unknown subjects pass through unchanged.
func (e *StaticEnricher) Enrich(_ context.Context, subject string, base claims.Claims) (claims.Claims, error) {
	for _, role := range e.roles[subject] {
		if !base.Has(claims.TypeRole, role) {
			base = base.Add(claims.TypeRole, role)
		}
	}
	return base, nil
}

// NopEnricher returns claims untouched.
type NopEnricher struct{}

func (NopEnricher) Enrich(_ context.Context, _ string, base claims.Claims) (claims.Claims, error) {
	return base, nil
}
