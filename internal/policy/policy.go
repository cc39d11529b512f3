// Package policy evaluates named authorization policies over claim sets.
//
// Policies are registered once at startup and evaluated fresh per request.
// Predicates are pure functions: no I/O, no side effects, deterministic.
package policy

import (
	"authgate/internal/claims"
	dErrors "authgate/pkg/domain-errors"
)

// Decision is the outcome of a policy evaluation.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Predicate is a pure function over a claim set.
type Predicate func(claims.Claims) bool

// Authenticated admits any claim set with a subject claim.
func Authenticated() Predicate {
	return func(c claims.Claims) bool {
		return c.Subject() != ""
	}
}

// HasClaim admits claim sets containing the exact (type, value) pair.
func HasClaim(typ, value string) Predicate {
	return func(c claims.Claims) bool {
		return c.Has(typ, value)
	}
}

// HasClaimType admits claim sets containing any claim of the given type.
func HasClaimType(typ string) Predicate {
	return func(c claims.Claims) bool {
		return c.HasType(typ)
	}
}

// AnyOf admits claim sets matching at least one sub-predicate. With no
// sub-predicates it denies everything.
func AnyOf(preds ...Predicate) Predicate {
	return func(c claims.Claims) bool {
		for _, p := range preds {
			if p(c) {
				return true
			}
		}
		return false
	}
}

// AllOf admits claim sets matching every sub-predicate. With no
// sub-predicates it admits everything.
func AllOf(preds ...Predicate) Predicate {
	return func(c claims.Claims) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

// Assert wraps an arbitrary pure function as a predicate for cases the
// combinators do not cover.
func Assert(fn func(claims.Claims) bool) Predicate {
	return Predicate(fn)
}

// Engine holds the registered policies. Registration happens at startup;
// the engine is read-only afterwards, so Evaluate is safe for concurrent
// use without locking.
type Engine struct {
	policies map[string]Predicate
}

// NewEngine creates an empty policy engine.
func NewEngine() *Engine {
	return &Engine{policies: make(map[string]Predicate)}
}

// Register adds a named policy. Registering the same name twice replaces
// the earlier predicate; call sites should treat that as a wiring bug.
func (e *Engine) Register(name string, pred Predicate) {
	e.policies[name] = pred
}

// Evaluate runs the named policy against the claim set. Unregistered names
// fail with CodeUnknownPolicy rather than silently denying, because a typo
// in a route's policy name is a deployment error, not an authorization
// outcome.
func (e *Engine) Evaluate(name string, c claims.Claims) (Decision, error) {
	pred, ok := e.policies[name]
	if !ok {
		return Deny, dErrors.Newf(dErrors.CodeUnknownPolicy, "policy %q is not registered", name)
	}
	if pred(c) {
		return Allow, nil
	}
	return Deny, nil
}

// Defaults registers the gateway's stock policies. SearchPolicy gates the
// movie API proxy route: an authenticated user holding an Admin or
// Customer role claim.
func Defaults(e *Engine) {
	e.Register("SearchPolicy", AllOf(
		Authenticated(),
		AnyOf(
			HasClaim(claims.TypeRole, "Admin"),
			HasClaim(claims.TypeRole, "Customer"),
		),
	))
}
