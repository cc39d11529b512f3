// Package claims models the claim set attached to an authenticated session.
//
// A claim set is an ordered collection of (type, value) pairs. Types are not
// unique: a subject commonly holds several role claims. Ordering is
// irrelevant for policy evaluation but preserved for display on /user.
package claims

// Standard claim types used across the gateway. Claim types arrive from the
// provider unmapped (the short OIDC names, not SOAP-era URIs).
const (
	TypeSubject = "sub"
	TypeName    = "name"
	TypeEmail   = "email"
	TypeRole    = "role"
)

// Claim is a typed assertion about a subject.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Claims is an ordered claim set. The zero value is an empty, anonymous set.
// Treat values as immutable: derive new sets with Add rather than mutating.
type Claims []Claim

// New builds a claim set from pairs, preserving order.
func New(pairs ...Claim) Claims {
	return Claims(pairs)
}

// Add returns a new claim set with the given claim appended. The receiver
// is not modified.
func (c Claims) Add(typ, value string) Claims {
	out := make(Claims, len(c), len(c)+1)
	copy(out, c)
	return append(out, Claim{Type: typ, Value: value})
}

// Has reports whether the set contains a claim with the exact type and value.
func (c Claims) Has(typ, value string) bool {
	for _, cl := range c {
		if cl.Type == typ && cl.Value == value {
			return true
		}
	}
	return false
}

// HasType reports whether the set contains any claim of the given type.
func (c Claims) HasType(typ string) bool {
	for _, cl := range c {
		if cl.Type == typ {
			return true
		}
	}
	return false
}

// First returns the value of the first claim of the given type, or "".
func (c Claims) First(typ string) string {
	for _, cl := range c {
		if cl.Type == typ {
			return cl.Value
		}
	}
	return ""
}

// Values returns all values of the given type, in set order.
func (c Claims) Values(typ string) []string {
	var out []string
	for _, cl := range c {
		if cl.Type == typ {
			out = append(out, cl.Value)
		}
	}
	return out
}

// Subject returns the subject claim value, or "" for an anonymous set.
func (c Claims) Subject() string {
	return c.First(TypeSubject)
}
