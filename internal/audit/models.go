// Package audit records the security-relevant moments of a session's life:
// logins, refreshes, policy denials and logouts. Events are emitted from
// domain logic and fanned out to sinks; no token material ever appears in an
// event.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions cover the session lifecycle end to end.
const (
	ActionLoginStarted      = "login_started"
	ActionLoginCompleted    = "login_completed"
	ActionLoginFailed       = "login_failed"
	ActionTokenRefreshed    = "token_refreshed"
	ActionSessionEnded      = "session_ended"
	ActionPolicyDenied      = "policy_denied"
	ActionBackchannelLogout = "backchannel_logout"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	// SessionID is the truncated session identifier, never the full cookie
	// value.
	SessionID string            `json:"session_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// normalize fills the fields every event must carry.
func normalize(e Event, now func() time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	return e
}
