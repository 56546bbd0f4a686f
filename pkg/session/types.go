package session

import (
	"time"
)

// Status is a session lifecycle state. Transitions only move forward,
// except that an idle session becomes active again when touched.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Live reports whether a session in this status may still authenticate.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusIdle
}

// MaxRiskScore caps the accumulated risk of a session.
const MaxRiskScore = 100

// Device is the client context a session was created from.
type Device struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Session is one authenticated device or browser instance.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Device       Device    `json:"device"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	RiskScore    int       `json:"risk_score"`
	Status       Status    `json:"status"`

	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason string        `json:"end_reason,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Live reports whether the session may still authenticate.
func (s *Session) Live() bool {
	return s.Status.Live()
}

func (s *Session) timedOut(now time.Time, timeout time.Duration) bool {
	return s.Live() && now.Sub(s.LastActivity) >= timeout
}

func (s *Session) end(status Status, reason string, now time.Time) {
	s.Status = status
	s.EndReason = reason
	s.EndedAt = &now
	s.Duration = now.Sub(s.CreatedAt)
}

// ShortID is a log-safe prefix of a session ID.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
