package audit

import (
	"context"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// Key management
	EventKeyInitialized EventType = "KEY_INITIALIZED"
	EventKeyRotation    EventType = "KEY_ROTATION"
	EventKeyRetired     EventType = "KEY_RETIRED"

	// Sessions
	EventSessionCreated    EventType = "SESSION_CREATED"
	EventSessionExpired    EventType = "SESSION_EXPIRED"
	EventSessionTerminated EventType = "SESSION_TERMINATED"

	// Tokens
	EventTokenIssued    EventType = "TOKEN_ISSUED"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventTokenRevoked   EventType = "TOKEN_REVOKED"

	// Authentication
	EventLoginSuccess EventType = "LOGIN_SUCCESS"
	EventLoginFailed  EventType = "LOGIN_FAILED"
	EventLoginBlocked EventType = "LOGIN_BLOCKED"
	EventLogout       EventType = "LOGOUT"

	// Threats
	EventThreatDetected  EventType = "THREAT_DETECTED"
	EventAccountLocked   EventType = "ACCOUNT_LOCKED"
	EventAccountUnlocked EventType = "ACCOUNT_UNLOCKED"
	EventRateLimited     EventType = "RATE_LIMITED"

	// Two-factor
	EventTwoFactorEnrollmentStarted EventType = "TWO_FACTOR_ENROLLMENT_STARTED"
	EventTwoFactorEnabled           EventType = "TWO_FACTOR_ENABLED"
	EventTwoFactorDisabled          EventType = "TWO_FACTOR_DISABLED"
	EventTwoFactorVerified          EventType = "TWO_FACTOR_VERIFIED"
	EventTwoFactorFailed            EventType = "TWO_FACTOR_FAILED"
	EventBackupCodeUsed             EventType = "BACKUP_CODE_USED"
	EventBackupCodesRegenerated     EventType = "BACKUP_CODES_REGENERATED"

	// Message encryption
	EventIdentityKeyPublished EventType = "IDENTITY_KEY_PUBLISHED"
)

// highSignificance lists events that always warrant operator attention.
var highSignificance = map[EventType]bool{
	EventKeyRotation:            true,
	EventAccountLocked:          true,
	EventThreatDetected:         true,
	EventTwoFactorDisabled:      true,
	EventBackupCodesRegenerated: true,
}

// HighSignificance reports whether events of type t should be alerted on.
func HighSignificance(t EventType) bool {
	return highSignificance[t]
}

// Event is a single immutable audit record.
type Event struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// UserID returns the user the event concerns, if recorded.
func (e *Event) UserID() string {
	if v, ok := e.Data["user_id"].(string); ok {
		return v
	}
	return ""
}

// Auditor is what components depend on to record state transitions.
type Auditor interface {
	Record(ctx context.Context, eventType EventType, data map[string]interface{})
}

// Logger is a durable audit sink.
type Logger interface {
	// Log persists an event.
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the sink.
	Close() error
}

// SearchFilter narrows audit queries.
type SearchFilter struct {
	EventTypes []EventType
	UserID     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Matches reports whether e passes the filter.
func (f SearchFilter) Matches(e *Event) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && e.UserID() != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// ExportFormat is an export encoding.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// Discard is an Auditor that records nothing.
var Discard Auditor = discard{}

type discard struct{}

func (discard) Record(context.Context, EventType, map[string]interface{}) {}
