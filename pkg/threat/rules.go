package threat

import (
	"fmt"
	"time"
)

// EventType is a class of suspicious activity that is counted per
// identifier.
type EventType string

const (
	BruteForce         EventType = "brute_force"
	CredentialStuffing EventType = "credential_stuffing"
	AnomalousBehavior  EventType = "anomalous_behavior"
)

// Action is what happens when a rule triggers.
type Action string

const (
	// ActionLockout blocks the identifier for the rule window.
	ActionLockout Action = "lockout"
	// ActionChallenge demands secondary verification.
	ActionChallenge Action = "challenge"
	// ActionAlert only records an alert.
	ActionAlert Action = "alert"
)

// Rule triggers Action when Threshold events are counted within Window.
type Rule struct {
	Threshold int64         `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Action    Action        `yaml:"action"`
}

func (r Rule) validate() error {
	if r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", r.Threshold)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	switch r.Action {
	case ActionLockout, ActionChallenge, ActionAlert:
		return nil
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
}

// DefaultRules is the detection rule set used when none is configured.
func DefaultRules() map[EventType]Rule {
	return map[EventType]Rule{
		BruteForce:         {Threshold: 10, Window: 5 * time.Minute, Action: ActionLockout},
		CredentialStuffing: {Threshold: 3, Window: time.Minute, Action: ActionChallenge},
		AnomalousBehavior:  {Threshold: 5, Window: 10 * time.Minute, Action: ActionAlert},
	}
}

// Operation names a rate limited action.
type Operation string

const (
	OpLogin         Operation = "login"
	OpPasswordReset Operation = "password_reset"
	OpTwoFactor     Operation = "two_factor"
)

// Limit allows Max calls per Window.
type Limit struct {
	Max    int64         `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// DefaultLimits is the per-operation rate limit set.
func DefaultLimits() map[Operation]Limit {
	return map[Operation]Limit{
		OpLogin:         {Max: 5, Window: 15 * time.Minute},
		OpPasswordReset: {Max: 3, Window: time.Hour},
		OpTwoFactor:     {Max: 5, Window: 5 * time.Minute},
	}
}
