package threat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

// State is the detection state of one (event type, identifier) counter.
type State string

const (
	StateNormal    State = "normal"
	StateCounting  State = "counting"
	StateTriggered State = "triggered"
)

// Outcome describes the counter after an event was recorded.
type Outcome struct {
	EventType  EventType
	Identifier string
	Count      int64
	State      State

	// Triggered is true only for the event that applied the rule action.
	Triggered bool
	Action    Action
}

// Err maps a triggering outcome to the error its action implies.
func (o *Outcome) Err() error {
	if o == nil || !o.Triggered {
		return nil
	}
	switch o.Action {
	case ActionLockout:
		return autherr.New(autherr.ErrAccountLocked, "locked after "+string(o.EventType))
	case ActionChallenge:
		return autherr.New(autherr.ErrChallengeRequired, "challenge after "+string(o.EventType))
	default:
		return autherr.New(autherr.ErrThreatDetected, string(o.EventType)+" detected")
	}
}

// Config configures a Detector.
type Config struct {
	Rules map[EventType]Rule

	Clock   clockwork.Clock
	Auditor audit.Auditor
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Detector counts suspicious events in the shared store and applies rule
// actions when thresholds are crossed.
type Detector struct {
	kv      kv.Store
	rules   map[EventType]Rule
	clock   clockwork.Clock
	auditor audit.Auditor
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDetector creates a Detector. Rules default to DefaultRules.
func NewDetector(store kv.Store, cfg Config) (*Detector, error) {
	if store == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "threat detector requires a kv store")
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	for t, r := range cfg.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("threat: rule %s: %w", t, err)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Detector{
		kv:      store,
		rules:   cfg.Rules,
		clock:   cfg.Clock,
		auditor: cfg.Auditor,
		logger:  cfg.Logger.WithField("component", "threat"),
		metrics: cfg.Metrics,
	}, nil
}

func counterKey(t EventType, id string) string { return "threat:" + string(t) + ":" + id }
func lockKey(id string) string                 { return "lock:" + id }
func challengeKey(id string) string            { return "challenge:" + id }
func alertKey(t EventType, id string) string   { return "threat_alert:" + string(t) + ":" + id }

// Rule returns the rule for an event type.
func (d *Detector) Rule(t EventType) (Rule, bool) {
	r, ok := d.rules[t]
	return r, ok
}

// Record counts one event. The counter expires one window after its first
// event. Once the count reaches the threshold the rule action fires on the
// first event that finds no action key for the identifier, so it fires once
// per episode and a failed write is retried by the next event.
func (d *Detector) Record(ctx context.Context, t EventType, identifier string) (*Outcome, error) {
	rule, ok := d.rules[t]
	if !ok {
		return nil, fmt.Errorf("threat: no rule for %q", t)
	}

	count, err := d.kv.IncrWithTTL(ctx, counterKey(t, identifier), rule.Window)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		EventType:  t,
		Identifier: identifier,
		Count:      count,
		State:      StateCounting,
		Action:     rule.Action,
	}
	if count >= rule.Threshold {
		out.State = StateTriggered
	}
	if count < rule.Threshold {
		return out, nil
	}

	fired, err := d.fire(ctx, t, identifier, rule, count)
	out.Triggered = fired
	return out, err
}

// fire applies the rule action unless its key already exists, and reports
// whether this call applied it.
func (d *Detector) fire(ctx context.Context, t EventType, identifier string, rule Rule, count int64) (bool, error) {
	until := d.clock.Now().UTC().Add(rule.Window)

	var key, value string
	switch rule.Action {
	case ActionLockout:
		key, value = lockKey(identifier), until.Format(time.RFC3339)
	case ActionChallenge:
		key, value = challengeKey(identifier), string(t)
	default:
		key, value = alertKey(t, identifier), until.Format(time.RFC3339)
	}
	applied, err := d.kv.SetNX(ctx, key, value, rule.Window)
	if err != nil {
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"identifier":  identifier,
			"threat_type": string(t),
		}).Error("failed to apply threat action")
		return false, err
	}
	if !applied {
		return false, nil
	}

	if rule.Action == ActionLockout {
		d.auditor.Record(ctx, audit.EventAccountLocked, map[string]interface{}{
			"identifier":  identifier,
			"user_id":     identifier,
			"threat_type": string(t),
			"until":       until,
		})
	}
	data := map[string]interface{}{
		"identifier":     identifier,
		"threat_type":    string(t),
		"count":          count,
		"action":         string(rule.Action),
		"window_seconds": int64(rule.Window / time.Second),
	}
	d.auditor.Record(ctx, audit.EventThreatDetected, data)
	if d.metrics != nil {
		d.metrics.ThreatTriggersTotal.WithLabelValues(string(t), string(rule.Action)).Inc()
	}
	d.logger.WithFields(data).Warn("threat rule triggered")
	return true, nil
}

// State reports the current count and state of a counter.
func (d *Detector) State(ctx context.Context, t EventType, identifier string) (*Outcome, error) {
	rule, ok := d.rules[t]
	if !ok {
		return nil, fmt.Errorf("threat: no rule for %q", t)
	}
	out := &Outcome{EventType: t, Identifier: identifier, State: StateNormal, Action: rule.Action}

	raw, err := d.kv.Get(ctx, counterKey(t, identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("threat: counter %s: %w", counterKey(t, identifier), err)
	}
	out.Count = count
	out.State = StateCounting
	if count >= rule.Threshold {
		out.State = StateTriggered
	}
	return out, nil
}

// CheckLocked fails with ErrAccountLocked while identifier is locked out.
func (d *Detector) CheckLocked(ctx context.Context, identifier string) error {
	ttl, err := d.kv.TTL(ctx, lockKey(identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return autherr.New(autherr.ErrAccountLocked, "identifier locked").
		WithUserID(identifier).
		WithRetryAfter(ttl)
}

// Unlock lifts a lockout and clears the brute force counter.
func (d *Detector) Unlock(ctx context.Context, identifier, actor string) error {
	if err := d.kv.Del(ctx, lockKey(identifier), counterKey(BruteForce, identifier)); err != nil {
		return err
	}
	d.auditor.Record(ctx, audit.EventAccountUnlocked, map[string]interface{}{
		"identifier": identifier,
		"user_id":    identifier,
		"actor":      actor,
	})
	return nil
}

// ChallengeRequired reports whether identifier must pass secondary
// verification.
func (d *Detector) ChallengeRequired(ctx context.Context, identifier string) (bool, error) {
	_, err := d.kv.Get(ctx, challengeKey(identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearChallenge drops a pending challenge requirement, typically after
// the identifier passed secondary verification.
func (d *Detector) ClearChallenge(ctx context.Context, identifier string) error {
	return d.kv.Del(ctx, challengeKey(identifier), counterKey(CredentialStuffing, identifier))
}

// Reset clears one counter.
func (d *Detector) Reset(ctx context.Context, t EventType, identifier string) error {
	return d.kv.Del(ctx, counterKey(t, identifier))
}
