package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Warden-Event"
	HeaderEventID   = "X-Warden-Event-ID"
	HeaderDelivery  = "X-Warden-Delivery"
	HeaderSignature = "X-Warden-Signature"
)

// Config configures a Sender.
type Config struct {
	URL string
	// Secret signs payloads with HMAC-SHA256 when set.
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig

	Client *http.Client
	Clock  clockwork.Clock
	Logger *observability.Logger
}

// Sender posts audit events to one webhook endpoint. It implements
// audit.Observer.
type Sender struct {
	url    string
	secret string
	client *http.Client
	policy *RetryPolicy
	clock  clockwork.Clock
	logger *observability.Logger
}

var _ audit.Observer = (*Sender)(nil)

// NewSender validates the endpoint and creates a Sender.
func NewSender(cfg Config) (*Sender, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhooks: invalid URL %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Sender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: cfg.Client,
		policy: NewRetryPolicy(cfg.Retry),
		clock:  cfg.Clock,
		logger: cfg.Logger.WithFields(map[string]interface{}{"component": "webhooks", "host": u.Host}),
	}, nil
}

// Notify delivers event, retrying transient failures with backoff until
// the policy gives up or ctx ends.
func (s *Sender) Notify(ctx context.Context, event *audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = s.send(ctx, event, payload)
		if err == nil {
			if attempt > 1 {
				s.logger.WithField("attempts", attempt).Info("webhook delivered after retry")
			}
			return nil
		}
		if !s.policy.ShouldRetry(attempt, err) {
			return fmt.Errorf("webhook delivery of %s failed after %d attempt(s): %w", event.ID, attempt, err)
		}

		delay := s.policy.NextRetryDelay(attempt)
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"attempt":  attempt,
			"delay":    delay.String(),
		}).Warn("webhook delivery failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

func (s *Sender) send(ctx context.Context, event *audit.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.EventType))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderDelivery, s.clock.Now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return permanent(err)
}

// VerifySignature verifies the webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err} }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
