package twofactor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

const (
	DefaultIssuer     = "Warden"
	DefaultPendingTTL = 10 * time.Minute

	period = 30
	skew   = 2

	pendingPrefix = "2fa:pending:"
	secretPrefix  = "2fa:secret:"
	backupPrefix  = "2fa:backup:"
	usedPrefix    = "2fa:used:"
)

// Method is how a verification was satisfied.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Enrollment is handed to the user once, when enrollment begins. Backup
// codes are only ever shown here; the store keeps hashes.
type Enrollment struct {
	Secret          string    `json:"secret"`
	ProvisioningURI string    `json:"provisioning_uri"`
	BackupCodes     []string  `json:"backup_codes"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type pendingRecord struct {
	Secret       string   `json:"secret"`
	BackupHashes []string `json:"backup_hashes"`
}

// Config configures an Authenticator.
type Config struct {
	Issuer     string
	PendingTTL time.Duration

	Clock   clockwork.Clock
	Rand    io.Reader
	Auditor audit.Auditor
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Authenticator manages TOTP enrollment and verification. State moves
// unenrolled -> pending -> enrolled; a pending enrollment that is not
// confirmed within PendingTTL disappears.
type Authenticator struct {
	kv         kv.Store
	issuer     string
	pendingTTL time.Duration
	clock      clockwork.Clock
	rand       io.Reader
	auditor    audit.Auditor
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewAuthenticator creates an Authenticator backed by store.
func NewAuthenticator(store kv.Store, cfg Config) (*Authenticator, error) {
	if store == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "two-factor requires a kv store")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Authenticator{
		kv:         store,
		issuer:     cfg.Issuer,
		pendingTTL: cfg.PendingTTL,
		clock:      cfg.Clock,
		rand:       cfg.Rand,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger.WithField("component", "twofactor"),
		metrics:    cfg.Metrics,
	}, nil
}

// BeginEnrollment generates a secret and backup codes and holds them as a
// pending enrollment. Starting again replaces any earlier pending one.
func (a *Authenticator) BeginEnrollment(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	if accountName == "" {
		accountName = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: accountName,
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        a.rand,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate secret: %w", err)
	}
	codes, err := generateBackupCodes(a.rand)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(pendingRecord{
		Secret:       key.Secret(),
		BackupHashes: hashBackupCodes(userID, codes),
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: encode pending enrollment: %w", err)
	}
	if err := a.kv.Set(ctx, pendingPrefix+userID, string(raw), a.pendingTTL); err != nil {
		return nil, err
	}

	a.auditor.Record(ctx, audit.EventTwoFactorEnrollmentStarted, map[string]interface{}{
		"user_id": userID,
	})
	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
		ExpiresAt:       a.clock.Now().UTC().Add(a.pendingTTL),
	}, nil
}

// ConfirmEnrollment activates a pending enrollment once the user proves
// possession of the secret.
func (a *Authenticator) ConfirmEnrollment(ctx context.Context, userID, code string) error {
	raw, err := a.kv.Get(ctx, pendingPrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return autherr.New(autherr.ErrTwoFactorSetupExpired, "no pending enrollment").WithUserID(userID)
	}
	if err != nil {
		return err
	}
	var pending pendingRecord
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return fmt.Errorf("twofactor: decode pending enrollment: %w", err)
	}

	code = normalizeCode(code)
	if !a.validate(code, pending.Secret) {
		a.failed(ctx, userID, "confirm", MethodTOTP)
		return autherr.New(autherr.ErrTwoFactorCodeInvalid, "confirmation code rejected").WithUserID(userID)
	}
	if err := a.claimCode(ctx, userID, code); err != nil {
		return err
	}

	if err := a.kv.Set(ctx, secretPrefix+userID, pending.Secret, 0); err != nil {
		return err
	}
	if err := a.replaceBackupCodes(ctx, userID, pending.BackupHashes); err != nil {
		return err
	}
	if err := a.kv.Del(ctx, pendingPrefix+userID); err != nil {
		a.logger.WithError(err).Warn("failed to drop confirmed pending enrollment")
	}

	a.auditor.Record(ctx, audit.EventTwoFactorEnabled, map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// Verify accepts either a current TOTP code or an unused backup code.
// Backup codes are consumed on use.
func (a *Authenticator) Verify(ctx context.Context, userID, code string) (Method, error) {
	secret, err := a.kv.Get(ctx, secretPrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", autherr.New(autherr.ErrTwoFactorNotEnrolled, "two-factor not enrolled").WithUserID(userID)
	}
	if err != nil {
		return "", err
	}

	code = normalizeCode(code)
	switch {
	case isTOTPFormat(code):
		if !a.validate(code, secret) {
			a.failed(ctx, userID, "verify", MethodTOTP)
			return "", autherr.New(autherr.ErrTwoFactorCodeInvalid, "totp code rejected").WithUserID(userID)
		}
		if err := a.claimCode(ctx, userID, code); err != nil {
			return "", err
		}
		a.verified(ctx, userID, MethodTOTP)
		return MethodTOTP, nil

	case isBackupCodeFormat(code):
		removed, err := a.kv.SRem(ctx, backupPrefix+userID, hashBackupCode(userID, code))
		if err != nil {
			return "", err
		}
		if removed != 1 {
			a.failed(ctx, userID, "verify", MethodBackupCode)
			return "", autherr.New(autherr.ErrTwoFactorCodeInvalid, "backup code rejected").WithUserID(userID)
		}
		remaining, err := a.RemainingBackupCodes(ctx, userID)
		if err != nil {
			remaining = -1
		}
		a.auditor.Record(ctx, audit.EventBackupCodeUsed, map[string]interface{}{
			"user_id":   userID,
			"remaining": remaining,
		})
		a.verified(ctx, userID, MethodBackupCode)
		return MethodBackupCode, nil
	}

	a.failed(ctx, userID, "verify", "")
	return "", autherr.New(autherr.ErrTwoFactorCodeInvalid, "malformed code").WithUserID(userID)
}

// Disable removes the secret, backup codes and any pending enrollment. The
// caller is responsible for re-authenticating the user first.
func (a *Authenticator) Disable(ctx context.Context, userID string) error {
	enrolled, err := a.IsEnrolled(ctx, userID)
	if err != nil {
		return err
	}
	if !enrolled {
		return autherr.New(autherr.ErrTwoFactorNotEnrolled, "two-factor not enrolled").WithUserID(userID)
	}
	if err := a.kv.Del(ctx, secretPrefix+userID, backupPrefix+userID, pendingPrefix+userID); err != nil {
		return err
	}
	a.auditor.Record(ctx, audit.EventTwoFactorDisabled, map[string]interface{}{
		"user_id": userID,
	})
	a.logger.WithField("user_id", userID).Info("two-factor disabled")
	return nil
}

// RegenerateBackupCodes replaces all backup codes of an enrolled user.
func (a *Authenticator) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	enrolled, err := a.IsEnrolled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, autherr.New(autherr.ErrTwoFactorNotEnrolled, "two-factor not enrolled").WithUserID(userID)
	}
	codes, err := generateBackupCodes(a.rand)
	if err != nil {
		return nil, err
	}
	if err := a.replaceBackupCodes(ctx, userID, hashBackupCodes(userID, codes)); err != nil {
		return nil, err
	}
	a.auditor.Record(ctx, audit.EventBackupCodesRegenerated, map[string]interface{}{
		"user_id": userID,
		"count":   len(codes),
	})
	return codes, nil
}

// IsEnrolled reports whether userID has confirmed two-factor.
func (a *Authenticator) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	_, err := a.kv.Get(ctx, secretPrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemainingBackupCodes counts unused backup codes.
func (a *Authenticator) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	members, err := a.kv.SMembers(ctx, backupPrefix+userID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

func (a *Authenticator) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, a.clock.Now().UTC(), totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// claimCode rejects a TOTP code that was already accepted for this user
// while it could still validate.
func (a *Authenticator) claimCode(ctx context.Context, userID, code string) error {
	ttl := time.Duration((2*skew+2)*period) * time.Second
	fresh, err := a.kv.SetNX(ctx, usedPrefix+userID+":"+code, "1", ttl)
	if err != nil {
		return err
	}
	if !fresh {
		a.failed(ctx, userID, "replay", MethodTOTP)
		return autherr.New(autherr.ErrTwoFactorCodeInvalid, "totp code already used").WithUserID(userID)
	}
	return nil
}

func (a *Authenticator) replaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	if err := a.kv.Del(ctx, backupPrefix+userID); err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	return a.kv.SAdd(ctx, backupPrefix+userID, hashes...)
}

func (a *Authenticator) verified(ctx context.Context, userID string, method Method) {
	a.auditor.Record(ctx, audit.EventTwoFactorVerified, map[string]interface{}{
		"user_id": userID,
		"method":  string(method),
	})
	if a.metrics != nil {
		a.metrics.TwoFactorVerificationsTotal.WithLabelValues(string(method), "success").Inc()
	}
}

func (a *Authenticator) failed(ctx context.Context, userID, stage string, method Method) {
	a.auditor.Record(ctx, audit.EventTwoFactorFailed, map[string]interface{}{
		"user_id": userID,
		"stage":   stage,
		"method":  string(method),
	})
	if a.metrics != nil {
		label := string(method)
		if label == "" {
			label = "unknown"
		}
		a.metrics.TwoFactorVerificationsTotal.WithLabelValues(label, "failure").Inc()
	}
}
