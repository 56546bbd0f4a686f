package keys

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultGracePeriod matches the default refresh token lifetime so every
// token signed before a rotation stays verifiable until it expires.
const DefaultGracePeriod = 7 * 24 * time.Hour

// Subkey sizes in bytes.
const (
	sessionKeySize    = 32
	tokenKeySize      = 64
	encryptionKeySize = 32
	signingKeySize    = 64
)

// KeyMaterial is a master secret and its purpose-scoped subkeys. Accessors
// return copies; the backing arrays are zeroed when the material is
// discarded.
type KeyMaterial struct {
	master        []byte
	sessionKey    []byte
	tokenKey      []byte
	encryptionKey []byte
	signingKey    []byte
	createdAt     time.Time
	fingerprint   string
}

func newKeyMaterial(master []byte, createdAt time.Time) (*KeyMaterial, error) {
	km := &KeyMaterial{
		master:      master,
		createdAt:   createdAt,
		fingerprint: Fingerprint(master),
	}

	subkeys := []struct {
		dst    *[]byte
		label  string
		length int
	}{
		{&km.sessionKey, LabelSession, sessionKeySize},
		{&km.tokenKey, LabelToken, tokenKeySize},
		{&km.encryptionKey, LabelEncryption, encryptionKeySize},
		{&km.signingKey, LabelSigning, signingKeySize},
	}
	for _, sk := range subkeys {
		b, err := Derive(master, sk.label, sk.length)
		if err != nil {
			km.destroy()
			return nil, err
		}
		*sk.dst = b
	}
	return km, nil
}

func (k *KeyMaterial) Fingerprint() string  { return k.fingerprint }
func (k *KeyMaterial) CreatedAt() time.Time { return k.createdAt }

func (k *KeyMaterial) SessionKey() []byte    { return clone(k.sessionKey) }
func (k *KeyMaterial) TokenKey() []byte      { return clone(k.tokenKey) }
func (k *KeyMaterial) EncryptionKey() []byte { return clone(k.encryptionKey) }
func (k *KeyMaterial) SigningKey() []byte    { return clone(k.signingKey) }

func (k *KeyMaterial) destroy() {
	for _, b := range [][]byte{k.master, k.sessionKey, k.tokenKey, k.encryptionKey, k.signingKey} {
		zero(b)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Config wires a Manager.
type Config struct {
	GracePeriod time.Duration
	// Store shares rotation state between workers. With a Store and a
	// provided seed, every worker derives the same keys for each epoch and
	// a rotation on one worker is picked up by all of them.
	Store kv.Store
	// SyncInterval rate limits keyring reads triggered by Sync.
	SyncInterval time.Duration
	Clock        clockwork.Clock
	Rand         io.Reader
	Auditor      audit.Auditor
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Status is a loggable summary of the manager's keys.
type Status struct {
	ActiveFingerprint   string    `json:"active_fingerprint"`
	ActiveCreatedAt     time.Time `json:"active_created_at"`
	RetiringFingerprint string    `json:"retiring_fingerprint,omitempty"`
	RetiringUntil       time.Time `json:"retiring_until,omitempty"`
}

// Manager holds exactly one active KeyMaterial and at most one retiring
// one. Reads are concurrent with rotation; rotations are serialized within
// the process by a mutex and across processes by the shared keyring.
type Manager struct {
	grace        time.Duration
	kv           kv.Store
	syncInterval time.Duration
	clock        clockwork.Clock
	rand         io.Reader
	auditor      audit.Auditor
	logger       *observability.Logger
	metrics      *observability.Metrics

	rotateMu sync.Mutex
	syncMu   sync.Mutex

	// root is set only when keys are shared through the keyring.
	root []byte

	mu            sync.RWMutex
	active        *KeyMaterial
	retiring      *KeyMaterial
	retiringUntil time.Time
	epoch         int64
	lastSync      time.Time
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
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
	return &Manager{
		grace:        cfg.GracePeriod,
		kv:           cfg.Store,
		syncInterval: cfg.SyncInterval,
		clock:        cfg.Clock,
		rand:         cfg.Rand,
		auditor:      cfg.Auditor,
		logger:       cfg.Logger.WithField("component", "keys"),
		metrics:      cfg.Metrics,
	}
}

// Initialize installs the active key material. A nil seed generates a new
// master key; a provided seed must be exactly MasterKeySize bytes. The seed
// is copied, so callers may zero their own buffer afterwards.
func (m *Manager) Initialize(ctx context.Context, seed []byte) (*KeyMaterial, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	m.mu.RLock()
	initialized := m.active != nil
	m.mu.RUnlock()
	if initialized {
		return nil, autherr.New(autherr.ErrKeyInit, "key manager already initialized")
	}

	source := "provided"
	var master []byte
	if seed != nil {
		if len(seed) != MasterKeySize {
			return nil, autherr.New(autherr.ErrKeyInit,
				fmt.Sprintf("master key must be %d bytes, got %d", MasterKeySize, len(seed)))
		}
		master = clone(seed)
	} else {
		source = "generated"
		var err error
		if master, err = m.generateMaster(); err != nil {
			return nil, err
		}
	}

	var km *KeyMaterial
	var epoch int64
	if m.kv != nil && seed != nil {
		m.root = master
		rec, err := m.joinKeyring(ctx)
		if err != nil {
			m.root = nil
			zero(master)
			return nil, autherr.Wrap(autherr.ErrKeyInit, "join shared keyring", err)
		}
		if err := m.install(rec); err != nil {
			m.root = nil
			zero(master)
			return nil, err
		}
		km, _ = m.Active()
		epoch = rec.Epoch
	} else {
		if m.kv != nil {
			m.logger.Warn("no master key provided; keys are local to this process and rotations are not shared")
		}
		var err error
		km, err = newKeyMaterial(master, m.clock.Now().UTC())
		if err != nil {
			return nil, autherr.Wrap(autherr.ErrKeyInit, "derive subkeys", err)
		}
		m.mu.Lock()
		m.active = km
		m.mu.Unlock()
	}

	m.auditor.Record(ctx, audit.EventKeyInitialized, map[string]interface{}{
		"fingerprint": km.fingerprint,
		"source":      source,
		"epoch":       epoch,
	})
	m.logger.WithFields(map[string]interface{}{
		"fingerprint": km.fingerprint,
		"source":      source,
		"epoch":       epoch,
	}).Info("key material initialized")
	m.observeAge()

	return km, nil
}

func (m *Manager) generateMaster() ([]byte, error) {
	master := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(m.rand, master); err != nil {
		return nil, autherr.Wrap(autherr.ErrKeyInit, "generate master key", err)
	}
	return master, nil
}

// Active returns the active key material.
func (m *Manager) Active() (*KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, autherr.New(autherr.ErrKeyInit, "key manager not initialized")
	}
	return m.active, nil
}

// Rotate replaces the active material with freshly generated material and
// keeps the outgoing one as retiring for the grace period. A Rotate that
// finds another rotation in progress returns immediately without rotating
// a second time. Errors wrap ErrKeyInit and must be treated as fatal.
func (m *Manager) Rotate(ctx context.Context) error {
	if !m.rotateMu.TryLock() {
		m.logger.Debug("rotation already in progress")
		return nil
	}
	defer m.rotateMu.Unlock()
	return m.rotateLocked(ctx)
}

// RotateIfDue rotates when the active material is at least interval old.
// It reports whether a rotation happened.
func (m *Manager) RotateIfDue(ctx context.Context, interval time.Duration) (bool, error) {
	if !m.rotateMu.TryLock() {
		return false, nil
	}
	defer m.rotateMu.Unlock()

	active, err := m.Active()
	if err != nil {
		return false, err
	}
	if m.shared() {
		rotated, err := m.rotateShared(ctx, func(rotatedAt time.Time) bool {
			return m.clock.Since(rotatedAt) >= interval
		})
		if err != nil {
			err = autherr.Wrap(autherr.ErrKeyInit, "rotate shared keyring", err)
			m.rotationFailed(err)
			return false, err
		}
		m.observeAge()
		return rotated, nil
	}
	if m.clock.Since(active.createdAt) < interval {
		m.PruneRetiring(ctx)
		m.observeAge()
		return false, nil
	}
	if err := m.rotateLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) shared() bool {
	return m.kv != nil && m.root != nil
}

func (m *Manager) rotateLocked(ctx context.Context) error {
	if _, err := m.Active(); err != nil {
		m.rotationFailed(err)
		return err
	}
	if m.shared() {
		if _, err := m.rotateShared(ctx, nil); err != nil {
			err = autherr.Wrap(autherr.ErrKeyInit, "rotate shared keyring", err)
			m.rotationFailed(err)
			return err
		}
		return nil
	}

	master, err := m.generateMaster()
	if err != nil {
		m.rotationFailed(err)
		return err
	}
	now := m.clock.Now().UTC()
	next, err := newKeyMaterial(master, now)
	if err != nil {
		err = autherr.Wrap(autherr.ErrKeyInit, "derive subkeys", err)
		m.rotationFailed(err)
		return err
	}

	m.mu.Lock()
	prev := m.active
	discarded := m.retiring
	m.active = next
	m.retiring = prev
	m.retiringUntil = now.Add(m.grace)
	m.mu.Unlock()

	if discarded != nil {
		m.retire(ctx, discarded, "superseded")
	}

	m.rotated(ctx, prev.fingerprint)
	return nil
}

func (m *Manager) rotated(ctx context.Context, prevFingerprint string) {
	status := m.Status()
	m.auditor.Record(ctx, audit.EventKeyRotation, map[string]interface{}{
		"old_fingerprint": prevFingerprint,
		"new_fingerprint": status.ActiveFingerprint,
		"retiring_until":  status.RetiringUntil.Format(time.RFC3339),
	})
	m.logger.WithFields(map[string]interface{}{
		"old_fingerprint": prevFingerprint,
		"new_fingerprint": status.ActiveFingerprint,
	}).Info("key material rotated")

	if m.metrics != nil {
		m.metrics.KeyRotationsTotal.WithLabelValues("success").Inc()
	}
	m.observeAge()
}

func (m *Manager) rotationFailed(err error) {
	m.logger.WithError(err).Error("key rotation failed")
	if m.metrics != nil {
		m.metrics.KeyRotationsTotal.WithLabelValues("failure").Inc()
	}
}

// PruneRetiring discards retiring material whose grace period has ended.
func (m *Manager) PruneRetiring(ctx context.Context) {
	m.mu.Lock()
	var expired *KeyMaterial
	if m.retiring != nil && !m.clock.Now().Before(m.retiringUntil) {
		expired = m.retiring
		m.retiring = nil
		m.retiringUntil = time.Time{}
	}
	m.mu.Unlock()

	if expired != nil {
		m.retire(ctx, expired, "grace period elapsed")
	}
}

func (m *Manager) retire(ctx context.Context, km *KeyMaterial, reason string) {
	fp := km.fingerprint
	km.destroy()
	m.auditor.Record(ctx, audit.EventKeyRetired, map[string]interface{}{
		"fingerprint": fp,
		"reason":      reason,
	})
}

// TokenKeys returns the active token key followed by the retiring token key
// while its grace period lasts.
func (m *Manager) TokenKeys() ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return nil, autherr.New(autherr.ErrKeyInit, "key manager not initialized")
	}
	out := [][]byte{clone(m.active.tokenKey)}
	if m.retiring != nil && m.clock.Now().Before(m.retiringUntil) {
		out = append(out, clone(m.retiring.tokenKey))
	}
	return out, nil
}

// ActiveTokenKey returns the key new tokens are signed with.
func (m *Manager) ActiveTokenKey() ([]byte, error) {
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	return active.TokenKey(), nil
}

// Status summarizes the current keys by fingerprint.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Status
	if m.active != nil {
		s.ActiveFingerprint = m.active.fingerprint
		s.ActiveCreatedAt = m.active.createdAt
	}
	if m.retiring != nil && m.clock.Now().Before(m.retiringUntil) {
		s.RetiringFingerprint = m.retiring.fingerprint
		s.RetiringUntil = m.retiringUntil
	}
	return s
}

func (m *Manager) observeAge() {
	if m.metrics == nil {
		return
	}
	if active, err := m.Active(); err == nil {
		m.metrics.KeyAgeSeconds.Set(m.clock.Since(active.createdAt).Seconds())
	}
}
