package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
)

const (
	keyringKey = "keys:keyring"

	// DefaultSyncInterval bounds how often an unknown signature makes a
	// worker re-read the shared keyring.
	DefaultSyncInterval = time.Second
)

// keyringRecord is the shared rotation state. It never holds key material:
// every epoch's master is derived from the configured seed, so any worker
// holding the seed can rebuild the active and retiring keys.
type keyringRecord struct {
	Epoch           int64     `json:"epoch"`
	RootFingerprint string    `json:"root_fingerprint"`
	RotatedAt       time.Time `json:"rotated_at"`
	RetiringUntil   time.Time `json:"retiring_until,omitempty"`
}

func epochLabel(epoch int64) string {
	return fmt.Sprintf("warden/v1/epoch/%d", epoch)
}

// epochMaster returns the master secret of an epoch. Epoch 0 is the seed
// itself.
func epochMaster(root []byte, epoch int64) ([]byte, error) {
	if epoch == 0 {
		return clone(root), nil
	}
	return Derive(root, epochLabel(epoch), MasterKeySize)
}

// loadKeyring returns the stored record and its raw encoding, or
// kv.ErrNotFound.
func (m *Manager) loadKeyring(ctx context.Context) (*keyringRecord, string, error) {
	raw, err := m.kv.Get(ctx, keyringKey)
	if err != nil {
		return nil, "", err
	}
	var rec keyringRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, "", autherr.Wrap(autherr.ErrKeyInit, "decode shared keyring", err)
	}
	return &rec, raw, nil
}

// joinKeyring loads the shared keyring, creating it at epoch 0 when this is
// the first worker.
func (m *Manager) joinKeyring(ctx context.Context) (*keyringRecord, error) {
	rec, _, err := m.loadKeyring(ctx)
	if errors.Is(err, kv.ErrNotFound) {
		fresh := keyringRecord{
			RootFingerprint: Fingerprint(m.root),
			RotatedAt:       m.clock.Now().UTC(),
		}
		encoded, merr := json.Marshal(fresh)
		if merr != nil {
			return nil, merr
		}
		created, serr := m.kv.SetNX(ctx, keyringKey, string(encoded), 0)
		if serr != nil {
			return nil, serr
		}
		if created {
			return &fresh, nil
		}
		rec, _, err = m.loadKeyring(ctx)
	}
	if err != nil {
		return nil, err
	}
	if rec.RootFingerprint != Fingerprint(m.root) {
		return nil, autherr.New(autherr.ErrKeyInit, "master key does not match the shared keyring")
	}
	return rec, nil
}

// materialFor builds the active and, while its grace period lasts, the
// retiring material for rec.
func (m *Manager) materialFor(rec *keyringRecord) (active, retiring *KeyMaterial, err error) {
	master, err := epochMaster(m.root, rec.Epoch)
	if err != nil {
		return nil, nil, autherr.Wrap(autherr.ErrKeyInit, "derive epoch master", err)
	}
	if active, err = newKeyMaterial(master, rec.RotatedAt); err != nil {
		return nil, nil, autherr.Wrap(autherr.ErrKeyInit, "derive subkeys", err)
	}
	if rec.Epoch == 0 || !m.clock.Now().Before(rec.RetiringUntil) {
		return active, nil, nil
	}

	prevMaster, err := epochMaster(m.root, rec.Epoch-1)
	if err != nil {
		active.destroy()
		return nil, nil, autherr.Wrap(autherr.ErrKeyInit, "derive epoch master", err)
	}
	if retiring, err = newKeyMaterial(prevMaster, time.Time{}); err != nil {
		active.destroy()
		return nil, nil, autherr.Wrap(autherr.ErrKeyInit, "derive subkeys", err)
	}
	return active, retiring, nil
}

// install replaces the local keys with those of rec and destroys whatever
// they supersede.
func (m *Manager) install(rec *keyringRecord) error {
	active, retiring, err := m.materialFor(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := []*KeyMaterial{m.active, m.retiring}
	m.active = active
	m.retiring = retiring
	m.retiringUntil = time.Time{}
	if retiring != nil {
		m.retiringUntil = rec.RetiringUntil
	}
	m.epoch = rec.Epoch
	m.mu.Unlock()

	for _, km := range old {
		if km != nil {
			km.destroy()
		}
	}
	return nil
}

// Sync installs the shared keyring when another worker has rotated. It
// reads the store at most once per sync interval and reports whether the
// local keys changed. Without a shared store it is a no-op.
func (m *Manager) Sync(ctx context.Context) (bool, error) {
	if m.kv == nil || m.root == nil {
		return false, nil
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.RLock()
	fresh := m.clock.Since(m.lastSync) < m.syncInterval
	m.mu.RUnlock()
	if fresh {
		return false, nil
	}
	return m.syncLocked(ctx)
}

func (m *Manager) syncLocked(ctx context.Context) (bool, error) {
	rec, _, err := m.loadKeyring(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	current := m.epoch
	m.lastSync = m.clock.Now()
	m.mu.Unlock()
	if rec.Epoch == current {
		return false, nil
	}

	if err := m.install(rec); err != nil {
		return false, err
	}
	m.logger.WithFields(map[string]interface{}{
		"epoch":       rec.Epoch,
		"fingerprint": m.Status().ActiveFingerprint,
	}).Info("key material synced from shared keyring")
	m.observeAge()
	return true, nil
}

// rotateShared advances the shared keyring by one epoch. The advance is a
// compare-and-swap on the keyring record, so exactly one worker rotates per
// epoch; a worker that loses the race installs the winner's keys instead.
// When due is non-nil the rotation only happens if due reports the current
// epoch as old enough.
func (m *Manager) rotateShared(ctx context.Context, due func(rotatedAt time.Time) bool) (bool, error) {
	rec, raw, err := m.loadKeyring(ctx)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	current := m.epoch
	m.mu.RUnlock()
	if rec.Epoch != current {
		// another worker rotated since this one last looked
		if err := m.install(rec); err != nil {
			return false, err
		}
		return false, nil
	}
	if due != nil && !due(rec.RotatedAt) {
		return false, nil
	}

	now := m.clock.Now().UTC()
	next := keyringRecord{
		Epoch:           rec.Epoch + 1,
		RootFingerprint: rec.RootFingerprint,
		RotatedAt:       now,
		RetiringUntil:   now.Add(m.grace),
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	swapped, err := m.kv.CompareAndSwap(ctx, keyringKey, raw, string(encoded), 0)
	if err != nil {
		return false, err
	}
	if !swapped {
		_, err := m.syncLocked(ctx)
		return false, err
	}

	prev, _ := m.Active()
	prevFingerprint := prev.fingerprint
	if err := m.install(&next); err != nil {
		return false, err
	}
	m.rotated(ctx, prevFingerprint)
	return true, nil
}
