package threat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/kv/kvtest"
	"github.com/platinummonkey/warden/pkg/observability"
)

type fixture struct {
	detector *Detector
	limiter  *Limiter
	h        *kvtest.Harness
	recorder *audit.Recorder
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := kvtest.New(t)
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := audit.NewRecorder(audit.RecorderConfig{Clock: h.Clock, Logger: logger})

	detector, err := NewDetector(h.Store, Config{Clock: h.Clock, Auditor: recorder, Logger: logger, Metrics: metrics})
	require.NoError(t, err)
	limiter, err := NewLimiter(h.Store, LimiterConfig{Auditor: recorder, Logger: logger, Metrics: metrics})
	require.NoError(t, err)

	return &fixture{detector: detector, limiter: limiter, h: h, recorder: recorder, metrics: metrics}
}

func (f *fixture) events(types ...audit.EventType) []*audit.Event {
	return f.recorder.Store().Search(audit.SearchFilter{EventTypes: types})
}

func TestNewDetector_Validation(t *testing.T) {
	h := kvtest.New(t)

	_, err := NewDetector(nil, Config{})
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)

	_, err = NewDetector(h.Store, Config{Rules: map[EventType]Rule{
		BruteForce: {Threshold: 0, Window: time.Minute, Action: ActionLockout},
	}})
	assert.Error(t, err)

	_, err = NewDetector(h.Store, Config{Rules: map[EventType]Rule{
		BruteForce: {Threshold: 3, Window: time.Minute, Action: "explode"},
	}})
	assert.Error(t, err)
}

func TestBruteForceLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		out, err := f.detector.Record(ctx, BruteForce, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), out.Count)
		assert.Equal(t, StateCounting, out.State)
		assert.False(t, out.Triggered)
		assert.NoError(t, out.Err())
	}
	require.NoError(t, f.detector.CheckLocked(ctx, "user-1"))

	out, err := f.detector.Record(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.True(t, out.Triggered)
	assert.Equal(t, StateTriggered, out.State)
	assert.ErrorIs(t, out.Err(), autherr.ErrAccountLocked)

	err = f.detector.CheckLocked(ctx, "user-1")
	require.ErrorIs(t, err, autherr.ErrAccountLocked)
	assert.Equal(t, 5*time.Minute, autherr.RetryAfter(err))

	out, err = f.detector.Record(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.False(t, out.Triggered, "the action fires once per episode")
	assert.Equal(t, StateTriggered, out.State)

	assert.Len(t, f.events(audit.EventThreatDetected), 1)
	assert.Len(t, f.events(audit.EventAccountLocked), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ThreatTriggersTotal.WithLabelValues("brute_force", "lockout")))

	require.NoError(t, f.detector.CheckLocked(ctx, "user-2"), "other identifiers are unaffected")

	f.h.Advance(4 * time.Minute)
	err = f.detector.CheckLocked(ctx, "user-1")
	require.ErrorIs(t, err, autherr.ErrAccountLocked)
	assert.Equal(t, time.Minute, autherr.RetryAfter(err))

	f.h.Advance(time.Minute)
	assert.NoError(t, f.detector.CheckLocked(ctx, "user-1"))

	state, err := f.detector.State(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateNormal, state.State)
	assert.Zero(t, state.Count)
}

func TestCounterTTLSetOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.detector.Record(ctx, AnomalousBehavior, "user-1")
	require.NoError(t, err)

	f.h.Advance(4 * time.Minute)
	_, err = f.detector.Record(ctx, AnomalousBehavior, "user-1")
	require.NoError(t, err)

	ttl, err := f.h.Store.TTL(ctx, counterKey(AnomalousBehavior, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, ttl, "later increments do not extend the window")

	state, err := f.detector.State(ctx, AnomalousBehavior, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Count)
	assert.Equal(t, StateCounting, state.State)
}

func TestConcurrentRecordNeverUndercounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 50

	var (
		wg        sync.WaitGroup
		triggered atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.detector.Record(ctx, BruteForce, "user-1")
			if assert.NoError(t, err) && out.Triggered {
				triggered.Add(1)
			}
		}()
	}
	wg.Wait()

	state, err := f.detector.State(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), state.Count)
	assert.Equal(t, int32(1), triggered.Load())

	ttl, err := f.h.Store.TTL(ctx, counterKey(BruteForce, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestCredentialStuffingChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.detector.Record(ctx, CredentialStuffing, "203.0.113.9")
		require.NoError(t, err)
	}
	required, err := f.detector.ChallengeRequired(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, required)

	out, err := f.detector.Record(ctx, CredentialStuffing, "203.0.113.9")
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err(), autherr.ErrChallengeRequired)

	required, err = f.detector.ChallengeRequired(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, required)
	assert.NoError(t, f.detector.CheckLocked(ctx, "203.0.113.9"), "challenge never locks")

	require.NoError(t, f.detector.ClearChallenge(ctx, "203.0.113.9"))
	required, err = f.detector.ChallengeRequired(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestAnomalousBehaviorAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var out *Outcome
	for i := 0; i < 5; i++ {
		var err error
		out, err = f.detector.Record(ctx, AnomalousBehavior, "user-1")
		require.NoError(t, err)
	}
	assert.True(t, out.Triggered)
	assert.ErrorIs(t, out.Err(), autherr.ErrThreatDetected)

	assert.NoError(t, f.detector.CheckLocked(ctx, "user-1"))
	required, err := f.detector.ChallengeRequired(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, required)

	detected := f.events(audit.EventThreatDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, "alert", detected[0].Data["action"])
	assert.True(t, audit.HighSignificance(detected[0].EventType))
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.detector.Record(ctx, BruteForce, "user-1")
		require.NoError(t, err)
	}
	require.Error(t, f.detector.CheckLocked(ctx, "user-1"))

	require.NoError(t, f.detector.Unlock(ctx, "user-1", "admin-7"))
	assert.NoError(t, f.detector.CheckLocked(ctx, "user-1"))

	state, err := f.detector.State(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateNormal, state.State)

	unlocked := f.events(audit.EventAccountUnlocked)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "admin-7", unlocked[0].Data["actor"])
}

func TestRecord_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector.Record(context.Background(), "port_scan", "x")
	assert.Error(t, err)
}

func TestRecord_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.h.Redis.Close()

	_, err := f.detector.Record(context.Background(), BruteForce, "user-1")
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)

	err = f.detector.CheckLocked(context.Background(), "user-1")
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, autherr.ErrAccountLocked)
}

// flakySetNX fails the next failures SetNX calls.
type flakySetNX struct {
	kv.Store
	failures int
}

func (s *flakySetNX) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, autherr.Wrap(autherr.ErrStoreUnavailable, "redis setnx "+key, errors.New("connection reset"))
	}
	return s.Store.SetNX(ctx, key, value, ttl)
}

func TestBruteForceLockout_RetriedAfterStoreFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &flakySetNX{Store: f.h.Store}
	detector, err := NewDetector(store, Config{Clock: f.h.Clock, Auditor: f.recorder, Metrics: f.metrics})
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := detector.Record(ctx, BruteForce, "user-1")
		require.NoError(t, err)
	}

	store.failures = 1
	out, err := detector.Record(ctx, BruteForce, "user-1")
	require.ErrorIs(t, err, autherr.ErrStoreUnavailable)
	assert.False(t, out.Triggered)
	assert.Equal(t, StateTriggered, out.State)
	require.NoError(t, detector.CheckLocked(ctx, "user-1"))

	out, err = detector.Record(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.True(t, out.Triggered, "the next failure applies the lost lockout")
	assert.Equal(t, int64(11), out.Count)
	assert.ErrorIs(t, detector.CheckLocked(ctx, "user-1"), autherr.ErrAccountLocked)

	out, err = detector.Record(ctx, BruteForce, "user-1")
	require.NoError(t, err)
	assert.False(t, out.Triggered)

	assert.Len(t, f.events(audit.EventAccountLocked), 1)
	assert.Len(t, f.events(audit.EventThreatDetected), 1)
}

func TestAnomalousBehaviorAlert_OncePerWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	triggered := 0
	for i := 0; i < 8; i++ {
		out, err := f.detector.Record(ctx, AnomalousBehavior, "user-1")
		require.NoError(t, err)
		if out.Triggered {
			triggered++
		}
	}
	assert.Equal(t, 1, triggered)

	f.h.Advance(10 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := f.detector.Record(ctx, AnomalousBehavior, "user-1")
		require.NoError(t, err)
	}
	assert.Len(t, f.events(audit.EventThreatDetected), 2, "a new window is a new episode")
}
