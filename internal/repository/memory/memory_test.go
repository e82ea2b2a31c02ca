package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"risk-auth-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceStore_SightingLifecycle(t *testing.T) {
	s := NewDeviceStore()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Lookup(ctx, "alice", "fp")
	assert.ErrorIs(t, err, model.ErrDeviceNotFound)

	rec, err := s.RecordSighting(ctx, "alice", "fp", t0)
	require.NoError(t, err)
	assert.False(t, rec.Trusted)
	assert.Equal(t, t0, rec.FirstSeen)

	// Replaying the same attempt changes nothing.
	rec, err = s.RecordSighting(ctx, "alice", "fp", t0)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.LastSeen)

	t1 := t0.Add(time.Hour)
	rec, err = s.RecordSighting(ctx, "alice", "fp", t1)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.FirstSeen)
	assert.Equal(t, t1, rec.LastSeen)

	// An out-of-order older sighting never moves LastSeen back.
	rec, err = s.RecordSighting(ctx, "alice", "fp", t0)
	require.NoError(t, err)
	assert.Equal(t, t1, rec.LastSeen)

	require.NoError(t, s.Promote(ctx, "alice", "fp", t1))
	rec, err = s.Lookup(ctx, "alice", "fp")
	require.NoError(t, err)
	assert.True(t, rec.Trusted)
	assert.Equal(t, t1, rec.TrustedAt)

	// Trust survives later sightings and repeat promotion keeps the first timestamp.
	_, err = s.RecordSighting(ctx, "alice", "fp", t1.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Promote(ctx, "alice", "fp", t1.Add(2*time.Hour)))
	rec, err = s.Lookup(ctx, "alice", "fp")
	require.NoError(t, err)
	assert.True(t, rec.Trusted)
	assert.Equal(t, t1, rec.TrustedAt)

	assert.Equal(t, 1, s.Len())
}

func TestDeviceStore_KeyedByIdentityAndFingerprint(t *testing.T) {
	s := NewDeviceStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Promote(ctx, "alice", "fp", now))
	_, err := s.Lookup(ctx, "bob", "fp")
	assert.ErrorIs(t, err, model.ErrDeviceNotFound)
	_, err = s.Lookup(ctx, "alice", "other")
	assert.ErrorIs(t, err, model.ErrDeviceNotFound)
}

func TestDeviceStore_ConcurrentSightings(t *testing.T) {
	s := NewDeviceStore()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordSighting(ctx, "alice", "fp", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}

func TestChallengeStore(t *testing.T) {
	s := NewChallengeStore()
	ctx := context.Background()
	now := time.Now()

	_, err := s.Get(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrChallengeNotFound)

	c := &model.OTPChallenge{ID: "c1", Identity: "alice", State: model.StateIssued, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, s.Save(ctx, c))

	// Mutating the caller's copy does not touch the stored record.
	c.State = model.StateVerified
	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateIssued, got.State)

	require.NoError(t, s.Save(ctx, &model.OTPChallenge{ID: "c2", Identity: "bob", ExpiresAt: now.Add(-time.Hour)}))
	n, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
}

func TestChallengeStore_CancelledContext(t *testing.T) {
	s := NewChallengeStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Save(ctx, &model.OTPChallenge{Identity: "alice"}), context.Canceled)
	assert.Equal(t, 0, s.Len())
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(5, 15*time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}

	ok, wait, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, (3 * time.Minute).Seconds(), wait.Seconds(), 1)

	ok, _, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// A rejected request does not consume a token.
	now = now.Add(3 * time.Minute)
	ok, _, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}
