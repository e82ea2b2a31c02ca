package factory

import (
	"context"
	"testing"
	"time"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/repository/memory"
	"risk-auth-service/internal/syncutil"
	"risk-auth-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	util.SetLogger(zap.NewNop())
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("ARGON2_MEMORY_COST", "1024")
	t.Setenv("OTP_REAPER_INTERVAL", "10ms")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("CLICKHOUSE_URL", "")
	t.Setenv("ELASTICSEARCH_URL", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNew_MemoryBackend(t *testing.T) {
	f, err := New(loadTestConfig(t))
	require.NoError(t, err)
	defer f.Close()

	assert.IsType(t, &memory.DeviceStore{}, f.devices)
	assert.IsType(t, &memory.ChallengeStore{}, f.challenges)
	assert.IsType(t, &syncutil.KeyedMutex{}, f.locker)
	assert.Equal(t, []string{"log"}, f.Recorder().Sinks())
	assert.Nil(t, f.TLSManager())

	health := f.HealthCheck(context.Background())
	assert.NoError(t, health["decision_engine"])
	assert.NotContains(t, health, "redis")
	assert.True(t, f.IsHealthy(context.Background()))
}

func TestNew_DecidesEndToEnd(t *testing.T) {
	f, err := New(loadTestConfig(t))
	require.NoError(t, err)
	defer f.Close()

	res, err := f.ServiceFactory().AuthService().Authenticate(context.Background(), &model.LoginAttemptContext{
		Identity:          "alice",
		CredentialValid:   true,
		Timestamp:         time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC),
		DeviceFingerprint: "fp-1",
		NetworkAddress:    "203.0.113.7",
		Location:          "Dubai, AE",
	})
	require.NoError(t, err)
	// Heuristic model: Gulf country in business hours.
	assert.Equal(t, model.DecisionAllow, res.Decision)
}

func TestStartBackground_ReapsMemoryChallenges(t *testing.T) {
	f, err := New(loadTestConfig(t))
	require.NoError(t, err)
	defer f.Close()

	store := f.challenges.(*memory.ChallengeStore)
	require.NoError(t, store.Save(context.Background(), &model.OTPChallenge{
		ID:        "old",
		Identity:  "bob",
		State:     model.StateExpired,
		ExpiresAt: time.Now().Add(-2 * challengeRetention),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.StartBackground(ctx)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNew_KafkaNotifierNeedsProducer(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.OTP.Notifier = config.NotifierKafka

	_, err := New(cfg)
	assert.ErrorContains(t, err, "kafka notifier")
}

func TestClose_Idempotent(t *testing.T) {
	f, err := New(loadTestConfig(t))
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}
