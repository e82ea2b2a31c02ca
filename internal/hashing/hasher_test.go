package hashing

import (
	"testing"

	"risk-auth-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(env string, peppers ...string) *config.Config {
	return &config.Config{
		Environment: env,
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           peppers,
		},
	}
}

func TestHasher_RoundTrip(t *testing.T) {
	h, err := NewHasher(testConfig("development", "pepper-one"))
	require.NoError(t, err)

	res, err := h.HashOTP("123456")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PepperVersion)
	assert.Equal(t, AlgorithmArgon2id, res.Algorithm)
	assert.NotContains(t, res.Hash, "123456")

	ok, err := h.VerifyOTP("123456", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("654321", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasher_SaltsDiffer(t *testing.T) {
	h, err := NewHasher(testConfig("development", "p"))
	require.NoError(t, err)

	a, err := h.HashOTP("111111")
	require.NoError(t, err)
	b, err := h.HashOTP("111111")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Salt, b.Salt)
}

func TestHasher_RotationKeepsOldCodesVerifiable(t *testing.T) {
	h, err := NewHasher(testConfig("development", "old", "current"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.CurrentVersion())

	res, err := h.HashOTP("222222")
	require.NoError(t, err)

	require.NoError(t, h.Rotate("next"))
	assert.Equal(t, 3, h.CurrentVersion())

	ok, err := h.VerifyOTP("222222", res)
	require.NoError(t, err)
	assert.True(t, ok)

	// Two further rotations push version 2 out of the retained set.
	require.NoError(t, h.Rotate(""))
	require.NoError(t, h.Rotate(""))
	_, err = h.VerifyOTP("222222", res)
	assert.ErrorIs(t, err, ErrPepperNotFound)
}

func TestHasher_ProductionRequiresPeppers(t *testing.T) {
	_, err := NewHasher(testConfig("production"))
	assert.ErrorIs(t, err, ErrMissingPeppers)

	h, err := NewHasher(testConfig("development"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.CurrentVersion())
}

func TestHasher_RejectsMalformed(t *testing.T) {
	h, err := NewHasher(testConfig("development", "p"))
	require.NoError(t, err)

	_, err = h.VerifyOTP("1", nil)
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyOTP("1", &HashResult{Hash: "!!", Salt: "AAAA", PepperVersion: 1})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyOTP("1", &HashResult{Hash: "AAAA", Salt: "AAAA", PepperVersion: 1, Algorithm: "md5"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgo)
}
