package encryption

import (
	"context"
	"errors"
	"testing"

	"risk-auth-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEnvelope_RoundTrip(t *testing.T) {
	em, err := NewEncryptionManager(&config.Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "482913", "otp_code")
	require.NoError(t, err)
	assert.Equal(t, localKeyID, data.KeyID)
	assert.NotContains(t, data.EncryptedValue, "482913")

	got, err := em.DecryptField(ctx, data, "otp_code")
	require.NoError(t, err)
	assert.Equal(t, "482913", got)
}

func TestLocalEnvelope_PurposeIsBound(t *testing.T) {
	em, err := NewEncryptionManager(&config.Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "482913", "otp_code")
	require.NoError(t, err)

	_, err = em.DecryptField(ctx, data, "something_else")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLocalEnvelope_OtherManagerCannotOpen(t *testing.T) {
	a, err := NewEncryptionManager(&config.Config{}, nil)
	require.NoError(t, err)
	b, err := NewEncryptionManager(&config.Config{}, nil)
	require.NoError(t, err)

	data, err := a.EncryptField(context.Background(), "secret", "p")
	require.NoError(t, err)
	_, err = b.DecryptField(context.Background(), data, "p")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

// fakeKMS wraps data keys by XOR with a fixed pad, enough to exercise the KMS path.
type fakeKMS struct {
	failGenerate bool
}

var pad = []byte("0123456789abcdef0123456789abcdef")

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ pad[i%len(pad)]
	}
	return out
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.failGenerate {
		return nil, errors.New("AccessDeniedException")
	}
	key := []byte("kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk")
	return &kms.GenerateDataKeyOutput{Plaintext: append([]byte(nil), key...), CiphertextBlob: xor(key), KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

func TestKMSEnvelope(t *testing.T) {
	cfg := &config.Config{KMS: config.KMSConfig{Enabled: true, KeyID: "alias/otp"}}

	_, err := NewEncryptionManager(cfg, nil)
	assert.Error(t, err)

	em, err := NewEncryptionManager(cfg, &fakeKMS{})
	require.NoError(t, err)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "123456", "otp_code")
	require.NoError(t, err)
	assert.Equal(t, "alias/otp", data.KeyID)

	got, err := em.DecryptField(ctx, data, "otp_code")
	require.NoError(t, err)
	assert.Equal(t, "123456", got)

	em, err = NewEncryptionManager(cfg, &fakeKMS{failGenerate: true})
	require.NoError(t, err)
	_, err = em.EncryptField(ctx, "123456", "otp_code")
	assert.Error(t, err)
}

func TestDecryptField_RejectsBadEnvelope(t *testing.T) {
	em, err := NewEncryptionManager(&config.Config{}, nil)
	require.NoError(t, err)

	_, err = em.DecryptField(context.Background(), nil, "p")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = em.DecryptField(context.Background(), &EncryptedData{Version: "v1", EncryptedDEK: "%%%"}, "p")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
