package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedData is an envelope: the value sealed with a one-off data key, and
// that data key sealed by KMS (or by the local master key outside AWS).
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptionManager struct {
	kmsClient KMSAPI
	keyID     string
	masterKey []byte
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// NewEncryptionManager uses KMS when cfg.KMS.Enabled, otherwise a process-local
// master key. Local mode is for development: envelopes do not survive a restart.
func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{}
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, errors.New("encryption: KMS enabled but no client configured")
		}
		em.kmsClient = kmsClient
		em.keyID = cfg.KMS.KeyID
		return em, nil
	}

	em.masterKey = make([]byte, 32)
	if _, err := rand.Read(em.masterKey); err != nil {
		return nil, fmt.Errorf("encryption: generate local master key: %w", err)
	}
	util.Warn("KMS disabled; using an ephemeral local master key for envelope encryption")
	return em, nil
}

// GenerateDataKey returns a fresh AES-256 key and its wrapped form.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient == nil {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.keyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.masterKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// EncryptField seals plaintext under a new data key. The purpose is bound as
// associated data so an envelope cannot be replayed for another field.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	defer clear(dataKey.Plaintext)

	ciphertext, err := sealWithAD(dataKey.Plaintext, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, err
	}

	util.Debug("Field encrypted", zap.String("purpose", purpose), zap.String("key_id", dataKey.KeyID))

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
		KeyID:          dataKey.KeyID,
		Version:        envelopeVersion,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField opens an envelope produced by EncryptField with the same purpose.
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData, purpose string) (string, error) {
	if data == nil || data.Version != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported envelope", ErrDecryptionFailed)
	}
	wrapped, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	if em.kmsClient != nil {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	} else {
		dek, err = open(em.masterKey, wrapped, nil)
		if err != nil {
			return "", err
		}
	}
	defer clear(dek)

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(dek, ciphertext, []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	return sealWithAD(key, plaintext, nil)
}

func sealWithAD(key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}

func open(key, ciphertext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := gcm.Open(nil, ciphertext[:n], ciphertext[n:], ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
