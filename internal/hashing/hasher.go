package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

const (
	AlgorithmArgon2id = "argon2id-v1"

	otpContext = "otp"
)

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrPepperNotFound  = errors.New("pepper version not found")
	ErrMissingPeppers  = errors.New("OTP_PEPPERS must be set in production")
	ErrUnsupportedAlgo = errors.New("unsupported hash algorithm")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher digests OTP codes with argon2id, a per-code salt and a versioned pepper.
// Old peppers stay verifiable until they fall out of the retained set.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// NewHasher builds a hasher from configuration. Configured peppers are versioned
// by position starting at 1 and the last one is current. Outside production an
// ephemeral pepper is generated when none is configured.
func NewHasher(cfg *config.Config) (*Hasher, error) {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
	}

	peppers := cfg.Hashing.Peppers
	if len(peppers) == 0 {
		if cfg.IsProduction() {
			return nil, ErrMissingPeppers
		}
		if err := h.Rotate(""); err != nil {
			return nil, err
		}
		util.Warn("Using ephemeral OTP pepper; outstanding codes will not survive a restart")
		return h, nil
	}

	now := time.Now()
	for i, value := range peppers {
		p := &Pepper{Value: value, CreatedAt: now, Version: i + 1}
		if i == len(peppers)-1 {
			h.currentPepper = p
		} else {
			h.oldPeppers = append(h.oldPeppers, p)
		}
	}
	return h, nil
}

// Rotate installs a new current pepper. An empty value generates a random one.
func (h *Hasher) Rotate(value string) error {
	if value == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("failed to generate pepper: %w", err)
		}
		value = base64.RawURLEncoding.EncodeToString(b)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
		version = h.currentPepper.Version + 1
	}
	// Codes live minutes, so two previous versions is plenty.
	if len(h.oldPeppers) > 2 {
		h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
	}
	h.currentPepper = &Pepper{Value: value, CreatedAt: time.Now(), Version: version}

	util.Info("Pepper rotated",
		zap.Int("version", version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
	return nil
}

func (h *Hasher) CurrentVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := h.derive(code, pepper.Value, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     AlgorithmArgon2id,
	}, nil
}

// VerifyOTP recomputes the digest with the recorded pepper version and compares
// in constant time.
func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	if stored == nil {
		return false, ErrInvalidHash
	}
	if stored.Algorithm != "" && stored.Algorithm != AlgorithmArgon2id {
		return false, ErrUnsupportedAlgo
	}

	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, pepper, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code, pepper string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(code+pepper+otpContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, p := range h.oldPeppers {
		if p.Version == version {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrPepperNotFound, version)
}
